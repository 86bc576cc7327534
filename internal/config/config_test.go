package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solenne.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9000\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Listen.Port != 9000 {
		t.Errorf("Listen.Port = %d, want 9000", cfg.Listen.Port)
	}
	if cfg.ContextWindow != 10 {
		t.Errorf("ContextWindow = %d, want default 10", cfg.ContextWindow)
	}
	if cfg.AssistantName != "Solenne" {
		t.Errorf("AssistantName = %q, want default", cfg.AssistantName)
	}
	if cfg.FallbackReply == "" {
		t.Error("FallbackReply should have a default")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SOLENNE_TEST_TOKEN", "sekrit")
	path := writeConfig(t, "engine:\n  url: http://runner:9800\n  token: ${SOLENNE_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Engine.Token != "sekrit" {
		t.Errorf("Engine.Token = %q, want expanded env value", cfg.Engine.Token)
	}
	if !cfg.Engine.Configured() {
		t.Error("Engine.Configured() = false, want true")
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, "log_level: shouty\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted invalid log_level")
	}
}

func TestLoadRejectsZeroWindow(t *testing.T) {
	path := writeConfig(t, "context_window: -3\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted negative context_window")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("FindConfig() with missing explicit path should error")
	}
}
