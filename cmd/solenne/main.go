// Solenne bridges a chat PWA to an external agent runner.
//
// It persists conversations in SQLite, renders each one into a bounded
// transcript, dispatches turns to the runner over HTTP, and serves the
// PWA-facing API with a WebSocket event stream. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	solenne serve                 Start the bridge server
//	solenne pair <device-name>    Pair a new client device (prints token + QR)
//	solenne devices               List paired devices
//	solenne revoke <device-id>    Revoke a paired device
//	solenne version               Print version and build information
//	solenne -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/solenne-ai/solenne/internal/api"
	"github.com/solenne-ai/solenne/internal/auth"
	"github.com/solenne-ai/solenne/internal/bridge"
	"github.com/solenne-ai/solenne/internal/buildinfo"
	"github.com/solenne-ai/solenne/internal/config"
	"github.com/solenne-ai/solenne/internal/connwatch"
	"github.com/solenne-ai/solenne/internal/engine"
	"github.com/solenne-ai/solenne/internal/events"
	"github.com/solenne-ai/solenne/internal/mqtt"
	"github.com/solenne-ai/solenne/internal/session"
	"github.com/solenne-ai/solenne/internal/store"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the solenne command. Arguments are
// parsed by hand: the flag package relies on package-level globals
// (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "pair":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: solenne pair <device-name>")
		}
		return runPair(stdout, configPath, cmdArgs[0])
	case "devices":
		return runDevices(stdout, configPath, outputFmt)
	case "revoke":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: solenne revoke <device-id>")
		}
		return runRevoke(stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Solenne - Conversation bridge for agent runners")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: solenne [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the bridge server")
	fmt.Fprintln(w, "  pair <name>      Pair a new client device (prints token and QR code)")
	fmt.Fprintln(w, "  devices          List paired devices")
	fmt.Fprintln(w, "  revoke <id>      Revoke a paired device")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./solenne.yaml, ~/.config/solenne/config.yaml, /etc/solenne/config.yaml")
	return nil
}

// runServe starts the bridge: SQLite store, agent runner client, API
// server, and the optional MQTT presence publisher.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Solenne", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level and format are known; the
	// initial text logger only covers the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate().
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"engine_url", cfg.Engine.URL,
	)

	if !cfg.Engine.Configured() {
		return fmt.Errorf("engine.url is required: Solenne cannot answer without an agent runner")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Conversation store ---
	dbPath := filepath.Join(cfg.DataDir, "solenne.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open conversation database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("conversation database opened", "path", dbPath)

	// --- Device tokens ---
	// Shares the conversation database file and lifecycle.
	tokens, err := auth.New(st.DB())
	if err != nil {
		return fmt.Errorf("open device token store: %w", err)
	}

	// --- Agent runner client ---
	eng := engine.NewClient(cfg.Engine.URL, cfg.Engine.Token, logger)
	snapshots := engine.NewSnapshotWriter(cfg.Engine.StateDir)

	// --- Event bus ---
	bus := events.New()

	// --- Bridge ---
	br := bridge.New(st, session.NewMemoryRegistry(), eng, snapshots, bus, logger, bridge.Options{
		AssistantName: cfg.AssistantName,
		ContextWindow: cfg.ContextWindow,
		FallbackReply: cfg.FallbackReply,
		EmptyReply:    cfg.EmptyReply,
		InvokeTimeout: cfg.Engine.InvokeTimeout(),
	})

	// --- Runner health watcher ---
	// The bridge never gates on this; it feeds /health so clients can
	// warn before a send would fail.
	runnerWatch := connwatch.Watch(ctx, connwatch.Config{
		Name:   "runner",
		Probe:  func(pCtx context.Context) error { return eng.Ping(pCtx) },
		Logger: logger,
	})
	defer runnerWatch.Stop()

	// --- API server ---
	srv := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, br, bus, logger)
	srv.SetRunnerWatcher(runnerWatch)

	// Auth is enforced once at least one device has paired. A fresh
	// install stays open so the first pairing can be tested locally.
	if devices, err := tokens.List(); err != nil {
		return fmt.Errorf("list paired devices: %w", err)
	} else if len(devices) > 0 {
		srv.SetTokenStore(tokens)
		logger.Info("device authentication enabled", "devices", len(devices))
	} else {
		logger.Warn("no paired devices - API is unauthenticated until 'solenne pair' is run")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// --- MQTT presence (optional) ---
	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		stats := newBridgeStats(st, bus)
		defer stats.Close()

		pub = mqtt.New(cfg.MQTT, stats, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
		logger.Info("mqtt presence enabled", "broker", cfg.MQTT.BrokerURL)
	}

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}
	if pub != nil {
		if err := pub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	wg.Wait()
	return nil
}

// pairPayload is the JSON encoded into the pairing QR code: everything
// the PWA needs to connect.
type pairPayload struct {
	Server string `json:"server"`
	Token  string `json:"token"`
}

// runPair registers a new device and prints its token. The plaintext
// token is shown exactly once; a QR code image is written next to the
// data directory for scanning from the PWA.
func runPair(stdout io.Writer, configPath, deviceName string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, err := auth.New(st.DB())
	if err != nil {
		return fmt.Errorf("open device token store: %w", err)
	}

	token, dev, err := tokens.Pair(deviceName)
	if err != nil {
		return fmt.Errorf("pair device: %w", err)
	}

	payload, err := json.Marshal(pairPayload{
		Server: serverURL(cfg),
		Token:  token,
	})
	if err != nil {
		return fmt.Errorf("encode pairing payload: %w", err)
	}

	qrPath := filepath.Join(cfg.DataDir, "pair-"+dev.ID+".png")
	if err := qrcode.WriteFile(string(payload), qrcode.Medium, 512, qrPath); err != nil {
		return fmt.Errorf("write pairing QR code: %w", err)
	}

	fmt.Fprintf(stdout, "Paired device %q (id %s)\n", dev.Name, dev.ID)
	fmt.Fprintf(stdout, "Token (shown once, store it now):\n  %s\n", token)
	fmt.Fprintf(stdout, "QR code: %s\n", qrPath)
	return nil
}

// runDevices lists paired devices.
func runDevices(stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, err := auth.New(st.DB())
	if err != nil {
		return fmt.Errorf("open device token store: %w", err)
	}

	devices, err := tokens.List()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No paired devices. Run 'solenne pair <name>' to add one.")
		return nil
	}
	for _, d := range devices {
		lastSeen := "never"
		if !d.LastSeen.IsZero() {
			lastSeen = d.LastSeen.Format(time.RFC3339)
		}
		fmt.Fprintf(stdout, "%s  %-20s paired %s  last seen %s\n",
			d.ID, d.Name, d.CreatedAt.Format("2006-01-02"), lastSeen)
	}
	return nil
}

// runRevoke removes a paired device.
func runRevoke(stdout io.Writer, configPath, deviceID string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, err := auth.New(st.DB())
	if err != nil {
		return fmt.Errorf("open device token store: %w", err)
	}

	if err := tokens.Revoke(deviceID); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Revoked device %s\n", deviceID)
	return nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "solenne.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation database %s: %w", dbPath, err)
	}
	return st, nil
}

// serverURL guesses the externally reachable base URL for pairing
// payloads. The listen address is usually 0.0.0.0, so fall back to the
// local hostname.
func serverURL(cfg *config.Config) string {
	host := cfg.Listen.Address
	if host == "" || host == "0.0.0.0" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Listen.Port)
}

// bridgeStats adapts the store and event bus to the MQTT publisher's
// StatsSource. Last-activity tracking rides the bus so the adapter
// needs no hook into the bridge itself.
type bridgeStats struct {
	st  *store.Store
	bus *events.Bus
	sub <-chan events.Event

	mu   sync.Mutex
	last time.Time
}

func newBridgeStats(st *store.Store, bus *events.Bus) *bridgeStats {
	s := &bridgeStats{st: st, bus: bus, sub: bus.Subscribe(16)}
	go func() {
		for ev := range s.sub {
			if ev.Kind == events.KindRequestComplete {
				s.mu.Lock()
				s.last = ev.Timestamp
				s.mu.Unlock()
			}
		}
	}()
	return s
}

func (s *bridgeStats) Close() {
	s.bus.Unsubscribe(s.sub)
}

func (s *bridgeStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *bridgeStats) Version() string       { return buildinfo.Version }

func (s *bridgeStats) Conversations() int {
	convs, err := s.st.ListConversations()
	if err != nil {
		return 0
	}
	return len(convs)
}

func (s *bridgeStats) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
