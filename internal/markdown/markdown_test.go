package markdown

import (
	"strings"
	"testing"
)

func TestRenderBasic(t *testing.T) {
	out, err := Render("**bold** and _italic_")
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(out, "<strong>bold</strong>") {
		t.Errorf("missing bold: %q", out)
	}
	if !strings.Contains(out, "<em>italic</em>") {
		t.Errorf("missing italic: %q", out)
	}
}

func TestRenderGFMTable(t *testing.T) {
	out, err := Render("| a | b |\n|---|---|\n| 1 | 2 |")
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(out, "<table>") {
		t.Errorf("GFM table not rendered: %q", out)
	}
}

func TestRenderStripsScript(t *testing.T) {
	out, err := Render("hello <script>alert(1)</script> world")
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if strings.Contains(out, "<script") || strings.Contains(out, "alert(1)") {
		t.Errorf("script survived: %q", out)
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "world") {
		t.Errorf("surrounding text lost: %q", out)
	}
}

func TestSanitizeDropsEventHandlers(t *testing.T) {
	out, err := Sanitize(`<p onclick="alert(1)" class="x">hi</p>`)
	if err != nil {
		t.Fatalf("Sanitize() error: %v", err)
	}
	if strings.Contains(out, "onclick") {
		t.Errorf("onclick survived: %q", out)
	}
	if !strings.Contains(out, `class="x"`) {
		t.Errorf("benign attribute removed: %q", out)
	}
}

func TestSanitizeDropsJavascriptHref(t *testing.T) {
	out, err := Sanitize(`<a href="javascript:alert(1)">x</a><a href="https://example.com">y</a>`)
	if err != nil {
		t.Fatalf("Sanitize() error: %v", err)
	}
	if strings.Contains(out, "javascript:") {
		t.Errorf("javascript: href survived: %q", out)
	}
	if !strings.Contains(out, `href="https://example.com"`) {
		t.Errorf("safe href removed: %q", out)
	}
}

func TestSanitizeDropsIframe(t *testing.T) {
	out, err := Sanitize(`before <iframe src="https://evil"></iframe> after`)
	if err != nil {
		t.Fatalf("Sanitize() error: %v", err)
	}
	if strings.Contains(out, "iframe") {
		t.Errorf("iframe survived: %q", out)
	}
}
