package adapter

import (
	"testing"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
)

func TestScriptRegistryAdd(t *testing.T) {
	r := NewScriptRegistry()

	script := r.Add(cdp.ScriptParsedEvent{ScriptID: "12", URL: "file:///a/b.js"})
	if script == nil {
		t.Fatal("expected script to be registered")
	}

	byID, ok := r.ByID("12")
	if !ok || byID.URL != "file:///a/b.js" {
		t.Errorf("expected lookup by id, got %+v (ok=%v)", byID, ok)
	}
	byURL, ok := r.ByURL("file:///a/b.js")
	if !ok || byURL.ID != "12" {
		t.Errorf("expected lookup by url, got %+v (ok=%v)", byURL, ok)
	}
}

func TestScriptRegistryDropsExtensions(t *testing.T) {
	r := NewScriptRegistry()

	for _, url := range []string{
		"extensions::main",
		"chrome-extension://abcdef/content.js",
	} {
		if script := r.Add(cdp.ScriptParsedEvent{ScriptID: "1", URL: url}); script != nil {
			t.Errorf("expected %q to be dropped", url)
		}
	}

	if len(r.All()) != 0 {
		t.Errorf("expected empty registry, got %d scripts", len(r.All()))
	}
}

func TestScriptRegistryPlaceholder(t *testing.T) {
	r := NewScriptRegistry()

	script := r.Add(cdp.ScriptParsedEvent{ScriptID: "42"})
	if script == nil {
		t.Fatal("expected script to be registered")
	}
	if script.URL != "eval://42" {
		t.Errorf("expected placeholder url, got %q", script.URL)
	}
	if !script.IsPlaceholder() {
		t.Error("expected IsPlaceholder")
	}
}

func TestNormalizeScriptURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`C:\dev\app.js`, "c:/dev/app.js"},
		{`file:///C:/dev/app.js`, "file:///c:/dev/app.js"},
		{`file:///C:\dev\app.js`, "file:///c:/dev/app.js"},
		{"file:///home/user/app.js", "file:///home/user/app.js"},
		{"http://localhost/app.js", "http://localhost/app.js"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := normalizeScriptURL(tt.in); got != tt.want {
			t.Errorf("normalizeScriptURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScriptRegistryReset(t *testing.T) {
	r := NewScriptRegistry()
	r.Add(cdp.ScriptParsedEvent{ScriptID: "1", URL: "file:///a.js"})

	r.Reset()

	if _, ok := r.ByID("1"); ok {
		t.Error("expected registry cleared")
	}
}
