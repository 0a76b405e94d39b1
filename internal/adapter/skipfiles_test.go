package adapter

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
)

func TestGlobToRegex(t *testing.T) {
	tests := []struct {
		glob  string
		path  string
		match bool
	}{
		{"**/node_modules/**", "/proj/node_modules/lib/index.js", true},
		{"**/node_modules/**", "/proj/src/index.js", false},
		{"*.min.js", "app.min.js", true},
		{"*.min.js", "dir/app.min.js", false},
		{"lib?.js", "lib1.js", true},
		{"lib?.js", "lib12.js", false},
	}

	tc := newTestComponents(nil)
	defer tc.close()

	for _, tt := range tests {
		if err := tc.skips.Init(context.Background(), []string{tt.glob}, nil); err != nil {
			t.Fatalf("Init(%q) failed: %v", tt.glob, err)
		}
		got := tc.skips.IsSkipped(tt.path)
		if got != tt.match {
			t.Errorf("glob %q vs %q: got %v, want %v", tt.glob, tt.path, got, tt.match)
		}
	}
}

func TestShouldSkipSourceTriState(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()

	if err := tc.skips.Init(context.Background(), nil, []string{`vendor`}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if v := tc.skips.ShouldSkipSource("/app/main.js"); v != nil {
		t.Errorf("expected unknown for unmatched path, got %v", *v)
	}
	if v := tc.skips.ShouldSkipSource("/app/vendor/lib.js"); v == nil || !*v {
		t.Error("expected pattern match to skip")
	}

	// The override wins over the pattern list.
	tc.skips.mu.Lock()
	tc.skips.overrides["/app/vendor/lib.js"] = false
	tc.skips.mu.Unlock()
	if v := tc.skips.ShouldSkipSource("/app/vendor/lib.js"); v == nil || *v {
		t.Error("expected override to take precedence")
	}
}

func TestToggleSkipSourceNotInStack(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()

	err := tc.skips.ToggleSkipSource(context.Background(), "/app/lib.js", func(string) bool { return false })
	if err != nil {
		t.Fatalf("ToggleSkipSource failed: %v", err)
	}
	if v := tc.skips.ShouldSkipSource("/app/lib.js"); v != nil {
		t.Error("expected no-op for source outside the stack")
	}
}

func TestToggleSkipSourceRoundTrip(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()
	ctx := context.Background()

	if err := tc.skips.Init(ctx, nil, []string{`lib`}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	original := tc.skips.PatternSources()

	inStack := func(string) bool { return true }

	// /app/lib.js matches `lib`, so the first toggle disables skipping:
	// the matching pattern is rewritten to exclude the path.
	if err := tc.skips.ToggleSkipSource(ctx, "/app/lib.js", inStack); err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	if tc.skips.IsSkipped("/app/lib.js") {
		t.Error("expected first toggle to unskip")
	}
	if reflect.DeepEqual(tc.skips.PatternSources(), original) {
		t.Error("expected pattern list rewritten after unskip")
	}

	// Toggling back re-skips via an exact-path pattern, no duplicates.
	if err := tc.skips.ToggleSkipSource(ctx, "/app/lib.js", inStack); err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}
	if !tc.skips.IsSkipped("/app/lib.js") {
		t.Error("expected second toggle to re-skip")
	}

	sources := tc.skips.PatternSources()
	seen := make(map[string]bool)
	for _, src := range sources {
		if seen[src] {
			t.Errorf("duplicate pattern %q", src)
		}
		seen[src] = true
	}
}

// fakeMapTransformer is a canned SourceMapTransformer for skip and pause
// tests.
type fakeMapTransformer struct {
	// authored lists authored sources per generated URL.
	authored map[string][]string
	// starts maps authored source to its first generated position.
	starts map[string]GeneratedPosition
	// mapped marks generated positions that resolve to authored code.
	mapped map[string]*MappedPosition
}

func (f *fakeMapTransformer) ScriptParsed(ctx context.Context, url, sourceMapURL string) ([]string, error) {
	return f.authored[url], nil
}

func (f *fakeMapTransformer) MappedPosition(url string, line, col int) (*MappedPosition, bool) {
	pos, ok := f.mapped[url]
	if !ok || pos == nil {
		return nil, false
	}
	return pos, true
}

func (f *fakeMapTransformer) GeneratedPosition(authoredPath string, line, col int) (*GeneratedPosition, bool) {
	pos, ok := f.starts[authoredPath]
	if !ok {
		return nil, false
	}
	return &pos, true
}

func (f *fakeMapTransformer) AuthoredSources(url string) []string {
	return f.authored[url]
}

func (f *fakeMapTransformer) GeneratedURLFor(authoredPath string) (string, bool) {
	for url, sources := range f.authored {
		for _, src := range sources {
			if src == authoredPath {
				return url, true
			}
		}
	}
	return "", false
}

func TestRefreshRangesClearThenSet(t *testing.T) {
	maps := &fakeMapTransformer{
		authored: map[string][]string{
			"file:///bundle.js": {"/src/app.ts", "/src/lib.ts", "/src/more.ts"},
		},
		starts: map[string]GeneratedPosition{
			"/src/app.ts":  {URL: "file:///bundle.js", Line: 0, Column: 0},
			"/src/lib.ts":  {URL: "file:///bundle.js", Line: 100, Column: 0},
			"/src/more.ts": {URL: "file:///bundle.js", Line: 200, Column: 0},
		},
	}

	tc := newTestComponents(maps)
	defer tc.close()
	ctx := context.Background()

	script := registerScript(tc, "1", "file:///bundle.js")

	if err := tc.skips.Init(ctx, nil, []string{`\/src\/lib\.ts`}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	tc.skips.RefreshRanges(ctx, script)

	calls := tc.target.callsFor("Debugger.setBlackboxedRanges")
	if len(calls) != 2 {
		t.Fatalf("expected clear-then-set (2 calls), got %d", len(calls))
	}

	var clear cdp.SetBlackboxedRangesParams
	json.Unmarshal(calls[0].Params, &clear)
	if len(clear.Positions) != 0 {
		t.Errorf("expected empty clearing push, got %v", clear.Positions)
	}

	var set cdp.SetBlackboxedRangesParams
	json.Unmarshal(calls[1].Params, &set)
	// Transitions: app (keep) -> lib (skip) at 100, lib -> more (keep) at 200.
	want := []cdp.ScriptPosition{
		{LineNumber: 100, ColumnNumber: 0},
		{LineNumber: 200, ColumnNumber: 0},
	}
	if !reflect.DeepEqual(set.Positions, want) {
		t.Errorf("expected positions %v, got %v", want, set.Positions)
	}
}

func TestRefreshRangesSkippedParent(t *testing.T) {
	maps := &fakeMapTransformer{
		authored: map[string][]string{
			"file:///bundle.js": {"/src/app.ts"},
		},
		starts: map[string]GeneratedPosition{
			"/src/app.ts": {URL: "file:///bundle.js", Line: 50, Column: 0},
		},
	}

	tc := newTestComponents(maps)
	defer tc.close()
	ctx := context.Background()

	script := registerScript(tc, "1", "file:///bundle.js")

	if err := tc.skips.Init(ctx, nil, []string{`bundle\.js`}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	tc.skips.RefreshRanges(ctx, script)

	calls := tc.target.callsFor("Debugger.setBlackboxedRanges")
	var set cdp.SetBlackboxedRangesParams
	json.Unmarshal(calls[len(calls)-1].Params, &set)

	// The skipped parent prepends {0,0}; app.ts is not skipped so the
	// range closes at its start.
	want := []cdp.ScriptPosition{
		{LineNumber: 0, ColumnNumber: 0},
		{LineNumber: 50, ColumnNumber: 0},
	}
	if !reflect.DeepEqual(set.Positions, want) {
		t.Errorf("expected positions %v, got %v", want, set.Positions)
	}
}

func TestBlackboxUnsupportedWarnsOnce(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()
	ctx := context.Background()

	tc.target.handle("Debugger.setBlackboxPatterns", func(json.RawMessage) (interface{}, *cdp.ResponseError) {
		return nil, &cdp.ResponseError{Code: -32601, Message: "method not found"}
	})

	// Rejection is tolerated: Init itself succeeds.
	if err := tc.skips.Init(ctx, []string{"**/skip/**"}, nil); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := tc.skips.Init(ctx, []string{"**/skip/**"}, nil); err != nil {
		t.Fatalf("second Init failed: %v", err)
	}

	tc.skips.mu.Lock()
	warned := tc.skips.warnedUnsupported
	tc.skips.mu.Unlock()
	if !warned {
		t.Error("expected unsupported warning to be recorded")
	}
}
