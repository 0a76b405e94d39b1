package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
	"github.com/privat1/vscode-chrome-debug-core/internal/dap"
)

// registerScript adds a script the way the façade does on scriptParsed.
func registerScript(tc *testComponents, id cdp.ScriptID, url string) *Script {
	script := tc.scripts.Add(cdp.ScriptParsedEvent{ScriptID: id, URL: url})
	script.ClientPath = IdentityPathTransformer{}.TargetURLToClientPath(url)
	return script
}

// countingBreakpointHandler answers setBreakpointByUrl with sequential ids.
func countingBreakpointHandler(tc *testComponents) {
	var mu sync.Mutex
	next := 0
	tc.target.handle("Debugger.setBreakpointByUrl", func(params json.RawMessage) (interface{}, *cdp.ResponseError) {
		mu.Lock()
		next++
		id := next
		mu.Unlock()

		var p cdp.SetBreakpointByURLParams
		json.Unmarshal(params, &p)
		return cdp.SetBreakpointByURLResult{
			BreakpointID: cdp.BreakpointID(fmt.Sprintf("bp%d", id)),
			Locations:    []cdp.Location{{ScriptID: "1", LineNumber: p.LineNumber}},
		}, nil
	})
}

func TestSetBreakpointsVerified(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()

	registerScript(tc, "1", "file:///a/b.js")
	countingBreakpointHandler(tc)

	body, err := tc.breakpoints.SetBreakpoints(context.Background(), dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: "/a/b.js"},
		Breakpoints: []dap.SourceBreakpoint{{Line: 10}, {Line: 20}},
	}, 1, nil)
	if err != nil {
		t.Fatalf("SetBreakpoints failed: %v", err)
	}

	if len(body.Breakpoints) != 2 {
		t.Fatalf("expected 2 breakpoints, got %d", len(body.Breakpoints))
	}
	for i, bp := range body.Breakpoints {
		if !bp.Verified {
			t.Errorf("breakpoint %d not verified: %+v", i, bp)
		}
	}
	if body.Breakpoints[0].Line != 10 {
		t.Errorf("expected line 10, got %d", body.Breakpoints[0].Line)
	}
	if body.Breakpoints[0].ID == body.Breakpoints[1].ID {
		t.Error("expected distinct breakpoint ids")
	}
}

func TestSetBreakpointsPendingResolves(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()
	ctx := context.Background()

	// No script parsed yet: the request parks as pending, unverified.
	body, err := tc.breakpoints.SetBreakpoints(ctx, dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: "/a/b.js"},
		Breakpoints: []dap.SourceBreakpoint{{Line: 10}},
	}, 1, nil)
	if err != nil {
		t.Fatalf("SetBreakpoints failed: %v", err)
	}
	if len(body.Breakpoints) != 1 || body.Breakpoints[0].Verified {
		t.Fatalf("expected one unverified breakpoint, got %+v", body.Breakpoints)
	}
	pendingID := body.Breakpoints[0].ID
	if pendingID == 0 {
		t.Fatal("expected a minted breakpoint id")
	}

	// The script appears; resolution reuses the minted id.
	countingBreakpointHandler(tc)
	script := registerScript(tc, "1", "file:///a/b.js")
	tc.breakpoints.ResolvePendingForScript(ctx, script)

	events := tc.events.named("breakpoint")
	if len(events) != 1 {
		t.Fatalf("expected 1 breakpoint event, got %d", len(events))
	}
	evt := events[0].Body.(dap.BreakpointEventBody)
	if evt.Breakpoint.ID != pendingID {
		t.Errorf("expected id %d, got %d", pendingID, evt.Breakpoint.ID)
	}
	if !evt.Breakpoint.Verified {
		t.Error("expected verified breakpoint")
	}
	if evt.Breakpoint.Line != 10 {
		t.Errorf("expected line 10, got %d", evt.Breakpoint.Line)
	}

	// Consumed exactly once: a second parse resolves nothing further.
	tc.breakpoints.ResolvePendingForScript(ctx, script)
	if len(tc.events.named("breakpoint")) != 1 {
		t.Error("expected pending breakpoints to resolve exactly once")
	}
}

func TestSetBreakpointsRemovalNotBatched(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()
	ctx := context.Background()

	registerScript(tc, "1", "file:///a/b.js")
	countingBreakpointHandler(tc)

	args := dap.SetBreakpointsArguments{
		Source: dap.Source{Path: "/a/b.js"},
		Breakpoints: []dap.SourceBreakpoint{
			{Line: 1}, {Line: 2}, {Line: 3}, {Line: 4}, {Line: 5}, {Line: 6},
		},
	}
	if _, err := tc.breakpoints.SetBreakpoints(ctx, args, 1, nil); err != nil {
		t.Fatalf("first SetBreakpoints failed: %v", err)
	}

	if _, err := tc.breakpoints.SetBreakpoints(ctx, args, 2, nil); err != nil {
		t.Fatalf("second SetBreakpoints failed: %v", err)
	}

	// Exactly 6 sequential removes, all before the re-add's first add.
	removes := tc.target.callsFor("Debugger.removeBreakpoint")
	if len(removes) != 6 {
		t.Fatalf("expected 6 removeBreakpoint calls, got %d", len(removes))
	}

	var sequence []string
	for _, c := range tc.target.allCalls() {
		if c.Method == "Debugger.removeBreakpoint" || c.Method == "Debugger.setBreakpointByUrl" {
			sequence = append(sequence, c.Method)
		}
	}
	// 6 adds, then 6 removes, then 6 adds.
	for i := 6; i < 12; i++ {
		if sequence[i] != "Debugger.removeBreakpoint" {
			t.Fatalf("expected remove at position %d, got %s (sequence %v)", i, sequence[i], sequence)
		}
	}
	for i := 12; i < 18; i++ {
		if sequence[i] != "Debugger.setBreakpointByUrl" {
			t.Fatalf("expected add at position %d, got %s", i, sequence[i])
		}
	}
}

func TestSetBreakpointsSerialized(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()
	ctx := context.Background()

	registerScript(tc, "1", "file:///one.js")
	registerScript(tc, "2", "file:///two.js")

	tc.target.handle("Debugger.setBreakpointByUrl", func(params json.RawMessage) (interface{}, *cdp.ResponseError) {
		time.Sleep(5 * time.Millisecond)
		var p cdp.SetBreakpointByURLParams
		json.Unmarshal(params, &p)
		return cdp.SetBreakpointByURLResult{
			BreakpointID: cdp.BreakpointID("bp-" + p.URLRegex),
		}, nil
	})

	var wg sync.WaitGroup
	for _, path := range []string{"/one.js", "/two.js"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			args := dap.SetBreakpointsArguments{
				Source:      dap.Source{Path: path},
				Breakpoints: []dap.SourceBreakpoint{{Line: 1}, {Line: 2}, {Line: 3}},
			}
			if _, err := tc.breakpoints.SetBreakpoints(ctx, args, 1, nil); err != nil {
				t.Errorf("SetBreakpoints(%s) failed: %v", path, err)
			}
		}(path)
	}
	wg.Wait()

	// The CDP trace shows non-overlapping add sequences per URL.
	var groups []string
	for _, c := range tc.target.callsFor("Debugger.setBreakpointByUrl") {
		var p cdp.SetBreakpointByURLParams
		json.Unmarshal(c.Params, &p)
		key := "one"
		if strings.Contains(p.URLRegex, "[tT]") {
			key = "two"
		}
		if len(groups) == 0 || groups[len(groups)-1] != key {
			groups = append(groups, key)
		}
	}
	if len(groups) != 2 {
		t.Errorf("expected two contiguous groups, got %v", groups)
	}
}

func TestSetBreakpointsTimeout(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()

	registerScript(tc, "1", "file:///a.js")

	// Occupy the queue slot so the operation cannot start.
	tc.breakpoints.slot <- struct{}{}
	defer func() { <-tc.breakpoints.slot }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tc.breakpoints.SetBreakpoints(ctx, dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: "/a.js"},
		Breakpoints: []dap.SourceBreakpoint{{Line: 1}},
	}, 1, nil)
	if !errors.Is(err, ErrBreakpointsTimeout) {
		t.Errorf("expected ErrBreakpointsTimeout, got %v", err)
	}
}

func TestSetBreakpointsInvalidHitCondition(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()

	registerScript(tc, "1", "file:///a.js")
	countingBreakpointHandler(tc)

	body, err := tc.breakpoints.SetBreakpoints(context.Background(), dap.SetBreakpointsArguments{
		Source: dap.Source{Path: "/a.js"},
		Breakpoints: []dap.SourceBreakpoint{
			{Line: 1, HitCondition: "abc"},
			{Line: 2, HitCondition: "% 3"},
		},
	}, 1, nil)
	if err != nil {
		t.Fatalf("SetBreakpoints failed: %v", err)
	}

	if body.Breakpoints[0].Verified {
		t.Error("expected invalid hit condition to fail the breakpoint")
	}
	if body.Breakpoints[0].Message == "" {
		t.Error("expected a message on the failed breakpoint")
	}
	if !body.Breakpoints[1].Verified {
		t.Errorf("expected valid hit condition to verify: %+v", body.Breakpoints[1])
	}
}

func TestSetBreakpointsPlaceholderUsesSetBreakpoint(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()

	script := tc.scripts.Add(cdp.ScriptParsedEvent{ScriptID: "77"})
	if script.URL != "eval://77" {
		t.Fatalf("unexpected placeholder url %q", script.URL)
	}

	tc.target.handle("Debugger.setBreakpoint", func(params json.RawMessage) (interface{}, *cdp.ResponseError) {
		var p cdp.SetBreakpointParams
		json.Unmarshal(params, &p)
		if p.Location.ScriptID != "77" {
			t.Errorf("expected scriptId 77, got %s", p.Location.ScriptID)
		}
		return cdp.SetBreakpointResult{
			BreakpointID:   "bp1",
			ActualLocation: p.Location,
		}, nil
	})

	body, err := tc.breakpoints.SetBreakpoints(context.Background(), dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: "eval://77"},
		Breakpoints: []dap.SourceBreakpoint{{Line: 3}},
	}, 1, nil)
	if err != nil {
		t.Fatalf("SetBreakpoints failed: %v", err)
	}
	if !body.Breakpoints[0].Verified {
		t.Errorf("expected verified breakpoint, got %+v", body.Breakpoints[0])
	}
	if len(tc.target.callsFor("Debugger.setBreakpointByUrl")) != 0 {
		t.Error("expected no setBreakpointByUrl for placeholder scripts")
	}
}

func TestParseHitCondition(t *testing.T) {
	tests := []struct {
		expr    string
		op      hitOp
		k       uint64
		wantErr bool
	}{
		{"3", hitOpGE, 3, false},
		{">= 5", hitOpGE, 5, false},
		{"> 2", hitOpGT, 2, false},
		{"= 7", hitOpEQ, 7, false},
		{"< 4", hitOpLT, 4, false},
		{"<= 9", hitOpLE, 9, false},
		{"% 3", hitOpMod, 3, false},
		{"%3", hitOpMod, 3, false},
		{"  >= 10  ", hitOpGE, 10, false},
		{"abc", 0, 0, true},
		{"> x", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		cond, err := parseHitCondition(tt.expr)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseHitCondition(%q): expected error", tt.expr)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseHitCondition(%q) failed: %v", tt.expr, err)
			continue
		}
		if cond.op != tt.op || cond.k != tt.k {
			t.Errorf("parseHitCondition(%q) = {op:%v k:%d}, want {op:%v k:%d}", tt.expr, cond.op, cond.k, tt.op, tt.k)
		}
	}
}

func TestHitConditionShouldPause(t *testing.T) {
	mod := &hitConditionBreakpoint{op: hitOpMod, k: 3}
	for n := uint64(1); n <= 9; n++ {
		want := n%3 == 0
		if got := mod.shouldPause(n); got != want {
			t.Errorf("%%3 shouldPause(%d) = %v, want %v", n, got, want)
		}
	}

	eq := &hitConditionBreakpoint{op: hitOpEQ, k: 2}
	if eq.shouldPause(1) || !eq.shouldPause(2) || eq.shouldPause(3) {
		t.Error("= should mean equality")
	}

	ge := &hitConditionBreakpoint{op: hitOpGE, k: 2}
	if ge.shouldPause(1) || !ge.shouldPause(2) || !ge.shouldPause(3) {
		t.Error(">= should mean at least")
	}
}

func TestURLToRegex(t *testing.T) {
	regex := urlToRegex("file:///a/b.js")

	if !strings.Contains(regex, "[fF]") {
		t.Errorf("expected case-insensitive letters, got %q", regex)
	}
	if !strings.Contains(regex, `\.`) {
		t.Errorf("expected escaped dot, got %q", regex)
	}
	if !strings.Contains(regex, `\/`) {
		t.Errorf("expected escaped slash, got %q", regex)
	}
}

func TestOnBreakpointResolved(t *testing.T) {
	tc := newTestComponents(nil)
	defer tc.close()

	registerScript(tc, "1", "file:///a/b.js")
	countingBreakpointHandler(tc)

	body, err := tc.breakpoints.SetBreakpoints(context.Background(), dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: "/a/b.js"},
		Breakpoints: []dap.SourceBreakpoint{{Line: 10}},
	}, 1, nil)
	if err != nil {
		t.Fatalf("SetBreakpoints failed: %v", err)
	}

	tc.breakpoints.OnBreakpointResolved(cdp.BreakpointResolvedEvent{
		BreakpointID: "bp1",
		Location:     cdp.Location{ScriptID: "1", LineNumber: 11},
	})

	events := tc.events.named("breakpoint")
	if len(events) != 1 {
		t.Fatalf("expected 1 breakpoint event, got %d", len(events))
	}
	evt := events[0].Body.(dap.BreakpointEventBody)
	if !evt.Breakpoint.Verified {
		t.Error("expected verified")
	}
	if evt.Breakpoint.ID != body.Breakpoints[0].ID {
		t.Errorf("expected client id %d, got %d", body.Breakpoints[0].ID, evt.Breakpoint.ID)
	}
	if evt.Breakpoint.Line != 12 {
		t.Errorf("expected line 12, got %d", evt.Breakpoint.Line)
	}
}
