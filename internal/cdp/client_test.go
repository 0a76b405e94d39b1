package cdp

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu        sync.Mutex
	sendQueue []json.RawMessage
	recvChan  chan json.RawMessage
	closed    bool
	onSend    func(json.RawMessage)
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		recvChan: make(chan json.RawMessage, 16),
	}
}

func (t *mockTransport) Send(msg json.RawMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	t.sendQueue = append(t.sendQueue, msg)
	onSend := t.onSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (t *mockTransport) Receive() (json.RawMessage, error) {
	msg, ok := <-t.recvChan
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.recvChan)
	}
	return nil
}

func (t *mockTransport) queue(msg interface{}) {
	content, _ := json.Marshal(msg)
	t.recvChan <- content
}

func TestClientCall(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(msg json.RawMessage) {
		var req Request
		json.Unmarshal(msg, &req)

		if req.Method != "Debugger.enable" {
			t.Errorf("expected Debugger.enable, got %s", req.Method)
		}
		mt.queue(Response{ID: req.ID, Result: json.RawMessage(`{}`)})
	}

	client := NewClient(mt)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.DebuggerEnable(ctx); err != nil {
		t.Fatalf("DebuggerEnable failed: %v", err)
	}
}

func TestClientCallError(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(msg json.RawMessage) {
		var req Request
		json.Unmarshal(msg, &req)
		mt.queue(Response{ID: req.ID, Error: &ResponseError{Code: -32000, Message: "nope"}})
	}

	client := NewClient(mt)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.DebuggerPause(ctx)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestClientCallResult(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(msg json.RawMessage) {
		var req Request
		json.Unmarshal(msg, &req)

		var p SetBreakpointByURLParams
		json.Unmarshal(req.Params, &p)
		if p.LineNumber != 9 {
			t.Errorf("expected line 9, got %d", p.LineNumber)
		}

		result, _ := json.Marshal(SetBreakpointByURLResult{
			BreakpointID: "bp1",
			Locations:    []Location{{ScriptID: "1", LineNumber: 9}},
		})
		mt.queue(Response{ID: req.ID, Result: result})
	}

	client := NewClient(mt)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := client.DebuggerSetBreakpointByURL(ctx, SetBreakpointByURLParams{
		URLRegex:   "a\\.js",
		LineNumber: 9,
	})
	if err != nil {
		t.Fatalf("DebuggerSetBreakpointByURL failed: %v", err)
	}
	if result.BreakpointID != "bp1" {
		t.Errorf("expected bp1, got %s", result.BreakpointID)
	}
	if len(result.Locations) != 1 || result.Locations[0].LineNumber != 9 {
		t.Errorf("unexpected locations %+v", result.Locations)
	}
}

func TestClientEventDispatchOrder(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(msg json.RawMessage) {
		var req Request
		json.Unmarshal(msg, &req)
		mt.queue(Response{ID: req.ID, Result: json.RawMessage(`{}`)})
	}

	client := NewClient(mt)
	defer client.Close()

	var mu sync.Mutex
	var order []string

	client.OnScriptParsed(func(evt ScriptParsedEvent) {
		mu.Lock()
		order = append(order, string(evt.ScriptID))
		mu.Unlock()
	})

	for _, id := range []string{"1", "2", "3"} {
		params, _ := json.Marshal(ScriptParsedEvent{ScriptID: ScriptID(id), URL: "file:///" + id + ".js"})
		mt.queue(Event{Method: "Debugger.scriptParsed", Params: params})
	}

	// A round-trip guarantees the receive loop has consumed everything
	// queued before it; the barrier then trails those events.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.RuntimeEnable(ctx); err != nil {
		t.Fatalf("RuntimeEnable failed: %v", err)
	}

	<-client.Barrier()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "1" || order[1] != "2" || order[2] != "3" {
		t.Errorf("expected in-order dispatch, got %v", order)
	}
}

func TestClientCommandFromEventHandler(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(msg json.RawMessage) {
		var req Request
		json.Unmarshal(msg, &req)
		mt.queue(Response{ID: req.ID, Result: json.RawMessage(`{}`)})
	}

	client := NewClient(mt)
	defer client.Close()

	resumed := make(chan error, 1)
	client.OnPaused(func(PausedEvent) {
		// A handler may itself issue commands without deadlocking.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resumed <- client.DebuggerResume(ctx)
	})

	params, _ := json.Marshal(PausedEvent{Reason: "other"})
	mt.queue(Event{Method: "Debugger.paused", Params: params})

	select {
	case err := <-resumed:
		if err != nil {
			t.Fatalf("resume from handler failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("resume from event handler deadlocked")
	}
}

func TestClientTransportFailureCancelsPending(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)

	detached := make(chan struct{})
	client.OnClosed(func(error) { close(detached) })

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- client.DebuggerEnable(ctx)
	}()

	// Give the call a moment to register, then kill the transport.
	time.Sleep(10 * time.Millisecond)
	mt.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected pending call to fail")
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not cancelled")
	}

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("closed handler not invoked")
	}
}
