package adapter

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
)

// recordedCall is one CDP command the fake target received.
type recordedCall struct {
	Method string
	Params json.RawMessage
}

// fakeTarget implements cdp.Transport as a scripted debuggee. Handlers
// are registered per method; unhandled methods answer with an empty
// result.
type fakeTarget struct {
	mu       sync.Mutex
	handlers map[string]func(params json.RawMessage) (interface{}, *cdp.ResponseError)
	calls    []recordedCall
	recv     chan json.RawMessage
	closed   bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		handlers: make(map[string]func(params json.RawMessage) (interface{}, *cdp.ResponseError)),
		recv:     make(chan json.RawMessage, 256),
	}
}

// handle registers a response handler for one method.
func (f *fakeTarget) handle(method string, fn func(params json.RawMessage) (interface{}, *cdp.ResponseError)) {
	f.mu.Lock()
	f.handlers[method] = fn
	f.mu.Unlock()
}

// Send receives one command from the adapter and queues its response.
func (f *fakeTarget) Send(msg json.RawMessage) error {
	var req cdp.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: req.Method, Params: req.Params})
	handler := f.handlers[req.Method]
	f.mu.Unlock()

	resp := cdp.Response{ID: req.ID}
	if handler != nil {
		result, cdpErr := handler(req.Params)
		if cdpErr != nil {
			resp.Error = cdpErr
		} else if result != nil {
			data, err := json.Marshal(result)
			if err != nil {
				return err
			}
			resp.Result = data
		} else {
			resp.Result = json.RawMessage(`{}`)
		}
	} else {
		resp.Result = json.RawMessage(`{}`)
	}

	content, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	f.recv <- content
	return nil
}

// Receive delivers queued responses and events to the adapter.
func (f *fakeTarget) Receive() (json.RawMessage, error) {
	msg, ok := <-f.recv
	if !ok {
		return nil, errClosed
	}
	return msg, nil
}

// Close closes the transport.
func (f *fakeTarget) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true
		close(f.recv)
	}
	return nil
}

// emit pushes one event to the adapter.
func (f *fakeTarget) emit(method string, params interface{}) {
	data, _ := json.Marshal(params)
	content, _ := json.Marshal(cdp.Event{Method: method, Params: data})
	f.recv <- content
}

// callsFor returns the recorded calls of one method, in order.
func (f *fakeTarget) callsFor(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []recordedCall
	for _, c := range f.calls {
		if c.Method == method {
			result = append(result, c)
		}
	}
	return result
}

// allCalls returns every recorded call, in order.
func (f *fakeTarget) allCalls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall{}, f.calls...)
}

type closedError string

func (e closedError) Error() string { return string(e) }

const errClosed = closedError("transport closed")

// recordedEvent is one DAP event captured by the event recorder.
type recordedEvent struct {
	Name string
	Body interface{}
}

// eventRecorder implements EventEmitter for tests.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
	ch     chan recordedEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan recordedEvent, 64)}
}

func (r *eventRecorder) SendEvent(event string, body interface{}) error {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{Name: event, Body: body})
	r.mu.Unlock()

	select {
	case r.ch <- recordedEvent{Name: event, Body: body}:
	default:
	}
	return nil
}

func (r *eventRecorder) named(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []recordedEvent
	for _, e := range r.events {
		if e.Name == name {
			result = append(result, e)
		}
	}
	return result
}

// testLogger returns a silenced logger.
func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// testComponents bundles a full manager stack over a fake target.
type testComponents struct {
	target      *fakeTarget
	client      *cdp.Client
	scripts     *ScriptRegistry
	skips       *SkipFileManager
	breakpoints *BreakpointManager
	inspector   *Inspector
	coordinator *PauseCoordinator
	evaluator   *Evaluator
	events      *eventRecorder
	lineCol     *LineColTransformer
}

// newTestComponents builds the stack with identity path translation and
// the given source-map transformer (nil for none).
func newTestComponents(sourceMaps SourceMapTransformer) *testComponents {
	if sourceMaps == nil {
		sourceMaps = NoSourceMapTransformer{}
	}

	target := newFakeTarget()
	client := cdp.NewClient(target)
	events := newEventRecorder()
	log := testLogger()
	lineCol := &LineColTransformer{LinesStartAt1: true, ColumnsStartAt1: true}
	paths := IdentityPathTransformer{}

	scripts := NewScriptRegistry()
	skips := NewSkipFileManager(client, scripts, sourceMaps, log)
	breakpoints := NewBreakpointManager(client, scripts, events, lineCol, paths, sourceMaps, log)
	inspector := NewInspector(client, scripts, skips, lineCol, paths, sourceMaps, log)
	coordinator := NewPauseCoordinator(client, breakpoints, inspector, events, log)
	evaluator := NewEvaluator(client, scripts, inspector, coordinator, events, log)

	return &testComponents{
		target:      target,
		client:      client,
		scripts:     scripts,
		skips:       skips,
		breakpoints: breakpoints,
		inspector:   inspector,
		coordinator: coordinator,
		evaluator:   evaluator,
		events:      events,
		lineCol:     lineCol,
	}
}

func (tc *testComponents) close() {
	tc.client.Close()
}
