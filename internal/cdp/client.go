package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Client is a CDP client that communicates with a JavaScript runtime.
//
// Responses are matched to pending calls on the receive goroutine; events
// are queued and dispatched in order on a separate goroutine, so an event
// handler may itself issue commands without stalling the receive loop.
type Client struct {
	transport Transport
	seq       int64
	pending   map[int]*pendingCall
	pendingMu sync.Mutex
	handlers  eventHandlers
	handlerMu sync.RWMutex
	events    *eventQueue
	done      chan struct{}
	closeOnce sync.Once
	err       error
	errMu     sync.RWMutex
}

// eventQueue is an unbounded FIFO of dispatch thunks. Unbounded because a
// bounded queue could stall the receive loop and with it response
// delivery for commands issued from event handlers.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a thunk. After close, thunks run inline so barriers still
// release their waiters.
func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	closed := q.closed
	if !closed {
		q.items = append(q.items, fn)
	}
	q.mu.Unlock()
	if closed {
		fn()
		return
	}
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed and drained.
func (q *eventQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items = q.items[1:]
	return fn, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// pendingCall tracks an in-flight command awaiting its response.
type pendingCall struct {
	done      chan struct{}
	closeOnce sync.Once
	response  *Response
	err       error
}

func (p *pendingCall) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// eventHandlers stores event handler functions.
type eventHandlers struct {
	onScriptParsed             func(ScriptParsedEvent)
	onPaused                   func(PausedEvent)
	onResumed                  func()
	onBreakpointResolved       func(BreakpointResolvedEvent)
	onExecutionContextsCleared func()
	onMessageAdded             func(MessageAddedEvent)
	onDetached                 func(DetachedEvent)
	onClosed                   func(error)
}

// NewClient creates a new CDP client with the given transport.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport: transport,
		pending:   make(map[int]*pendingCall),
		events:    newEventQueue(),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	go c.dispatchLoop()
	return c
}

// Close closes the client and underlying transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.transport.Close()
}

// Error returns any error that occurred during receive.
func (c *Client) Error() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// receiveLoop continuously receives messages from the transport.
func (c *Client) receiveLoop() {
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			closing := false
			select {
			case <-c.done:
				closing = true
			default:
			}

			if !closing {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}

			// Cancel all pending commands
			c.pendingMu.Lock()
			for _, call := range c.pending {
				call.err = err
				call.close()
			}
			c.pending = make(map[int]*pendingCall)
			c.pendingMu.Unlock()

			c.events.close()

			if !closing {
				c.handlerMu.RLock()
				closed := c.handlers.onClosed
				c.handlerMu.RUnlock()
				if closed != nil {
					closed(err)
				}
			}
			return
		}

		select {
		case <-c.done:
			c.events.close()
			return
		default:
		}

		c.handleMessage(msg)
	}
}

// dispatchLoop drains queued events in arrival order.
func (c *Client) dispatchLoop() {
	for {
		fn, ok := c.events.pop()
		if !ok {
			return
		}
		fn()
	}
}

// Barrier returns a channel that is closed once every event received
// before the call has been dispatched.
func (c *Client) Barrier() <-chan struct{} {
	ch := make(chan struct{})
	c.events.push(func() { close(ch) })
	return ch
}

// handleMessage routes a received message. CDP responses carry an id;
// events carry a method.
func (c *Client) handleMessage(msg json.RawMessage) {
	var probe struct {
		ID     int    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return
	}

	if probe.Method != "" && probe.ID == 0 {
		c.events.push(func() { c.handleEvent(msg) })
		return
	}
	c.handleResponse(msg)
}

// handleResponse completes the pending call matching the response id.
func (c *Client) handleResponse(content json.RawMessage) {
	var resp Response
	if err := json.Unmarshal(content, &resp); err != nil {
		return
	}

	c.pendingMu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		call.response = &resp
		call.close()
	}
}

// handleEvent dispatches an event to its registered handler.
func (c *Client) handleEvent(content json.RawMessage) {
	var evt Event
	if err := json.Unmarshal(content, &evt); err != nil {
		return
	}

	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()

	switch evt.Method {
	case "Debugger.scriptParsed":
		if handlers.onScriptParsed != nil {
			var body ScriptParsedEvent
			if err := json.Unmarshal(evt.Params, &body); err == nil {
				handlers.onScriptParsed(body)
			}
		}
	case "Debugger.paused":
		if handlers.onPaused != nil {
			var body PausedEvent
			if err := json.Unmarshal(evt.Params, &body); err == nil {
				handlers.onPaused(body)
			}
		}
	case "Debugger.resumed":
		if handlers.onResumed != nil {
			handlers.onResumed()
		}
	case "Debugger.breakpointResolved":
		if handlers.onBreakpointResolved != nil {
			var body BreakpointResolvedEvent
			if err := json.Unmarshal(evt.Params, &body); err == nil {
				handlers.onBreakpointResolved(body)
			}
		}
	case "Runtime.executionContextsCleared":
		if handlers.onExecutionContextsCleared != nil {
			handlers.onExecutionContextsCleared()
		}
	case "Console.messageAdded":
		if handlers.onMessageAdded != nil {
			var body MessageAddedEvent
			if err := json.Unmarshal(evt.Params, &body); err == nil {
				handlers.onMessageAdded(body)
			}
		}
	case "Inspector.detached":
		if handlers.onDetached != nil {
			var body DetachedEvent
			if err := json.Unmarshal(evt.Params, &body); err == nil {
				handlers.onDetached(body)
			}
		}
	}
}

// Call sends a command and waits for its response. The result, if any, is
// unmarshaled into result when result is non-nil.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	id := int(atomic.AddInt64(&c.seq, 1))

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
	}

	req := Request{
		ID:     id,
		Method: method,
		Params: paramsJSON,
	}

	content, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	call := &pendingCall{
		done: make(chan struct{}),
	}

	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()

	if err := c.transport.Send(content); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-call.done:
	}

	if call.err != nil {
		return call.err
	}
	if call.response.Error != nil {
		return fmt.Errorf("%s: %s", method, call.response.Error.Message)
	}
	if result != nil && call.response.Result != nil {
		if err := json.Unmarshal(call.response.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// Event handler setters

// OnScriptParsed sets the handler for Debugger.scriptParsed.
func (c *Client) OnScriptParsed(handler func(ScriptParsedEvent)) {
	c.handlerMu.Lock()
	c.handlers.onScriptParsed = handler
	c.handlerMu.Unlock()
}

// OnPaused sets the handler for Debugger.paused.
func (c *Client) OnPaused(handler func(PausedEvent)) {
	c.handlerMu.Lock()
	c.handlers.onPaused = handler
	c.handlerMu.Unlock()
}

// OnResumed sets the handler for Debugger.resumed.
func (c *Client) OnResumed(handler func()) {
	c.handlerMu.Lock()
	c.handlers.onResumed = handler
	c.handlerMu.Unlock()
}

// OnBreakpointResolved sets the handler for Debugger.breakpointResolved.
func (c *Client) OnBreakpointResolved(handler func(BreakpointResolvedEvent)) {
	c.handlerMu.Lock()
	c.handlers.onBreakpointResolved = handler
	c.handlerMu.Unlock()
}

// OnExecutionContextsCleared sets the handler for
// Runtime.executionContextsCleared.
func (c *Client) OnExecutionContextsCleared(handler func()) {
	c.handlerMu.Lock()
	c.handlers.onExecutionContextsCleared = handler
	c.handlerMu.Unlock()
}

// OnMessageAdded sets the handler for Console.messageAdded.
func (c *Client) OnMessageAdded(handler func(MessageAddedEvent)) {
	c.handlerMu.Lock()
	c.handlers.onMessageAdded = handler
	c.handlerMu.Unlock()
}

// OnDetached sets the handler for Inspector.detached.
func (c *Client) OnDetached(handler func(DetachedEvent)) {
	c.handlerMu.Lock()
	c.handlers.onDetached = handler
	c.handlerMu.Unlock()
}

// OnClosed sets the handler invoked once when the transport fails or closes.
func (c *Client) OnClosed(handler func(error)) {
	c.handlerMu.Lock()
	c.handlers.onClosed = handler
	c.handlerMu.Unlock()
}

// Command methods

// DebuggerEnable sends Debugger.enable.
func (c *Client) DebuggerEnable(ctx context.Context) error {
	return c.Call(ctx, "Debugger.enable", nil, nil)
}

// RuntimeEnable sends Runtime.enable.
func (c *Client) RuntimeEnable(ctx context.Context) error {
	return c.Call(ctx, "Runtime.enable", nil, nil)
}

// ConsoleEnable sends Console.enable. Newer runtimes reject the Console
// domain; callers tolerate the error.
func (c *Client) ConsoleEnable(ctx context.Context) error {
	return c.Call(ctx, "Console.enable", nil, nil)
}

// DebuggerPause sends Debugger.pause.
func (c *Client) DebuggerPause(ctx context.Context) error {
	return c.Call(ctx, "Debugger.pause", nil, nil)
}

// DebuggerResume sends Debugger.resume.
func (c *Client) DebuggerResume(ctx context.Context) error {
	return c.Call(ctx, "Debugger.resume", nil, nil)
}

// DebuggerStepOver sends Debugger.stepOver.
func (c *Client) DebuggerStepOver(ctx context.Context) error {
	return c.Call(ctx, "Debugger.stepOver", nil, nil)
}

// DebuggerStepInto sends Debugger.stepInto.
func (c *Client) DebuggerStepInto(ctx context.Context) error {
	return c.Call(ctx, "Debugger.stepInto", nil, nil)
}

// DebuggerStepOut sends Debugger.stepOut.
func (c *Client) DebuggerStepOut(ctx context.Context) error {
	return c.Call(ctx, "Debugger.stepOut", nil, nil)
}

// DebuggerSetBreakpointByURL sends Debugger.setBreakpointByUrl.
func (c *Client) DebuggerSetBreakpointByURL(ctx context.Context, params SetBreakpointByURLParams) (*SetBreakpointByURLResult, error) {
	var result SetBreakpointByURLResult
	if err := c.Call(ctx, "Debugger.setBreakpointByUrl", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DebuggerSetBreakpoint sends Debugger.setBreakpoint.
func (c *Client) DebuggerSetBreakpoint(ctx context.Context, params SetBreakpointParams) (*SetBreakpointResult, error) {
	var result SetBreakpointResult
	if err := c.Call(ctx, "Debugger.setBreakpoint", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DebuggerRemoveBreakpoint sends Debugger.removeBreakpoint.
func (c *Client) DebuggerRemoveBreakpoint(ctx context.Context, id BreakpointID) error {
	return c.Call(ctx, "Debugger.removeBreakpoint", RemoveBreakpointParams{BreakpointID: id}, nil)
}

// DebuggerSetPauseOnExceptions sends Debugger.setPauseOnExceptions.
func (c *Client) DebuggerSetPauseOnExceptions(ctx context.Context, state string) error {
	return c.Call(ctx, "Debugger.setPauseOnExceptions", SetPauseOnExceptionsParams{State: state}, nil)
}

// DebuggerSetBlackboxPatterns sends Debugger.setBlackboxPatterns.
func (c *Client) DebuggerSetBlackboxPatterns(ctx context.Context, patterns []string) error {
	return c.Call(ctx, "Debugger.setBlackboxPatterns", SetBlackboxPatternsParams{Patterns: patterns}, nil)
}

// DebuggerSetBlackboxedRanges sends Debugger.setBlackboxedRanges.
func (c *Client) DebuggerSetBlackboxedRanges(ctx context.Context, params SetBlackboxedRangesParams) error {
	return c.Call(ctx, "Debugger.setBlackboxedRanges", params, nil)
}

// DebuggerEvaluateOnCallFrame sends Debugger.evaluateOnCallFrame.
func (c *Client) DebuggerEvaluateOnCallFrame(ctx context.Context, params EvaluateOnCallFrameParams) (*EvaluateResult, error) {
	var result EvaluateResult
	if err := c.Call(ctx, "Debugger.evaluateOnCallFrame", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DebuggerSetVariableValue sends Debugger.setVariableValue.
func (c *Client) DebuggerSetVariableValue(ctx context.Context, params SetVariableValueParams) error {
	return c.Call(ctx, "Debugger.setVariableValue", params, nil)
}

// DebuggerGetScriptSource sends Debugger.getScriptSource.
func (c *Client) DebuggerGetScriptSource(ctx context.Context, id ScriptID) (string, error) {
	var result GetScriptSourceResult
	if err := c.Call(ctx, "Debugger.getScriptSource", GetScriptSourceParams{ScriptID: id}, &result); err != nil {
		return "", err
	}
	return result.ScriptSource, nil
}

// DebuggerRestartFrame sends Debugger.restartFrame.
func (c *Client) DebuggerRestartFrame(ctx context.Context, id CallFrameID) (*RestartFrameResult, error) {
	var result RestartFrameResult
	if err := c.Call(ctx, "Debugger.restartFrame", RestartFrameParams{CallFrameID: id}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RuntimeEvaluate sends Runtime.evaluate.
func (c *Client) RuntimeEvaluate(ctx context.Context, params RuntimeEvaluateParams) (*EvaluateResult, error) {
	var result EvaluateResult
	if err := c.Call(ctx, "Runtime.evaluate", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RuntimeGetProperties sends Runtime.getProperties.
func (c *Client) RuntimeGetProperties(ctx context.Context, params GetPropertiesParams) (*GetPropertiesResult, error) {
	var result GetPropertiesResult
	if err := c.Call(ctx, "Runtime.getProperties", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RuntimeCallFunctionOn sends Runtime.callFunctionOn.
func (c *Client) RuntimeCallFunctionOn(ctx context.Context, params CallFunctionOnParams) (*EvaluateResult, error) {
	var result EvaluateResult
	if err := c.Call(ctx, "Runtime.callFunctionOn", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
