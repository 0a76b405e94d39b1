package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
	"github.com/privat1/vscode-chrome-debug-core/internal/dap"
)

// ThreadID is the single debuggee thread reported to the client. The
// debuggee is monothreaded.
const ThreadID = 1

// stepResponseTimeout bounds how long a stopped event waits for the
// response of the step request that induced it.
const stepResponseTimeout = 300 * time.Millisecond

// postResumeSettle is how long evaluation waits after a resume before
// talking to the debuggee again. Immediate evaluation after resume
// misbehaves on some runtimes.
const postResumeSettle = 50 * time.Millisecond

// Internal stop-reason tokens.
const (
	reasonEntry       = "entry"
	reasonException   = "exception"
	reasonBreakpoint  = "breakpoint"
	reasonDebugger    = "debugger"
	reasonFrameEntry  = "frame_entry"
	reasonStep        = "step"
	reasonUserRequest = "user_request"
)

// stopReasonText maps internal stop-reason tokens to the human strings
// shown by the client. Unknown reasons pass through literally.
func stopReasonText(reason string) string {
	switch reason {
	case reasonDebugger:
		return "debugger statement"
	case reasonFrameEntry:
		return "frame entry"
	default:
		return reason
	}
}

// PauseCoordinator consumes the runtime's paused/resumed events,
// classifies stop reasons, applies smart-stepping and hit-condition
// filtering, and gates DAP stopped/continued events on the completion of
// the step command that induced them.
type PauseCoordinator struct {
	client      *cdp.Client
	breakpoints *BreakpointManager
	inspector   *Inspector
	events      EventEmitter
	log         zerolog.Logger

	// SourceMaps and SmartStep mirror the launch configuration.
	SourceMaps bool
	SmartStep  bool

	mu             sync.Mutex
	expectedReason string
	stepGate       chan struct{}
	paused         bool
	lastPause      *cdp.PausedEvent
	smartStepCount int
	lastResume     time.Time
}

// NewPauseCoordinator creates a pause coordinator.
func NewPauseCoordinator(client *cdp.Client, breakpoints *BreakpointManager, inspector *Inspector, events EventEmitter, log zerolog.Logger) *PauseCoordinator {
	return &PauseCoordinator{
		client:      client,
		breakpoints: breakpoints,
		inspector:   inspector,
		events:      events,
		log:         log,
	}
}

// ExpectStop records the stop reason a pending execution-control request
// will induce and returns a completion func the caller invokes after its
// DAP response has been sent. The next stopped event is not emitted
// before that completion, bounded by stepResponseTimeout.
func (p *PauseCoordinator) ExpectStop(reason string) func() {
	gate := make(chan struct{})

	p.mu.Lock()
	p.expectedReason = reason
	p.stepGate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
		})
	}
}

// Paused reports whether the debuggee is currently paused.
func (p *PauseCoordinator) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// OnPaused handles Debugger.paused. Runs on the CDP event goroutine.
func (p *PauseCoordinator) OnPaused(evt cdp.PausedEvent) {
	p.handlePaused(context.Background(), evt, false)
}

// handlePaused classifies and, unless filtered, reports one pause. replay
// marks a re-dispatch of an already-counted pause, which must not touch
// hit-condition state again.
func (p *PauseCoordinator) handlePaused(ctx context.Context, evt cdp.PausedEvent, replay bool) {
	p.mu.Lock()
	expected := p.expectedReason
	p.expectedReason = ""
	gate := p.stepGate
	p.paused = true
	p.lastPause = &evt
	p.mu.Unlock()

	var exception *cdp.RemoteObject
	reason := reasonDebugger
	switch {
	case evt.Reason == "exception":
		reason = reasonException
		if len(evt.Data) > 0 {
			var obj cdp.RemoteObject
			if err := json.Unmarshal(evt.Data, &obj); err == nil {
				exception = &obj
			}
		}
	case len(evt.HitBreakpoints) > 0:
		reason = reasonBreakpoint
		if !replay && !p.breakpoints.ShouldPauseOnHit(evt.HitBreakpoints) && expected == "" {
			// The hit count says keep going and no user action induced
			// this stop: resume silently.
			p.mu.Lock()
			p.paused = false
			p.mu.Unlock()
			if err := p.client.DebuggerResume(ctx); err != nil {
				p.log.Warn().Err(err).Msg("auto-resume after hit condition failed")
			}
			return
		}
	case expected != "":
		reason = expected
	}

	p.inspector.SetPause(evt.CallFrames, exception)

	if reason == reasonStep && p.SourceMaps && p.SmartStep && p.shouldSmartStep(evt) {
		p.mu.Lock()
		p.smartStepCount++
		p.expectedReason = reasonStep
		p.stepGate = gate
		p.paused = false
		p.mu.Unlock()
		if err := p.client.DebuggerStepInto(ctx); err != nil {
			p.log.Warn().Err(err).Msg("smart step failed")
		}
		return
	}

	p.mu.Lock()
	skipped := p.smartStepCount
	p.smartStepCount = 0
	p.mu.Unlock()
	if skipped > 0 {
		p.log.Info().Int("steps", skipped).Msgf("Skipped %d steps", skipped)
	}

	p.awaitGate(gate)

	body := dap.StoppedEventBody{
		Reason:            reason,
		Description:       stopReasonText(reason),
		ThreadID:          ThreadID,
		AllThreadsStopped: true,
	}
	if err := p.events.SendEvent("stopped", body); err != nil {
		p.log.Warn().Err(err).Msg("send stopped event failed")
	}
}

// shouldSmartStep reports whether the pause's top frame has no authored
// mapping and should be stepped through.
func (p *PauseCoordinator) shouldSmartStep(evt cdp.PausedEvent) bool {
	if len(evt.CallFrames) == 0 {
		return false
	}
	top := evt.CallFrames[0]
	script, ok := p.inspector.scripts.ByID(top.Location.ScriptID)
	if !ok {
		return false
	}
	_, mapped := p.inspector.sourceMaps.MappedPosition(script.URL, top.Location.LineNumber, top.Location.ColumnNumber)
	return !mapped
}

// awaitGate waits for the pending step's response to go out, bounded by
// stepResponseTimeout. On expiry the stopped event is emitted regardless.
func (p *PauseCoordinator) awaitGate(gate chan struct{}) {
	if gate == nil {
		return
	}
	select {
	case <-gate:
	case <-time.After(stepResponseTimeout):
	}
}

// OnResumed handles Debugger.resumed. Runs on the CDP event goroutine.
func (p *PauseCoordinator) OnResumed() {
	p.mu.Lock()
	wasPaused := p.paused
	p.paused = false
	p.lastResume = time.Now()
	gate := p.stepGate
	smartStepping := p.smartStepCount > 0
	p.mu.Unlock()

	if !wasPaused || smartStepping {
		// Auto-resume and smart-step churn is invisible to the client.
		return
	}

	p.awaitGate(gate)

	body := dap.ContinuedEventBody{
		ThreadID:            ThreadID,
		AllThreadsContinued: true,
	}
	if err := p.events.SendEvent("continued", body); err != nil {
		p.log.Warn().Err(err).Msg("send continued event failed")
	}
}

// WaitForSettle sleeps out the remainder of the post-resume settle window.
// Applies only between a resume and the next evaluation.
func (p *PauseCoordinator) WaitForSettle() {
	p.mu.Lock()
	last := p.lastResume
	p.mu.Unlock()

	if last.IsZero() {
		return
	}
	if remaining := postResumeSettle - time.Since(last); remaining > 0 {
		time.Sleep(remaining)
	}
}

// RedispatchLastPause replays the most recent paused event so the client
// sees the effect of changed skip decisions.
func (p *PauseCoordinator) RedispatchLastPause() {
	p.mu.Lock()
	last := p.lastPause
	p.mu.Unlock()

	if last == nil {
		return
	}
	p.handlePaused(context.Background(), *last, true)
}
