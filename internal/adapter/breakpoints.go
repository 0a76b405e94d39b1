package adapter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
	"github.com/privat1/vscode-chrome-debug-core/internal/dap"
)

// setBreakpointsTimeout bounds one queued setBreakpoints operation,
// including its wait in the queue.
const setBreakpointsTimeout = 3000 * time.Millisecond

// EventEmitter sends DAP events to the client.
type EventEmitter interface {
	SendEvent(event string, body interface{}) error
}

// pendingBreakpoints is a per-URL record of a setBreakpoints request that
// arrived before its script was parsed. Consumed exactly once when the
// script appears.
type pendingBreakpoints struct {
	args       dap.SetBreakpointsArguments
	ids        []int
	requestSeq int
}

// committedBreakpoint is one CDP breakpoint bound to a URL.
type committedBreakpoint struct {
	id       cdp.BreakpointID
	clientID int
}

// BreakpointManager owns committed breakpoints per URL, pending
// breakpoints per URL, hit-condition state per breakpoint, and the queue
// that keeps setBreakpoints operations strictly serialized against the
// target.
type BreakpointManager struct {
	client  *cdp.Client
	scripts *ScriptRegistry
	events  EventEmitter
	log     zerolog.Logger

	lineCol    *LineColTransformer
	paths      PathTransformer
	sourceMaps SourceMapTransformer

	mu             sync.Mutex
	committedByURL map[string][]committedBreakpoint
	pendingByURL   map[string]*pendingBreakpoints
	hitConditions  map[cdp.BreakpointID]*hitConditionBreakpoint
	nextClientID   int

	// slot enforces at most one in-flight clear/add sequence per target.
	// A failed operation releases the slot like any other; it never
	// poisons the queue.
	slot chan struct{}
}

// NewBreakpointManager creates a breakpoint manager.
func NewBreakpointManager(client *cdp.Client, scripts *ScriptRegistry, events EventEmitter, lineCol *LineColTransformer, paths PathTransformer, sourceMaps SourceMapTransformer, log zerolog.Logger) *BreakpointManager {
	return &BreakpointManager{
		client:         client,
		scripts:        scripts,
		events:         events,
		log:            log,
		lineCol:        lineCol,
		paths:          paths,
		sourceMaps:     sourceMaps,
		committedByURL: make(map[string][]committedBreakpoint),
		pendingByURL:   make(map[string]*pendingBreakpoints),
		hitConditions:  make(map[cdp.BreakpointID]*hitConditionBreakpoint),
		nextClientID:   startHandle,
		slot:           make(chan struct{}, 1),
	}
}

// mintClientIDs allocates n client-visible breakpoint ids.
func (m *BreakpointManager) mintClientIDs(n int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int, n)
	for i := range ids {
		ids[i] = m.nextClientID
		m.nextClientID++
	}
	return ids
}

// SetBreakpoints replaces the breakpoints of one source. When the source
// has no corresponding target URL yet, the request is parked as pending
// and every breakpoint is reported unverified under a freshly minted id;
// the same ids are reused when the script finally parses.
//
// clientIDs is nil for a fresh client request; pending resolution passes
// the previously minted ids back in.
func (m *BreakpointManager) SetBreakpoints(ctx context.Context, args dap.SetBreakpointsArguments, requestSeq int, clientIDs []int) (*dap.SetBreakpointsResponseBody, error) {
	authoredPath := args.Source.Path

	if clientIDs == nil {
		clientIDs = m.mintClientIDs(len(args.Breakpoints))
	}

	targetURL, translated := m.resolveTarget(authoredPath, args.Breakpoints)
	if targetURL == "" {
		m.mu.Lock()
		m.pendingByURL[authoredPath] = &pendingBreakpoints{
			args:       args,
			ids:        clientIDs,
			requestSeq: requestSeq,
		}
		m.mu.Unlock()

		m.log.Debug().Str("path", authoredPath).Msg("no target path for breakpoints yet, setting pending")

		body := &dap.SetBreakpointsResponseBody{}
		for i, bp := range args.Breakpoints {
			body.Breakpoints = append(body.Breakpoints, dap.Breakpoint{
				ID:       clientIDs[i],
				Verified: false,
				Message:  ErrBreakpointIgnoredNoTargetPath.Error(),
				Line:     bp.Line,
			})
		}
		return body, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, setBreakpointsTimeout)
	defer cancel()

	select {
	case m.slot <- struct{}{}:
		defer func() { <-m.slot }()
	case <-opCtx.Done():
		return nil, ErrBreakpointsTimeout
	}

	if err := m.clearAllBreakpoints(opCtx, targetURL); err != nil {
		if opCtx.Err() != nil {
			return nil, ErrBreakpointsTimeout
		}
		return nil, err
	}

	body, err := m.addBreakpoints(opCtx, targetURL, translated, clientIDs)
	if err != nil {
		if opCtx.Err() != nil {
			return nil, ErrBreakpointsTimeout
		}
		return nil, err
	}
	return body, nil
}

// translatedBreakpoint is one requested breakpoint with its position
// normalized to the target's zero-based generated coordinates.
type translatedBreakpoint struct {
	line         int
	column       int
	condition    string
	hitCondition string
	clientLine   int
}

// resolveTarget determines the generated URL for a client source and
// translates each breakpoint into target coordinates. An empty URL means
// the source is not yet mappable.
func (m *BreakpointManager) resolveTarget(authoredPath string, bps []dap.SourceBreakpoint) (string, []translatedBreakpoint) {
	if authoredPath == "" {
		return "", nil
	}

	translated := make([]translatedBreakpoint, len(bps))
	for i, bp := range bps {
		translated[i] = translatedBreakpoint{
			line:         m.lineCol.LineToTarget(bp.Line),
			condition:    bp.Condition,
			hitCondition: bp.HitCondition,
			clientLine:   bp.Line,
		}
		// An absent column stays at the start of the line.
		if bp.Column > 0 {
			translated[i].column = m.lineCol.ColumnToTarget(bp.Column)
		}
	}

	// An authored source maps through its generated script; anything else
	// maps through the path transformer.
	if genURL, ok := m.sourceMaps.GeneratedURLFor(authoredPath); ok {
		for i := range translated {
			if pos, ok := m.sourceMaps.GeneratedPosition(authoredPath, translated[i].line, translated[i].column); ok {
				translated[i].line = pos.Line
				translated[i].column = pos.Column
			}
		}
		return genURL, translated
	}

	targetURL := m.paths.ClientPathToTargetURL(authoredPath)
	if targetURL == "" {
		return "", nil
	}
	if _, ok := m.scripts.ByURL(targetURL); !ok {
		// The runtime has not parsed this script yet.
		return "", nil
	}
	return targetURL, translated
}

// clearAllBreakpoints removes every committed breakpoint of a URL, one
// CDP call at a time. Batched removal trips a debuggee bug where
// re-adding on the same line fails with "breakpoint already exists".
func (m *BreakpointManager) clearAllBreakpoints(ctx context.Context, url string) error {
	m.mu.Lock()
	committed := m.committedByURL[url]
	delete(m.committedByURL, url)
	m.mu.Unlock()

	for _, bp := range committed {
		if err := m.client.DebuggerRemoveBreakpoint(ctx, bp.id); err != nil {
			if ctx.Err() != nil {
				return err
			}
			m.log.Warn().Str("breakpointId", string(bp.id)).Err(err).Msg("remove breakpoint failed")
		}
		m.mu.Lock()
		delete(m.hitConditions, bp.id)
		m.mu.Unlock()
	}
	return nil
}

// addBreakpoints registers the translated breakpoints with the runtime
// and maps the responses to DAP breakpoint records. Per-breakpoint
// failures produce unverified entries, never a failed request.
func (m *BreakpointManager) addBreakpoints(ctx context.Context, url string, bps []translatedBreakpoint, clientIDs []int) (*dap.SetBreakpointsResponseBody, error) {
	script, _ := m.scripts.ByURL(url)
	usePlaceholder := script != nil && script.IsPlaceholder()

	body := &dap.SetBreakpointsResponseBody{}
	for i, bp := range bps {
		clientID := clientIDs[i]

		var hitCond *hitConditionBreakpoint
		if bp.hitCondition != "" {
			var err error
			hitCond, err = parseHitCondition(bp.hitCondition)
			if err != nil {
				body.Breakpoints = append(body.Breakpoints, dap.Breakpoint{
					ID:       clientID,
					Verified: false,
					Message:  err.Error(),
					Line:     bp.clientLine,
				})
				continue
			}
		}

		cdpID, actual, err := m.addOneBreakpoint(ctx, url, script, usePlaceholder, bp)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			body.Breakpoints = append(body.Breakpoints, dap.Breakpoint{
				ID:       clientID,
				Verified: false,
				Message:  err.Error(),
				Line:     bp.clientLine,
			})
			continue
		}

		m.mu.Lock()
		m.committedByURL[url] = append(m.committedByURL[url], committedBreakpoint{id: cdpID, clientID: clientID})
		if hitCond != nil {
			m.hitConditions[cdpID] = hitCond
		}
		m.mu.Unlock()

		line := bp.clientLine
		if actual != nil {
			line = m.clientLineFor(url, actual.LineNumber, actual.ColumnNumber)
		}
		body.Breakpoints = append(body.Breakpoints, dap.Breakpoint{
			ID:       clientID,
			Verified: true,
			Line:     line,
		})
	}
	return body, nil
}

// addOneBreakpoint issues the CDP add for a single breakpoint,
// normalizing both response shapes to a common id and optional actual
// location. Placeholder scripts are addressed by scriptId; real URLs use
// a URL regex so breakpoints rebind after a page reload.
func (m *BreakpointManager) addOneBreakpoint(ctx context.Context, url string, script *Script, usePlaceholder bool, bp translatedBreakpoint) (cdp.BreakpointID, *cdp.Location, error) {
	if usePlaceholder {
		result, err := m.client.DebuggerSetBreakpoint(ctx, cdp.SetBreakpointParams{
			Location: cdp.Location{
				ScriptID:     script.ID,
				LineNumber:   bp.line,
				ColumnNumber: bp.column,
			},
			Condition: bp.condition,
		})
		if err != nil {
			return "", nil, err
		}
		actual := result.ActualLocation
		return result.BreakpointID, &actual, nil
	}

	result, err := m.client.DebuggerSetBreakpointByURL(ctx, cdp.SetBreakpointByURLParams{
		URLRegex:     urlToRegex(url),
		LineNumber:   bp.line,
		ColumnNumber: bp.column,
		Condition:    bp.condition,
	})
	if err != nil {
		return "", nil, err
	}
	if len(result.Locations) > 0 {
		return result.BreakpointID, &result.Locations[0], nil
	}
	return result.BreakpointID, nil, nil
}

// clientLineFor maps a target location back to a client line through the
// source-map and line-col transformers.
func (m *BreakpointManager) clientLineFor(url string, line, col int) int {
	if pos, ok := m.sourceMaps.MappedPosition(url, line, col); ok {
		return m.lineCol.LineToClient(pos.Line)
	}
	return m.lineCol.LineToClient(line)
}

// ResolvePendingForScript resolves pending breakpoints matching a newly
// parsed script, keyed by its URL, its client path, or any of its
// authored sources. Each pending record is consumed exactly once; the
// resulting bindings are announced as DAP breakpoint events carrying the
// ids minted when the request was parked.
func (m *BreakpointManager) ResolvePendingForScript(ctx context.Context, script *Script) {
	keys := make([]string, 0, 2+len(script.AuthoredSources))
	keys = append(keys, script.URL)
	if script.ClientPath != "" {
		keys = append(keys, script.ClientPath)
	}
	keys = append(keys, script.AuthoredSources...)

	for _, key := range keys {
		m.mu.Lock()
		pending, ok := m.pendingByURL[key]
		if ok {
			delete(m.pendingByURL, key)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}

		m.log.Debug().Str("path", key).Msg("resolving pending breakpoints")
		body, err := m.SetBreakpoints(ctx, pending.args, pending.requestSeq, pending.ids)
		if err != nil {
			m.log.Warn().Str("path", key).Err(err).Msg("pending breakpoint resolution failed")
			continue
		}

		for _, bp := range body.Breakpoints {
			event := dap.BreakpointEventBody{
				Reason:     "changed",
				Breakpoint: bp,
			}
			if err := m.events.SendEvent("breakpoint", event); err != nil {
				m.log.Warn().Err(err).Msg("send breakpoint event failed")
			}
		}
	}
}

// OnBreakpointResolved handles Debugger.breakpointResolved: the runtime
// bound a URL-keyed breakpoint to a concrete location.
func (m *BreakpointManager) OnBreakpointResolved(evt cdp.BreakpointResolvedEvent) {
	script, ok := m.scripts.ByID(evt.Location.ScriptID)
	if !ok {
		return
	}

	m.mu.Lock()
	clientID := 0
	found := false
	for _, bp := range m.committedByURL[script.URL] {
		if bp.id == evt.BreakpointID {
			clientID = bp.clientID
			found = true
			break
		}
	}
	if !found {
		m.committedByURL[script.URL] = append(m.committedByURL[script.URL], committedBreakpoint{id: evt.BreakpointID})
	}
	m.mu.Unlock()

	body := dap.BreakpointEventBody{
		Reason: "changed",
		Breakpoint: dap.Breakpoint{
			ID:       clientID,
			Verified: true,
			Line:     m.clientLineFor(script.URL, evt.Location.LineNumber, evt.Location.ColumnNumber),
		},
	}
	if err := m.events.SendEvent("breakpoint", body); err != nil {
		m.log.Warn().Err(err).Msg("send breakpoint event failed")
	}
}

// ShouldPauseOnHit applies hit-condition filtering to a paused event's
// hitBreakpoints. Counts are incremented for every condition-bearing
// breakpoint that was hit; the pause is suppressed when any of them says
// its count should not pause yet.
func (m *BreakpointManager) ShouldPauseOnHit(ids []cdp.BreakpointID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pause := true
	for _, id := range ids {
		cond, ok := m.hitConditions[id]
		if !ok {
			continue
		}
		cond.numHits++
		if !cond.shouldPause(cond.numHits) {
			pause = false
		}
	}
	return pause
}

// Reset drops committed breakpoints and hit-condition state. Pending
// breakpoints survive a context reset: their scripts may parse again.
func (m *BreakpointManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.committedByURL = make(map[string][]committedBreakpoint)
	m.hitConditions = make(map[cdp.BreakpointID]*hitConditionBreakpoint)
}

// hitOp is a hit-condition comparison operator.
type hitOp int

const (
	hitOpGE hitOp = iota
	hitOpGT
	hitOpEQ
	hitOpLT
	hitOpLE
	hitOpMod
)

// hitConditionBreakpoint gates a breakpoint's effect on a count
// predicate. numHits counts every hit, paused or not.
type hitConditionBreakpoint struct {
	op      hitOp
	k       uint64
	numHits uint64
}

// shouldPause evaluates the predicate for the given hit count.
func (b *hitConditionBreakpoint) shouldPause(n uint64) bool {
	switch b.op {
	case hitOpGT:
		return n > b.k
	case hitOpGE:
		return n >= b.k
	case hitOpEQ:
		return n == b.k
	case hitOpLT:
		return n < b.k
	case hitOpLE:
		return n <= b.k
	case hitOpMod:
		return b.k != 0 && n%b.k == 0
	default:
		return true
	}
}

// hitConditionPattern accepts an optional operator followed by a decimal
// count. The default operator is >=; % means "every Nth hit".
var hitConditionPattern = regexp.MustCompile(`^([<>]=?|=|%)?\s*([0-9]+)$`)

// parseHitCondition compiles a hit condition expression once; evaluation
// happens inline on each hit.
func parseHitCondition(expr string) (*hitConditionBreakpoint, error) {
	match := hitConditionPattern.FindStringSubmatch(strings.TrimSpace(expr))
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHitCondition, expr)
	}

	k, err := strconv.ParseUint(match[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHitCondition, expr)
	}

	op := hitOpGE
	switch match[1] {
	case ">":
		op = hitOpGT
	case ">=", "":
		op = hitOpGE
	case "=":
		op = hitOpEQ
	case "<":
		op = hitOpLT
	case "<=":
		op = hitOpLE
	case "%":
		op = hitOpMod
	}
	return &hitConditionBreakpoint{op: op, k: k}, nil
}

// urlToRegex derives a case-insensitive literal-matching regex from a URL
// so breakpoints set by URL rebind automatically after a page reload.
func urlToRegex(url string) string {
	var b strings.Builder
	for _, r := range url {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune('[')
			b.WriteRune(r)
			b.WriteRune(r - 'a' + 'A')
			b.WriteRune(']')
		case r >= 'A' && r <= 'Z':
			b.WriteRune('[')
			b.WriteRune(r - 'A' + 'a')
			b.WriteRune(r)
			b.WriteRune(']')
		case strings.ContainsRune(`\^$.|?*+()[]{}/`, r):
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
