package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
	"github.com/privat1/vscode-chrome-debug-core/internal/dap"
)

// Dialer opens a CDP transport to the runtime at an address.
type Dialer func(ctx context.Context, host string, port int) (cdp.Transport, error)

// Config configures an Adapter.
type Config struct {
	// Log is the adapter's logger.
	Log zerolog.Logger

	// Dial opens the CDP connection on launch/attach.
	Dial Dialer

	// Paths translates client paths to target URLs. Defaults to
	// IdentityPathTransformer.
	Paths PathTransformer

	// SourceMaps resolves positions through source maps. Defaults to
	// NoSourceMapTransformer.
	SourceMaps SourceMapTransformer
}

// Adapter is the debug adapter core: it exposes the DAP request surface,
// routes requests to the managers, and forwards runtime events as DAP
// events.
type Adapter struct {
	conn *dap.Conn
	log  zerolog.Logger
	dial Dialer

	paths      PathTransformer
	sourceMaps SourceMapTransformer
	lineCol    *LineColTransformer

	mu                sync.Mutex
	client            *cdp.Client
	scripts           *ScriptRegistry
	breakpoints       *BreakpointManager
	skips             *SkipFileManager
	inspector         *Inspector
	coordinator       *PauseCoordinator
	evaluator         *Evaluator
	initialized       bool
	configurationDone bool
	hasTerminated     bool

	// launchArgs records the effective launch configuration for both
	// launch and attach sessions.
	launchArgs dap.LaunchRequestArguments
}

// LaunchArgs returns the effective launch configuration.
func (a *Adapter) LaunchArgs() dap.LaunchRequestArguments {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.launchArgs
}

// New creates an adapter serving the given DAP connection.
func New(conn *dap.Conn, cfg Config) *Adapter {
	paths := cfg.Paths
	if paths == nil {
		paths = IdentityPathTransformer{}
	}
	sourceMaps := cfg.SourceMaps
	if sourceMaps == nil {
		sourceMaps = NoSourceMapTransformer{}
	}

	return &Adapter{
		conn:       conn,
		log:        cfg.Log,
		dial:       cfg.Dial,
		paths:      paths,
		sourceMaps: sourceMaps,
		lineCol:    &LineColTransformer{LinesStartAt1: true, ColumnsStartAt1: true},
	}
}

// capabilities are the features advertised at initialize.
func capabilities() *dap.Capabilities {
	return &dap.Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsSetVariable:               true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
		SupportsCompletionsRequest:        true,
		SupportsRestartFrame:              true,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{Filter: "all", Label: "All Exceptions", Default: false},
			{Filter: "uncaught", Label: "Uncaught Exceptions", Default: true},
		},
	}
}

// HandleRequest dispatches one DAP request. Implements dap.Handler.
func (a *Adapter) HandleRequest(req *dap.Request) {
	ctx := context.Background()

	var body interface{}
	var err error

	switch req.Command {
	case "initialize":
		body, err = a.onInitialize(req)
	case "launch":
		err = a.onLaunch(ctx, req)
	case "attach":
		err = a.onAttach(ctx, req)
	case "configurationDone":
		err = a.onConfigurationDone(ctx)
	case "disconnect":
		err = a.onDisconnect(ctx, req)
	case "setBreakpoints":
		body, err = a.onSetBreakpoints(ctx, req)
	case "setExceptionBreakpoints":
		err = a.onSetExceptionBreakpoints(ctx, req)
	case "continue":
		// A stop after continue is classified by its own cause.
		a.onExecutionControl(ctx, req, "", "")
		return
	case "next":
		a.onExecutionControl(ctx, req, reasonStep, "stepOver")
		return
	case "stepIn":
		a.onExecutionControl(ctx, req, reasonStep, "stepInto")
		return
	case "stepOut":
		a.onExecutionControl(ctx, req, reasonStep, "stepOut")
		return
	case "pause":
		a.onExecutionControl(ctx, req, reasonUserRequest, "pause")
		return
	case "stackTrace":
		body, err = a.onStackTrace(req)
	case "scopes":
		body, err = a.onScopes(req)
	case "variables":
		body, err = a.onVariables(ctx, req)
	case "setVariable":
		body, err = a.onSetVariable(ctx, req)
	case "source":
		body, err = a.onSource(ctx, req)
	case "threads":
		body = &dap.ThreadsResponseBody{Threads: []dap.Thread{{ID: ThreadID, Name: "Thread " + fmt.Sprint(ThreadID)}}}
	case "evaluate":
		body, err = a.onEvaluate(ctx, req)
	case "completions":
		body, err = a.onCompletions(ctx, req)
	case "restartFrame":
		a.onRestartFrame(ctx, req)
		return
	case "toggleSkipFileStatus":
		err = a.onToggleSkipFileStatus(ctx, req)
	default:
		err = fmt.Errorf("unrecognized request: %s", req.Command)
	}

	a.respond(req, body, err)
}

// respond sends the success or failure response for a request.
func (a *Adapter) respond(req *dap.Request, body interface{}, err error) {
	if err != nil {
		if serr := a.conn.SendErrorResponse(req, err.Error()); serr != nil {
			a.log.Warn().Err(serr).Str("command", req.Command).Msg("send error response failed")
		}
		return
	}
	if serr := a.conn.SendResponse(req, body); serr != nil {
		a.log.Warn().Err(serr).Str("command", req.Command).Msg("send response failed")
	}
}

// onInitialize validates the client's parameters and advertises
// capabilities. The initialized event is deferred until the runtime
// connection is up and the initial source-map work has settled.
func (a *Adapter) onInitialize(req *dap.Request) (interface{}, error) {
	var args dap.InitializeRequestArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse initialize arguments: %w", err)
	}

	if args.PathFormat != "" && args.PathFormat != "path" {
		return nil, ErrPathFormatUnsupported
	}

	a.mu.Lock()
	a.lineCol.LinesStartAt1 = args.LinesStartAt1 == nil || *args.LinesStartAt1
	a.lineCol.ColumnsStartAt1 = args.ColumnsStartAt1 == nil || *args.ColumnsStartAt1
	a.mu.Unlock()

	return capabilities(), nil
}

// onLaunch connects to the runtime described by the launch arguments.
// Spawning the runtime itself is the session wiring's concern.
func (a *Adapter) onLaunch(ctx context.Context, req *dap.Request) error {
	var args dap.LaunchRequestArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return fmt.Errorf("parse launch arguments: %w", err)
	}

	port := args.Port
	if port == 0 {
		port = 9229
	}

	a.mu.Lock()
	a.launchArgs = args
	a.mu.Unlock()

	if err := a.connect(ctx, "127.0.0.1", port, args.SourceMaps, args.SmartStep, args.SkipFiles, args.SkipFileRegExps); err != nil {
		return err
	}

	if args.StopOnEntry {
		// A runtime started suspended pauses before the first statement.
		finish := a.coordinator.ExpectStop(reasonEntry)
		finish()
	}
	return nil
}

// onAttach connects to an already-running runtime.
func (a *Adapter) onAttach(ctx context.Context, req *dap.Request) error {
	var args dap.AttachRequestArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return fmt.Errorf("parse attach arguments: %w", err)
	}

	if args.Port == 0 {
		return ErrMissingAttachPort
	}
	host := args.Host
	if host == "" {
		host = "127.0.0.1"
	}

	a.mu.Lock()
	a.launchArgs = dap.LaunchRequestArguments{
		SourceMaps:      args.SourceMaps,
		SmartStep:       args.SmartStep,
		SkipFiles:       args.SkipFiles,
		SkipFileRegExps: args.SkipFileRegExps,
	}
	a.mu.Unlock()

	return a.connect(ctx, host, args.Port, args.SourceMaps, args.SmartStep, args.SkipFiles, args.SkipFileRegExps)
}

// connect dials the runtime, builds the managers around the new client,
// enables the CDP domains, and schedules the initialized event behind the
// initial source-map work.
func (a *Adapter) connect(ctx context.Context, host string, port int, sourceMaps, smartStep bool, skipGlobs, skipRegExps []string) error {
	if a.dial == nil {
		return ErrRuntimeNotConnected
	}

	transport, err := a.dial(ctx, host, port)
	if err != nil {
		return fmt.Errorf("connect to runtime at %s:%d: %w", host, port, err)
	}
	client := cdp.NewClient(transport)
	a.BindClient(client, sourceMaps, smartStep)

	if err := client.DebuggerEnable(ctx); err != nil {
		return fmt.Errorf("enable debugger: %w", err)
	}
	if err := client.RuntimeEnable(ctx); err != nil {
		return fmt.Errorf("enable runtime: %w", err)
	}
	if err := client.ConsoleEnable(ctx); err != nil {
		// The Console domain is gone from newer runtimes.
		a.log.Debug().Err(err).Msg("console domain unavailable")
	}

	if err := a.skips.Init(ctx, skipGlobs, skipRegExps); err != nil {
		return err
	}

	// The client's first setBreakpoints burst must see every source map
	// the runtime announced before our enable completed.
	go func() {
		<-client.Barrier()
		a.mu.Lock()
		a.initialized = true
		a.mu.Unlock()
		if err := a.conn.SendEvent("initialized", nil); err != nil {
			a.log.Warn().Err(err).Msg("send initialized event failed")
		}
	}()

	return nil
}

// BindClient wires an existing CDP client into the adapter. Exposed for
// session wiring that owns the connection.
func (a *Adapter) BindClient(client *cdp.Client, sourceMaps, smartStep bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.client = client
	a.scripts = NewScriptRegistry()
	a.skips = NewSkipFileManager(client, a.scripts, a.sourceMaps, a.log)
	a.breakpoints = NewBreakpointManager(client, a.scripts, a.conn, a.lineCol, a.paths, a.sourceMaps, a.log)
	a.inspector = NewInspector(client, a.scripts, a.skips, a.lineCol, a.paths, a.sourceMaps, a.log)
	a.inspector.SmartStep = smartStep
	a.coordinator = NewPauseCoordinator(client, a.breakpoints, a.inspector, a.conn, a.log)
	a.coordinator.SourceMaps = sourceMaps
	a.coordinator.SmartStep = smartStep
	a.evaluator = NewEvaluator(client, a.scripts, a.inspector, a.coordinator, a.conn, a.log)

	client.OnScriptParsed(a.onScriptParsed)
	client.OnPaused(a.coordinator.OnPaused)
	client.OnResumed(a.onResumed)
	client.OnBreakpointResolved(a.breakpoints.OnBreakpointResolved)
	client.OnExecutionContextsCleared(a.onExecutionContextsCleared)
	client.OnMessageAdded(a.onMessageAdded)
	client.OnDetached(func(cdp.DetachedEvent) { a.Terminate() })
	client.OnClosed(func(error) { a.Terminate() })
}

// onScriptParsed registers a parsed script, runs it through the path and
// source-map transformers, and resolves any breakpoints pending on it.
// Runs on the CDP event goroutine.
func (a *Adapter) onScriptParsed(evt cdp.ScriptParsedEvent) {
	ctx := context.Background()

	script := a.scripts.Add(evt)
	if script == nil {
		return
	}

	rewritten := a.paths.ScriptParsed(script.URL)
	script.ClientPath = a.paths.TargetURLToClientPath(rewritten)

	sources, err := a.sourceMaps.ScriptParsed(ctx, script.URL, script.SourceMapURL)
	if err != nil {
		a.log.Warn().Str("url", script.URL).Err(err).Msg("source map resolution failed")
	}
	script.AuthoredSources = sources

	a.breakpoints.ResolvePendingForScript(ctx, script)

	for _, src := range sources {
		if a.skips.IsSkipped(src) {
			a.skips.RefreshRanges(ctx, script)
			break
		}
	}
}

// onResumed forwards a resume to the coordinator and drops pause-scoped
// inspector state.
func (a *Adapter) onResumed() {
	a.inspector.ClearPause()
	a.coordinator.OnResumed()
}

// onExecutionContextsCleared resets script and breakpoint state on
// navigation.
func (a *Adapter) onExecutionContextsCleared() {
	a.scripts.Reset()
	a.breakpoints.Reset()
}

// onMessageAdded forwards legacy Console messages as output events, with
// an expandable container when the message carries arguments.
func (a *Adapter) onMessageAdded(evt cdp.MessageAddedEvent) {
	body := dap.OutputEventBody{
		Category: "console",
		Output:   evt.Message.Text + "\n",
	}
	if evt.Message.Level == "error" {
		body.Category = "stderr"
	}
	if len(evt.Message.Parameters) > 0 {
		body.VariablesReference = a.inspector.createContainer(&loggedObjectsContainer{args: evt.Message.Parameters})
	}
	if err := a.conn.SendEvent("output", body); err != nil {
		a.log.Warn().Err(err).Msg("send output event failed")
	}
}

// Terminate emits a single terminated event and closes the runtime
// connection. Safe to call repeatedly.
func (a *Adapter) Terminate() {
	a.mu.Lock()
	if a.hasTerminated {
		a.mu.Unlock()
		return
	}
	a.hasTerminated = true
	client := a.client
	a.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if err := a.conn.SendEvent("terminated", dap.TerminatedEventBody{}); err != nil {
		a.log.Warn().Err(err).Msg("send terminated event failed")
	}
}

// ready returns ErrRuntimeNotConnected when the runtime is not connected
// or has terminated, and nil otherwise.
func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || a.hasTerminated {
		return ErrRuntimeNotConnected
	}
	return nil
}

// onConfigurationDone completes the configuration phase.
func (a *Adapter) onConfigurationDone(ctx context.Context) error {
	a.mu.Lock()
	a.configurationDone = true
	a.mu.Unlock()
	return nil
}

// onDisconnect tears down the session.
func (a *Adapter) onDisconnect(ctx context.Context, req *dap.Request) error {
	a.Terminate()
	return nil
}

// onSetBreakpoints replaces the breakpoints of one source.
func (a *Adapter) onSetBreakpoints(ctx context.Context, req *dap.Request) (interface{}, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	var args dap.SetBreakpointsArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse setBreakpoints arguments: %w", err)
	}

	// Legacy clients send bare lines.
	if len(args.Breakpoints) == 0 && len(args.Lines) > 0 {
		for _, line := range args.Lines {
			args.Breakpoints = append(args.Breakpoints, dap.SourceBreakpoint{Line: line})
		}
	}

	if args.Source.Path == "" && args.Source.SourceReference != 0 {
		container, ok := a.inspector.SourceByRef(args.Source.SourceReference)
		if !ok {
			return nil, ErrSourceRequestIllegalHandle
		}
		if script, ok := a.scripts.ByID(container.scriptID); ok {
			args.Source.Path = script.URL
		}
	}
	if args.Source.Path == "" {
		return nil, ErrBreakpointIgnoredNoTargetPath
	}

	return a.breakpoints.SetBreakpoints(ctx, args, req.Seq, nil)
}

// onSetExceptionBreakpoints maps the client's exception filters onto
// Debugger.setPauseOnExceptions.
func (a *Adapter) onSetExceptionBreakpoints(ctx context.Context, req *dap.Request) error {
	if err := a.ready(); err != nil {
		return err
	}

	var args dap.SetExceptionBreakpointsArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return fmt.Errorf("parse setExceptionBreakpoints arguments: %w", err)
	}

	state := "none"
	for _, filter := range args.Filters {
		switch filter {
		case "all":
			state = "all"
		case "uncaught":
			if state != "all" {
				state = "uncaught"
			}
		}
	}
	return a.client.DebuggerSetPauseOnExceptions(ctx, state)
}

// onExecutionControl serves continue/next/stepIn/stepOut/pause. The
// response is sent before the completion gate opens so a stopped event
// induced by the command always trails its response.
func (a *Adapter) onExecutionControl(ctx context.Context, req *dap.Request, expectReason, step string) {
	if err := a.ready(); err != nil {
		a.respond(req, nil, err)
		return
	}

	finish := a.coordinator.ExpectStop(expectReason)
	defer finish()

	var err error
	switch step {
	case "stepOver":
		err = a.client.DebuggerStepOver(ctx)
	case "stepInto":
		err = a.client.DebuggerStepInto(ctx)
	case "stepOut":
		err = a.client.DebuggerStepOut(ctx)
	case "pause":
		err = a.client.DebuggerPause(ctx)
	default:
		err = a.client.DebuggerResume(ctx)
	}

	var body interface{}
	if req.Command == "continue" && err == nil {
		body = &dap.ContinueResponseBody{AllThreadsContinued: true}
	}
	a.respond(req, body, err)
}

// onRestartFrame restarts a frame and steps back into it; the following
// stop reports as a frame entry.
func (a *Adapter) onRestartFrame(ctx context.Context, req *dap.Request) {
	if err := a.ready(); err != nil {
		a.respond(req, nil, err)
		return
	}

	var args dap.RestartFrameArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		a.respond(req, nil, fmt.Errorf("parse restartFrame arguments: %w", err))
		return
	}

	frame, ok := a.inspector.FrameByID(args.FrameID)
	if !ok {
		a.respond(req, nil, ErrStackFrameNotValid)
		return
	}

	if _, err := a.client.DebuggerRestartFrame(ctx, frame.CallFrameID); err != nil {
		a.respond(req, nil, err)
		return
	}

	finish := a.coordinator.ExpectStop(reasonFrameEntry)
	defer finish()
	err := a.client.DebuggerStepInto(ctx)
	a.respond(req, nil, err)
}

// onStackTrace materializes the current stack.
func (a *Adapter) onStackTrace(req *dap.Request) (interface{}, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	var args dap.StackTraceArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse stackTrace arguments: %w", err)
	}
	return a.inspector.StackTrace(args)
}

// onScopes builds the scopes of a frame.
func (a *Adapter) onScopes(req *dap.Request) (interface{}, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	var args dap.ScopesArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse scopes arguments: %w", err)
	}
	return a.inspector.Scopes(args)
}

// onVariables expands a variablesReference.
func (a *Adapter) onVariables(ctx context.Context, req *dap.Request) (interface{}, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	var args dap.VariablesArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse variables arguments: %w", err)
	}
	return a.inspector.Variables(ctx, args)
}

// onSetVariable assigns a variable.
func (a *Adapter) onSetVariable(ctx context.Context, req *dap.Request) (interface{}, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	var args dap.SetVariableArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse setVariable arguments: %w", err)
	}
	return a.inspector.SetVariable(ctx, args)
}

// onSource fetches the contents behind a sourceReference.
func (a *Adapter) onSource(ctx context.Context, req *dap.Request) (interface{}, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	var args dap.SourceArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse source arguments: %w", err)
	}

	ref := args.SourceReference
	if ref == 0 && args.Source != nil {
		ref = args.Source.SourceReference
	}
	container, ok := a.inspector.SourceByRef(ref)
	if !ok {
		return nil, ErrSourceRequestIllegalHandle
	}

	if container.contents != "" {
		return &dap.SourceResponseBody{Content: container.contents}, nil
	}

	source, err := a.client.DebuggerGetScriptSource(ctx, container.scriptID)
	if err != nil {
		return nil, err
	}
	return &dap.SourceResponseBody{Content: source}, nil
}

// onEvaluate evaluates an expression.
func (a *Adapter) onEvaluate(ctx context.Context, req *dap.Request) (interface{}, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	var args dap.EvaluateArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse evaluate arguments: %w", err)
	}
	return a.evaluator.Evaluate(ctx, args)
}

// onCompletions serves REPL completions.
func (a *Adapter) onCompletions(ctx context.Context, req *dap.Request) (interface{}, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	var args dap.CompletionsArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse completions arguments: %w", err)
	}
	return a.evaluator.Completions(ctx, args)
}

// onToggleSkipFileStatus flips a source's skip state and replays the last
// pause so the client's view reflects the change.
func (a *Adapter) onToggleSkipFileStatus(ctx context.Context, req *dap.Request) error {
	if err := a.ready(); err != nil {
		return err
	}

	var args dap.ToggleSkipFileStatusArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return fmt.Errorf("parse toggleSkipFileStatus arguments: %w", err)
	}

	stackPaths := a.inspector.StackPaths()
	inStack := func(path string) bool {
		for _, p := range stackPaths {
			if p == path {
				return true
			}
		}
		return false
	}

	if err := a.skips.ToggleSkipSource(ctx, args.Path, inStack); err != nil {
		return err
	}

	a.coordinator.RedispatchLastPause()
	return nil
}
