package adapter

import (
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
	"github.com/privat1/vscode-chrome-debug-core/internal/dap"
)

// sourceContainer is the payload behind a DAP sourceReference: either a
// script to fetch from the runtime or inlined contents. Source containers
// are created on demand and never destroyed during a session.
type sourceContainer struct {
	scriptID   cdp.ScriptID
	contents   string
	mappedPath string
}

// Inspector materializes DAP stack frames, scopes and variables from the
// runtime's call frames. Frame and variable-container handles are valid
// only for the pause that minted them.
type Inspector struct {
	client     *cdp.Client
	scripts    *ScriptRegistry
	skips      *SkipFileManager
	lineCol    *LineColTransformer
	paths      PathTransformer
	sourceMaps SourceMapTransformer
	log        zerolog.Logger

	// SmartStep mirrors the launch configuration, for frame deemphasis.
	SmartStep bool

	mu           sync.Mutex
	currentStack []cdp.CallFrame
	exception    *cdp.RemoteObject
	frames       *handles[cdp.CallFrame]
	containers   *handles[VariableContainer]
	sources      *reverseHandles[sourceContainer]
}

// NewInspector creates an inspector.
func NewInspector(client *cdp.Client, scripts *ScriptRegistry, skips *SkipFileManager, lineCol *LineColTransformer, paths PathTransformer, sourceMaps SourceMapTransformer, log zerolog.Logger) *Inspector {
	return &Inspector{
		client:     client,
		scripts:    scripts,
		skips:      skips,
		lineCol:    lineCol,
		paths:      paths,
		sourceMaps: sourceMaps,
		log:        log,
		frames:     newHandles[cdp.CallFrame](),
		containers: newHandles[VariableContainer](),
		sources:    newReverseHandles[sourceContainer](),
	}
}

// SetPause installs a new pause's call frames and pinned exception,
// invalidating every frame and variable handle of the previous pause.
func (ins *Inspector) SetPause(frames []cdp.CallFrame, exception *cdp.RemoteObject) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	ins.currentStack = frames
	ins.exception = exception
	ins.frames.reset()
	ins.containers.reset()
}

// ClearPause drops the pause state on resume and termination.
func (ins *Inspector) ClearPause() {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	ins.currentStack = nil
	ins.exception = nil
}

// CurrentStack returns the call frames of the current pause, nil when
// running.
func (ins *Inspector) CurrentStack() []cdp.CallFrame {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.currentStack
}

// FrameByID returns the call frame behind a DAP frame handle.
func (ins *Inspector) FrameByID(id int) (cdp.CallFrame, bool) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.frames.get(id)
}

// ContainerByRef returns the variable container behind a variablesReference.
func (ins *Inspector) ContainerByRef(ref int) (VariableContainer, bool) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.containers.get(ref)
}

// createContainer mints a variablesReference for a container.
func (ins *Inspector) createContainer(c VariableContainer) int {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.containers.create(c)
}

// SourceByRef returns the source container behind a sourceReference.
func (ins *Inspector) SourceByRef(ref int) (sourceContainer, bool) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.sources.get(ref)
}

// StackPaths lists the client-visible source paths of the current stack,
// for the skip-toggle membership check.
func (ins *Inspector) StackPaths() []string {
	ins.mu.Lock()
	stack := ins.currentStack
	ins.mu.Unlock()

	var result []string
	for _, frame := range stack {
		script, ok := ins.scripts.ByID(frame.Location.ScriptID)
		if !ok {
			continue
		}
		if pos, ok := ins.sourceMaps.MappedPosition(script.URL, frame.Location.LineNumber, frame.Location.ColumnNumber); ok {
			result = append(result, pos.Source)
		}
		result = append(result, ins.clientPathFor(script), script.URL)
	}
	return result
}

// clientPathFor returns the best client path for a script.
func (ins *Inspector) clientPathFor(script *Script) string {
	if script.ClientPath != "" {
		return script.ClientPath
	}
	return ins.paths.TargetURLToClientPath(script.URL)
}

// StackTrace builds DAP stack frames from the current pause, optionally
// truncated to args.Levels.
func (ins *Inspector) StackTrace(args dap.StackTraceArguments) (*dap.StackTraceResponseBody, error) {
	ins.mu.Lock()
	stack := ins.currentStack
	ins.mu.Unlock()

	if stack == nil {
		return nil, ErrStackFrameNotValid
	}

	total := len(stack)
	if args.Levels > 0 && len(stack) > args.Levels {
		stack = stack[:args.Levels]
	}

	body := &dap.StackTraceResponseBody{TotalFrames: total}
	for _, frame := range stack {
		if frame.Location.ScriptID == "" {
			// Some runtimes report malformed frames; recover with a
			// single placeholder instead of failing the request.
			body.StackFrames = []dap.StackFrame{{
				ID:   ins.mintFrame(frame),
				Name: "Unknown",
				Line: ins.lineCol.LineToClient(0),
			}}
			body.TotalFrames = 1
			return body, nil
		}
		body.StackFrames = append(body.StackFrames, ins.toStackFrame(frame))
	}
	return body, nil
}

// mintFrame registers a call frame in the per-pause handle table.
func (ins *Inspector) mintFrame(frame cdp.CallFrame) int {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.frames.create(frame)
}

// toStackFrame converts one CDP call frame into a DAP stack frame,
// applying the path, source-map and line-col transformers in that order.
func (ins *Inspector) toStackFrame(frame cdp.CallFrame) dap.StackFrame {
	id := ins.mintFrame(frame)

	name := frame.FunctionName
	if name == "" {
		name = "(anonymous function)"
	}

	line := frame.Location.LineNumber
	column := frame.Location.ColumnNumber

	result := dap.StackFrame{
		ID:     id,
		Name:   name,
		Line:   ins.lineCol.LineToClient(line),
		Column: ins.lineCol.ColumnToClient(column),
	}

	script, ok := ins.scripts.ByID(frame.Location.ScriptID)
	if !ok {
		ref := ins.mintSource(sourceContainer{scriptID: frame.Location.ScriptID})
		result.Source = &dap.Source{
			Name:            "VM" + string(frame.Location.ScriptID),
			SourceReference: ref,
		}
		return result
	}

	sourcePath := ins.clientPathFor(script)
	if pos, ok := ins.sourceMaps.MappedPosition(script.URL, line, column); ok {
		sourcePath = pos.Source
		result.Line = ins.lineCol.LineToClient(pos.Line)
		result.Column = ins.lineCol.ColumnToClient(pos.Column)
	}

	source := &dap.Source{}
	if sourcePath != "" && !strings.HasPrefix(sourcePath, PlaceholderURLPrefix) {
		source.Name = path.Base(sourcePath)
		source.Path = sourcePath
	} else {
		// Placeholder scripts get a VM display name and a fetchable
		// source reference instead of a path.
		source.Name = "VM" + string(script.ID)
		source.SourceReference = ins.mintSource(sourceContainer{scriptID: script.ID})
	}

	switch {
	case ins.skips.IsSkipped(sourcePath) || ins.skips.IsSkipped(script.URL):
		source.Origin = appendOrigin(source.Origin, "(skipped by 'skipFiles')")
		source.PresentationHint = "deemphasize"
	case ins.SmartStep && ins.wouldSmartStepSkip(script, line, column):
		source.Origin = appendOrigin(source.Origin, "(skipped by 'smartStep')")
		source.PresentationHint = "deemphasize"
	}

	result.Source = source
	return result
}

// wouldSmartStepSkip reports whether smart-step would step through this
// frame for lack of an authored mapping.
func (ins *Inspector) wouldSmartStepSkip(script *Script, line, column int) bool {
	if len(ins.sourceMaps.AuthoredSources(script.URL)) == 0 && script.SourceMapURL == "" {
		return false
	}
	_, mapped := ins.sourceMaps.MappedPosition(script.URL, line, column)
	return !mapped
}

// mintSource returns a stable sourceReference for a source container.
func (ins *Inspector) mintSource(c sourceContainer) int {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.sources.create(c)
}

// appendOrigin appends a suffix to a source origin.
func appendOrigin(origin, suffix string) string {
	if origin == "" {
		return suffix
	}
	return origin + " " + suffix
}

// Scopes builds the DAP scopes of a frame. A pinned exception contributes
// a leading synthetic "Exception" scope.
func (ins *Inspector) Scopes(args dap.ScopesArguments) (*dap.ScopesResponseBody, error) {
	ins.mu.Lock()
	frame, ok := ins.frames.get(args.FrameID)
	exception := ins.exception
	ins.mu.Unlock()

	if !ok {
		return nil, ErrStackFrameNotValid
	}

	body := &dap.ScopesResponseBody{}
	if exception != nil {
		body.Scopes = append(body.Scopes, dap.Scope{
			Name:               "Exception",
			VariablesReference: ins.createContainer(&exceptionContainer{object: *exception}),
		})
	}

	for i, scope := range frame.ScopeChain {
		container := &scopeContainer{
			callFrameID: frame.CallFrameID,
			scopeNumber: i,
			objectID:    scope.Object.ObjectID,
		}
		if i == 0 {
			container.this = frame.This
			container.returnValue = frame.ReturnValue
		}
		body.Scopes = append(body.Scopes, dap.Scope{
			Name:               capitalize(scope.Type),
			VariablesReference: ins.createContainer(container),
			Expensive:          scope.Type == "global",
		})
	}
	return body, nil
}

// capitalize upper-cases the first letter of a scope type for display.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
