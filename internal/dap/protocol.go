package dap

import (
	"encoding/json"
)

// ProtocolMessage is the base for all DAP messages.
type ProtocolMessage struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"` // "request", "response", "event"
}

// Request represents a DAP request.
type Request struct {
	ProtocolMessage
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response represents a DAP response.
type Response struct {
	ProtocolMessage
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Command    string          `json:"command"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Event represents a DAP event.
type Event struct {
	ProtocolMessage
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// ExceptionBreakpointsFilter describes one exception filter offered at
// initialize time.
type ExceptionBreakpointsFilter struct {
	Filter  string `json:"filter"`
	Label   string `json:"label"`
	Default bool   `json:"default,omitempty"`
}

// Capabilities describes what features this adapter supports.
type Capabilities struct {
	SupportsConfigurationDoneRequest  bool                         `json:"supportsConfigurationDoneRequest,omitempty"`
	SupportsFunctionBreakpoints       bool                         `json:"supportsFunctionBreakpoints,omitempty"`
	SupportsConditionalBreakpoints    bool                         `json:"supportsConditionalBreakpoints,omitempty"`
	SupportsHitConditionalBreakpoints bool                         `json:"supportsHitConditionalBreakpoints,omitempty"`
	SupportsEvaluateForHovers         bool                         `json:"supportsEvaluateForHovers,omitempty"`
	SupportsSetVariable               bool                         `json:"supportsSetVariable,omitempty"`
	SupportsRestartFrame              bool                         `json:"supportsRestartFrame,omitempty"`
	SupportsCompletionsRequest        bool                         `json:"supportsCompletionsRequest,omitempty"`
	ExceptionBreakpointFilters        []ExceptionBreakpointsFilter `json:"exceptionBreakpointFilters,omitempty"`
}

// InitializeRequestArguments are the arguments for the initialize request.
type InitializeRequestArguments struct {
	ClientID        string `json:"clientID,omitempty"`
	ClientName      string `json:"clientName,omitempty"`
	AdapterID       string `json:"adapterID"`
	Locale          string `json:"locale,omitempty"`
	LinesStartAt1   *bool  `json:"linesStartAt1,omitempty"`
	ColumnsStartAt1 *bool  `json:"columnsStartAt1,omitempty"`
	PathFormat      string `json:"pathFormat,omitempty"`
}

// LaunchRequestArguments are the arguments for the launch request.
type LaunchRequestArguments struct {
	NoDebug         bool     `json:"noDebug,omitempty"`
	Program         string   `json:"program,omitempty"`
	Args            []string `json:"args,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	Port            int      `json:"port,omitempty"`
	SourceMaps      bool     `json:"sourceMaps,omitempty"`
	SmartStep       bool     `json:"smartStep,omitempty"`
	StopOnEntry     bool     `json:"stopOnEntry,omitempty"`
	SkipFiles       []string `json:"skipFiles,omitempty"`
	SkipFileRegExps []string `json:"skipFileRegExps,omitempty"`
}

// AttachRequestArguments are the arguments for the attach request.
type AttachRequestArguments struct {
	Port            int      `json:"port,omitempty"`
	Host            string   `json:"host,omitempty"`
	SourceMaps      bool     `json:"sourceMaps,omitempty"`
	SmartStep       bool     `json:"smartStep,omitempty"`
	SkipFiles       []string `json:"skipFiles,omitempty"`
	SkipFileRegExps []string `json:"skipFileRegExps,omitempty"`
}

// DisconnectArguments are the arguments for disconnect.
type DisconnectArguments struct {
	Restart           bool `json:"restart,omitempty"`
	TerminateDebuggee bool `json:"terminateDebuggee,omitempty"`
}

// Source represents a source file.
type Source struct {
	Name             string `json:"name,omitempty"`
	Path             string `json:"path,omitempty"`
	SourceReference  int    `json:"sourceReference,omitempty"`
	PresentationHint string `json:"presentationHint,omitempty"`
	Origin           string `json:"origin,omitempty"`
}

// SourceBreakpoint represents a breakpoint requested in a source.
type SourceBreakpoint struct {
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
}

// SetBreakpointsArguments are the arguments for setBreakpoints.
type SetBreakpointsArguments struct {
	Source      Source             `json:"source"`
	Breakpoints []SourceBreakpoint `json:"breakpoints,omitempty"`
	Lines       []int              `json:"lines,omitempty"`
}

// Breakpoint represents a breakpoint in a setBreakpoints response or a
// breakpoint event.
type Breakpoint struct {
	ID       int     `json:"id,omitempty"`
	Verified bool    `json:"verified"`
	Message  string  `json:"message,omitempty"`
	Source   *Source `json:"source,omitempty"`
	Line     int     `json:"line,omitempty"`
	Column   int     `json:"column,omitempty"`
}

// SetBreakpointsResponseBody is the response body for setBreakpoints.
type SetBreakpointsResponseBody struct {
	Breakpoints []Breakpoint `json:"breakpoints"`
}

// SetExceptionBreakpointsArguments are the arguments for
// setExceptionBreakpoints.
type SetExceptionBreakpointsArguments struct {
	Filters []string `json:"filters"`
}

// ContinueArguments are the arguments for continue.
type ContinueArguments struct {
	ThreadID int `json:"threadId"`
}

// ContinueResponseBody is the response body for continue.
type ContinueResponseBody struct {
	AllThreadsContinued bool `json:"allThreadsContinued,omitempty"`
}

// NextArguments are the arguments for next (step over).
type NextArguments struct {
	ThreadID int `json:"threadId"`
}

// StepInArguments are the arguments for stepIn.
type StepInArguments struct {
	ThreadID int `json:"threadId"`
}

// StepOutArguments are the arguments for stepOut.
type StepOutArguments struct {
	ThreadID int `json:"threadId"`
}

// PauseArguments are the arguments for pause.
type PauseArguments struct {
	ThreadID int `json:"threadId"`
}

// StackTraceArguments are the arguments for stackTrace.
type StackTraceArguments struct {
	ThreadID   int `json:"threadId"`
	StartFrame int `json:"startFrame,omitempty"`
	Levels     int `json:"levels,omitempty"`
}

// StackFrame represents a stack frame.
type StackFrame struct {
	ID               int     `json:"id"`
	Name             string  `json:"name"`
	Source           *Source `json:"source,omitempty"`
	Line             int     `json:"line"`
	Column           int     `json:"column"`
	PresentationHint string  `json:"presentationHint,omitempty"`
}

// StackTraceResponseBody is the response body for stackTrace.
type StackTraceResponseBody struct {
	StackFrames []StackFrame `json:"stackFrames"`
	TotalFrames int          `json:"totalFrames,omitempty"`
}

// ScopesArguments are the arguments for scopes.
type ScopesArguments struct {
	FrameID int `json:"frameId"`
}

// Scope represents a variable scope.
type Scope struct {
	Name               string `json:"name"`
	VariablesReference int    `json:"variablesReference"`
	Expensive          bool   `json:"expensive"`
}

// ScopesResponseBody is the response body for scopes.
type ScopesResponseBody struct {
	Scopes []Scope `json:"scopes"`
}

// VariablesArguments are the arguments for variables.
type VariablesArguments struct {
	VariablesReference int    `json:"variablesReference"`
	Filter             string `json:"filter,omitempty"` // "indexed", "named"
	Start              int    `json:"start,omitempty"`
	Count              int    `json:"count,omitempty"`
}

// Variable represents a variable or field.
type Variable struct {
	Name               string `json:"name"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	EvaluateName       string `json:"evaluateName,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	NamedVariables     int    `json:"namedVariables,omitempty"`
	IndexedVariables   int    `json:"indexedVariables,omitempty"`
}

// VariablesResponseBody is the response body for variables.
type VariablesResponseBody struct {
	Variables []Variable `json:"variables"`
}

// SetVariableArguments are the arguments for setVariable.
type SetVariableArguments struct {
	VariablesReference int    `json:"variablesReference"`
	Name               string `json:"name"`
	Value              string `json:"value"`
}

// SetVariableResponseBody is the response body for setVariable.
type SetVariableResponseBody struct {
	Value string `json:"value"`
}

// SourceArguments are the arguments for source.
type SourceArguments struct {
	Source          *Source `json:"source,omitempty"`
	SourceReference int     `json:"sourceReference"`
}

// SourceResponseBody is the response body for source.
type SourceResponseBody struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType,omitempty"`
}

// Thread represents a thread.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ThreadsResponseBody is the response body for threads.
type ThreadsResponseBody struct {
	Threads []Thread `json:"threads"`
}

// EvaluateArguments are the arguments for evaluate.
type EvaluateArguments struct {
	Expression string `json:"expression"`
	FrameID    int    `json:"frameId,omitempty"`
	Context    string `json:"context,omitempty"` // "watch", "repl", "hover"
}

// EvaluateResponseBody is the response body for evaluate.
type EvaluateResponseBody struct {
	Result             string `json:"result"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	NamedVariables     int    `json:"namedVariables,omitempty"`
	IndexedVariables   int    `json:"indexedVariables,omitempty"`
}

// CompletionsArguments are the arguments for completions.
type CompletionsArguments struct {
	FrameID int    `json:"frameId,omitempty"`
	Text    string `json:"text"`
	Column  int    `json:"column"`
	Line    int    `json:"line,omitempty"`
}

// CompletionItem is a single completion suggestion.
type CompletionItem struct {
	Label string `json:"label"`
	Text  string `json:"text,omitempty"`
	Type  string `json:"type,omitempty"`
}

// CompletionsResponseBody is the response body for completions.
type CompletionsResponseBody struct {
	Targets []CompletionItem `json:"targets"`
}

// RestartFrameArguments are the arguments for restartFrame.
type RestartFrameArguments struct {
	FrameID int `json:"frameId"`
}

// ToggleSkipFileStatusArguments are the arguments for toggleSkipFileStatus.
type ToggleSkipFileStatusArguments struct {
	Path string `json:"path"`
}

// StoppedEventBody is the body of the stopped event.
type StoppedEventBody struct {
	Reason            string `json:"reason"`
	Description       string `json:"description,omitempty"`
	ThreadID          int    `json:"threadId,omitempty"`
	Text              string `json:"text,omitempty"`
	AllThreadsStopped bool   `json:"allThreadsStopped,omitempty"`
}

// ContinuedEventBody is the body of the continued event.
type ContinuedEventBody struct {
	ThreadID            int  `json:"threadId"`
	AllThreadsContinued bool `json:"allThreadsContinued,omitempty"`
}

// TerminatedEventBody is the body of the terminated event.
type TerminatedEventBody struct {
	Restart bool `json:"restart,omitempty"`
}

// BreakpointEventBody is the body of the breakpoint event.
type BreakpointEventBody struct {
	Reason     string     `json:"reason"` // "changed", "new", "removed"
	Breakpoint Breakpoint `json:"breakpoint"`
}

// OutputEventBody is the body of the output event.
type OutputEventBody struct {
	Category           string  `json:"category,omitempty"` // "console", "stdout", "stderr", "telemetry"
	Output             string  `json:"output"`
	VariablesReference int     `json:"variablesReference,omitempty"`
	Source             *Source `json:"source,omitempty"`
	Line               int     `json:"line,omitempty"`
	Column             int     `json:"column,omitempty"`
}
