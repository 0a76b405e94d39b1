package adapter

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the client. Setup errors fail their originating
// request only; none of them tear down the session.
var (
	// ErrPathFormatUnsupported is returned when the client asks for a path
	// format other than "path".
	ErrPathFormatUnsupported = errors.New("unsupported path format: only 'path' is supported")

	// ErrMissingAttachPort is returned when an attach request has no port.
	ErrMissingAttachPort = errors.New("attach request requires a port")

	// ErrStackFrameNotValid is returned for a frame handle that does not
	// belong to the current pause.
	ErrStackFrameNotValid = errors.New("stack frame not valid")

	// ErrRuntimeNotConnected is returned when a request needs the debuggee
	// and no connection exists.
	ErrRuntimeNotConnected = errors.New("runtime not connected")

	// ErrSourceRequestIllegalHandle is returned for a source request with
	// an unknown sourceReference.
	ErrSourceRequestIllegalHandle = errors.New("source request has illegal handle")

	// ErrSetValueNotSupported is returned when a variable container cannot
	// set values.
	ErrSetValueNotSupported = errors.New("setting value is not supported for this variable")

	// ErrBreakpointIgnoredNoMapping describes an authored-file breakpoint
	// with no generated mapping. No code path returns it: such breakpoints
	// stay pending with ErrBreakpointIgnoredNoTargetPath's message.
	ErrBreakpointIgnoredNoMapping = errors.New("breakpoint ignored because generated code not found (source map problem?)")

	// ErrBreakpointIgnoredNoTargetPath is returned when a client path maps
	// to no target URL.
	ErrBreakpointIgnoredNoTargetPath = errors.New("breakpoint ignored: no corresponding target path")

	// ErrBreakpointsTimeout is returned when a setBreakpoints operation
	// exceeds its overall deadline.
	ErrBreakpointsTimeout = errors.New("timeout setting breakpoints")

	// ErrInvalidHitCondition wraps an unparseable hit condition expression.
	ErrInvalidHitCondition = errors.New("invalid hit condition")
)

// evaluateError wraps the debuggee's formatted exception message from a
// failed evaluation.
type evaluateError struct {
	message string
}

func (e *evaluateError) Error() string {
	return e.message
}

// newEvaluateError builds the error surfaced for a debuggee-side
// evaluation failure.
func newEvaluateError(message string) error {
	return &evaluateError{message: fmt.Sprintf("error during evaluation: %s", message)}
}
