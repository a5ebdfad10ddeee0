package ir

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ErrorCode categorizes fatal runtime errors.
type ErrorCode string

const (
	// ErrCodeUnregisteredTag indicates a cache lookup for a tag the executable never registered.
	ErrCodeUnregisteredTag ErrorCode = "UNREGISTERED_TAG"

	// ErrCodeNullBackingStore indicates a GlobalCache constructed without its mutable cache.
	ErrCodeNullBackingStore ErrorCode = "NULL_BACKING_STORE"

	// ErrCodeTagType indicates a stored value whose type differs from the tag's type.
	ErrCodeTagType ErrorCode = "TAG_TYPE_MISMATCH"

	// ErrCodePhaseOrder indicates Main could not determine the next phase.
	ErrCodePhaseOrder ErrorCode = "PHASE_ORDER"

	// ErrCodeCheckpointCollision indicates a checkpoint directory at or after the
	// next counter value already exists.
	ErrCodeCheckpointCollision ErrorCode = "CHECKPOINT_COLLISION"

	// ErrCodeTopologyMismatch indicates a restart on a different node/process shape.
	ErrCodeTopologyMismatch ErrorCode = "TOPOLOGY_MISMATCH"

	// ErrCodeCheckpointCorrupt indicates a checkpoint whose manifest digest does not verify.
	ErrCodeCheckpointCorrupt ErrorCode = "CHECKPOINT_CORRUPT"

	// ErrCodeActionPrecondition indicates malformed or missing local state inside an action.
	ErrCodeActionPrecondition ErrorCode = "ACTION_PRECONDITION"

	// ErrCodeReductionShape indicates contributors disagreeing on a reduction's tuple shape.
	ErrCodeReductionShape ErrorCode = "REDUCTION_SHAPE"

	// ErrCodeRegistration indicates an invalid component or action registration.
	ErrCodeRegistration ErrorCode = "REGISTRATION"

	// ErrCodeStepsExceeded indicates an instance exceeded its per-phase step quota.
	ErrCodeStepsExceeded ErrorCode = "STEPS_EXCEEDED"

	// ErrCodeInvalidState indicates a message that is illegal in the receiver's current state.
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	// ErrCodeActionFailed indicates an action returned an error or panicked.
	ErrCodeActionFailed ErrorCode = "ACTION_FAILED"
)

// FatalError is a programming or protocol error that aborts the run.
//
// A FatalError records the call stack at the point it was created. Printing
// it with %+v includes the stack; Where returns the file, line and function
// of the code that raised it.
type FatalError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Component names the parallel component the error occurred in, if any.
	Component string

	// Index is the element index within Component. Only meaningful when
	// Component is set.
	Index ElementIndex

	origin error // pkg/errors value carrying the stack
	cause  error
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Fatalf creates a FatalError with a formatted message.
func Fatalf(code ErrorCode, format string, args ...any) *FatalError {
	msg := fmt.Sprintf(format, args...)
	return &FatalError{Code: code, Message: msg, origin: errors.New(msg)}
}

// WrapFatal creates a FatalError that wraps cause.
func WrapFatal(code ErrorCode, cause error, format string, args ...any) *FatalError {
	msg := fmt.Sprintf(format, args...)
	return &FatalError{Code: code, Message: msg, origin: errors.New(msg), cause: cause}
}

// In annotates the error with the component instance it occurred in. An
// existing annotation is kept.
func (e *FatalError) In(component string, index ElementIndex) *FatalError {
	if e.Component == "" {
		e.Component = component
		e.Index = index
	}
	return e
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		msg = fmt.Sprintf("%s (component=%s, index=%d)", msg, e.Component, e.Index)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the wrapped cause, if any.
func (e *FatalError) Unwrap() error {
	return e.cause
}

// StackTrace returns the stack recorded at creation.
func (e *FatalError) StackTrace() errors.StackTrace {
	var st stackTracer
	if stderrors.As(e.origin, &st) {
		return st.StackTrace()
	}
	return nil
}

// Where returns "file:line function" for the code that created the error.
// Frame 0 is the constructor itself, so the caller is frame 1.
func (e *FatalError) Where() string {
	st := e.StackTrace()
	if len(st) < 2 {
		return "unknown location"
	}
	f := st[1]
	return fmt.Sprintf("%s:%d %n", f, f, f)
}

// Format implements fmt.Formatter. %+v prints the message followed by the stack.
func (e *FatalError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = io.WriteString(s, e.Error())
			fmt.Fprintf(s, "%+v", e.StackTrace())
			return
		}
		_, _ = io.WriteString(s, e.Error())
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// UserError is a configuration or input error. It is reported with its
// message only, never with a stack.
type UserError struct {
	Message string
	Err     error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *UserError) Unwrap() error {
	return e.Err
}

// UserErrorf creates a UserError with a formatted message.
func UserErrorf(format string, args ...any) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return stderrors.As(err, &fe)
}

// IsUserError reports whether err is or wraps a UserError.
func IsUserError(err error) bool {
	var ue *UserError
	return stderrors.As(err, &ue)
}

// FatalCode returns the code of the first FatalError in err's chain.
func FatalCode(err error) (ErrorCode, bool) {
	var fe *FatalError
	if stderrors.As(err, &fe) {
		return fe.Code, true
	}
	return "", false
}

// AsFatal converts a recovered panic value or an arbitrary error into a
// FatalError. FatalErrors and UserErrors already in the chain are preserved.
func AsFatal(v any) error {
	switch val := v.(type) {
	case nil:
		return nil
	case error:
		var fe *FatalError
		if stderrors.As(val, &fe) {
			return fe
		}
		var ue *UserError
		if stderrors.As(val, &ue) {
			return ue
		}
		return WrapFatal(ErrCodeActionFailed, val, "unrecoverable error")
	default:
		return Fatalf(ErrCodeActionFailed, "panic: %v", val)
	}
}
