package bufferpool

import (
	"errors"
	"fmt"
)

// Error codes for hard failures.
const (
	ErrCodeConfig     = "CONFIG_ERROR"
	ErrCodeAllocation = "ALLOCATION_ERROR"
	ErrCodeQueue      = "QUEUE_ERROR"
	ErrCodeBusy       = "BUSY"
)

// Error is a hard failure raised by the allocator or the pool.
type Error struct {
	Code    string
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so callers can test
// errors.Is(err, ErrBusy) without caring about Op or Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Message == "" && t.Cause == nil
}

// Code sentinels for errors.Is.
var (
	ErrConfig     = &Error{Code: ErrCodeConfig}
	ErrAllocation = &Error{Code: ErrCodeAllocation}
	ErrQueue      = &Error{Code: ErrCodeQueue}
	ErrBusy       = &Error{Code: ErrCodeBusy}
)

func newError(code, op, message string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: message, Cause: cause}
}

func configError(op, format string, args ...any) *Error {
	return newError(ErrCodeConfig, op, fmt.Sprintf(format, args...), nil)
}

// Flow outcomes. These are expected during normal streaming and must be
// told apart from hard errors with IsFlow.
var (
	ErrWouldBlock        = errors.New("would block")
	ErrEndOfStream       = errors.New("end of stream")
	ErrResolutionChanged = errors.New("resolution changed")
	ErrFlushing          = errors.New("flushing")
	ErrCorruptedBuffer   = errors.New("corrupted buffer")
)

// Other pool failures.
var (
	ErrNotNegotiated       = errors.New("not negotiated")
	ErrInsufficientBuffers = errors.New("insufficient buffers")
	ErrDoubleQueue         = errors.New("buffer already queued")
	ErrInactive            = errors.New("pool is not active")
	ErrNotOwned            = errors.New("buffer does not belong to this pool")
)

// IsFlow reports whether err is a flow outcome rather than a hard error.
func IsFlow(err error) bool {
	return errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, ErrEndOfStream) ||
		errors.Is(err, ErrResolutionChanged) ||
		errors.Is(err, ErrFlushing) ||
		errors.Is(err, ErrCorruptedBuffer)
}
