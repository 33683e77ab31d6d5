package detections

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotInitialized = errors.New("model not initialized")
	ErrDecode              = errors.New("image decode failed")
	ErrShape               = errors.New("unexpected model output shape")
	ErrInference           = errors.New("inference failed")
)

// ProcessingError carries the failure kind (one of the Err* sentinels) and
// the underlying cause. errors.Is and errors.As match against both.
type ProcessingError struct {
	Kind    error
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ProcessingError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func newError(kind error, cause error, format string, args ...any) *ProcessingError {
	return &ProcessingError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}
