package jobs

import (
	"errors"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Queue errors.
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMessageNotFound    = errors.New("message not found")
	ErrQueueClosed        = errors.New("queue is closed")
	ErrInvalidMessage     = errors.New("invalid message")
)

// ErrorCategory categorizes processing errors for retry decisions.
type ErrorCategory string

const (
	// ErrorCategoryTransient indicates a temporary error that should be retried.
	ErrorCategoryTransient ErrorCategory = "transient"
	// ErrorCategoryPermanent indicates an error that will not be resolved by retry.
	ErrorCategoryPermanent ErrorCategory = "permanent"
	// ErrorCategoryDependency indicates an external dependency failure.
	ErrorCategoryDependency ErrorCategory = "dependency"
)

// ProcessingError wraps errors with category information.
type ProcessingError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Err      error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should trigger a retry.
func (e *ProcessingError) IsRetryable() bool {
	return e.Category == ErrorCategoryTransient || e.Category == ErrorCategoryDependency
}

// NewTransientError creates a new transient error.
func NewTransientError(code, message string, err error) *ProcessingError {
	return &ProcessingError{Category: ErrorCategoryTransient, Code: code, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(code, message string, err error) *ProcessingError {
	return &ProcessingError{Category: ErrorCategoryPermanent, Code: code, Message: message, Err: err}
}

// NewDependencyError creates a new dependency error.
func NewDependencyError(code, message string, err error) *ProcessingError {
	return &ProcessingError{Category: ErrorCategoryDependency, Code: code, Message: message, Err: err}
}

// Categorize turns any handler error into a ProcessingError.
// Domain errors that a retry cannot fix are permanent; unavailable
// dependencies are dependency errors; everything the classifier marks
// retryable is transient. Anything else is permanent.
func Categorize(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}

	switch {
	case vcerrors.IsValidation(err), vcerrors.IsNotFound(err), vcerrors.IsForbidden(err),
		vcerrors.IsInvalidState(err), errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrUnknownMessageType):
		return NewPermanentError(vcerrors.Code(err), "permanent failure", err)
	case vcerrors.IsUnavailable(err):
		return NewDependencyError(vcerrors.Code(err), "dependency unavailable", err)
	}

	ce := vcerrors.ClassifyError(err, "job")
	if vcerrors.IsRetryable(ce.Code) {
		return NewTransientError(string(ce.Code), "transient failure", err)
	}
	return NewPermanentError(string(ce.Code), "processing failed", err)
}
