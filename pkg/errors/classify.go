package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCode represents a classified operational error.
type ErrorCode string

const (
	ErrTimeout              ErrorCode = "timeout"
	ErrRateLimit            ErrorCode = "rate_limit"
	ErrUpstreamUnavailable  ErrorCode = "upstream_unavailable"
	ErrSerializationFailure ErrorCode = "serialization_failure"
	ErrDeadlock             ErrorCode = "deadlock"
	ErrConnectionFailure    ErrorCode = "connection_failure"
	ErrContextCancelled     ErrorCode = "context_cancelled"
	ErrUniqueViolation      ErrorCode = "unique_violation"
	ErrForeignKeyViolation  ErrorCode = "foreign_key_violation"
	ErrParseError           ErrorCode = "parse_error"
	ErrEmptyContent         ErrorCode = "empty_content"
	ErrContentTooLarge      ErrorCode = "content_too_large"
	ErrProcessingError      ErrorCode = "processing_error"
)

// Postgres SQLSTATE values the classifier understands.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgAdminShutdown        = "57P01"
	pgCannotConnectNow     = "57P03"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatusCode() int
}

// StatusError is returned by HTTP integration clients for non-2xx responses.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, e.Body)
}

// HTTPStatusCode implements StatusCoder.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// ClassifiedError is a failure tagged with an ErrorCode and the stage it occurred in.
type ClassifiedError struct {
	Code    ErrorCode
	Stage   string
	Message string
	Cause   error
}

func (e *ClassifiedError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// ClassifyError inspects an error and returns a *ClassifiedError with the
// appropriate code. Unknown errors classify as ErrProcessingError.
func ClassifyError(err error, stage string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	ce := &ClassifiedError{Stage: stage, Cause: err, Message: err.Error()}

	if errors.Is(err, context.DeadlineExceeded) {
		ce.Code = ErrTimeout
		ce.Message = "operation timed out"
		return ce
	}
	if errors.Is(err, context.Canceled) {
		ce.Code = ErrContextCancelled
		ce.Message = "operation cancelled"
		return ce
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure:
			ce.Code = ErrSerializationFailure
		case pgDeadlockDetected:
			ce.Code = ErrDeadlock
		case pgUniqueViolation:
			ce.Code = ErrUniqueViolation
		case pgForeignKeyViolation:
			ce.Code = ErrForeignKeyViolation
		case pgAdminShutdown, pgCannotConnectNow:
			ce.Code = ErrConnectionFailure
		default:
			ce.Code = ErrProcessingError
		}
		return ce
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatusCode(); {
		case status == http.StatusTooManyRequests:
			ce.Code = ErrRateLimit
			return ce
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			ce.Code = ErrTimeout
			return ce
		case status >= 500:
			ce.Code = ErrUpstreamUnavailable
			return ce
		}
	}

	if pgconn.SafeToRetry(err) {
		ce.Code = ErrConnectionFailure
		return ce
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "empty content") || strings.Contains(lower, "content is empty"):
		ce.Code = ErrEmptyContent
	case strings.Contains(lower, "too large") || strings.Contains(lower, "exceeds maximum"):
		ce.Code = ErrContentTooLarge
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		ce.Code = ErrRateLimit
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "no such host"):
		ce.Code = ErrConnectionFailure
	case strings.Contains(lower, "service unavailable") || strings.Contains(lower, "bad gateway"):
		ce.Code = ErrUpstreamUnavailable
	case strings.Contains(lower, "i/o timeout") || strings.Contains(lower, "timed out"):
		ce.Code = ErrTimeout
	case strings.Contains(lower, "parse") || strings.Contains(lower, "malformed"):
		ce.Code = ErrParseError
	default:
		ce.Code = ErrProcessingError
	}
	return ce
}

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Code == ErrTimeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsErrorRetryable classifies err and reports whether its code is retryable.
func IsErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryable(ClassifyError(err, "").Code)
}
