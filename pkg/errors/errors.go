// Package errors provides the domain error taxonomy shared by every vcmatrix package.
//
// Repositories and services return (or wrap) the sentinels below so that the HTTP
// layer can map any failure onto a status code and a stable machine-readable code
// without knowing where it came from.
//
// Usage:
//
//	import vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
//
//	return nil, fmt.Errorf("company %s: %w", id, vcerrors.ErrNotFound)
//
//	if vcerrors.IsNotFound(err) {
//	    // handle not found case
//	}
package errors

import (
	"context"
	"errors"
	"net/http"
)

// Domain errors.
var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input or validation failure.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized indicates the request lacks valid authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the operation is not allowed, e.g. deleting a built-in column.
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnavailable indicates a dependency (LLM, search API, remote backend) is
	// not configured or not reachable.
	ErrUnavailable = errors.New("unavailable")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnauthorized reports whether any error in err's chain is ErrUnauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsForbidden reports whether any error in err's chain is ErrForbidden.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsAlreadyExists reports whether any error in err's chain is ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsUnavailable reports whether any error in err's chain is ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// HTTPStatus maps err onto the status code the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err), IsAlreadyExists(err), IsInvalidState(err):
		return http.StatusConflict
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case IsForbidden(err):
		return http.StatusForbidden
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the stable snake_case code used in API error bodies.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation_error"
	case IsNotFound(err):
		return "not_found"
	case IsAlreadyExists(err):
		return "already_exists"
	case IsConflict(err):
		return "conflict"
	case IsInvalidState(err):
		return "invalid_state"
	case IsUnauthorized(err):
		return "unauthorized"
	case IsForbidden(err):
		return "forbidden"
	case IsUnavailable(err):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}
