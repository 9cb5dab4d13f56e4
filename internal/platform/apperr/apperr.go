// Package apperr defines the error kinds shared by the access-control
// domain packages and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrDependencyFailure = errors.New("dependency failure")
	ErrInvalidArgument   = errors.New("invalid argument")
)

func Forbidden(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

func InvalidState(format string, args ...any) error {
	return wrap(ErrInvalidState, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func InvalidArgument(format string, args ...any) error {
	return wrap(ErrInvalidArgument, format, args...)
}

// Dependency wraps a failure of a collaborator (store, audit log) so callers
// can match it with errors.Is(err, ErrDependencyFailure) while the cause
// stays reachable through errors.Unwrap chains.
func Dependency(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDependencyFailure, what, err)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error onto the status code the HTTP layer returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrDependencyFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts err into an *echo.HTTPError carrying the mapped status.
// Internal errors are not echoed back to the client.
func HTTPError(err error) *echo.HTTPError {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
