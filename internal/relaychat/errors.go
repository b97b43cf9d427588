package relaychat

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrConflict            = errors.New("conflict")
	ErrTriggerCascadeLimit = errors.New("trigger cascade limit reached")
)

// APIError is the user-visible failure attached to the response of the
// request that caused it.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.status() {
	case http.StatusBadRequest:
		return target == ErrInvalidInput
	case http.StatusForbidden:
		return target == ErrPermissionDenied
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusConflict:
		return target == ErrConflict
	}
	return false
}

// status falls back to the code for errors decoded from the wire, which
// carry no status.
func (e *APIError) status() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case "bad_request":
		return http.StatusBadRequest
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	}
	return 0
}

func BadRequest(format string, args ...any) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "bad_request", Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *APIError {
	return &APIError{Status: http.StatusForbidden, Code: "forbidden", Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: "not_found", Message: fmt.Sprintf(format, args...)}
}

// AsAPIError converts any pipeline error into the {code, message} pair sent
// back to clients. Errors that are not APIErrors become internal errors so
// storage details never leak.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return &APIError{Status: http.StatusBadRequest, Code: "bad_request", Message: err.Error()}
	case errors.Is(err, ErrPermissionDenied):
		return &APIError{Status: http.StatusForbidden, Code: "forbidden", Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return &APIError{Status: http.StatusNotFound, Code: "not_found", Message: err.Error()}
	case errors.Is(err, ErrConflict):
		return &APIError{Status: http.StatusConflict, Code: "conflict", Message: err.Error()}
	}
	return &APIError{Status: http.StatusInternalServerError, Code: "internal_error", Message: "internal error"}
}
