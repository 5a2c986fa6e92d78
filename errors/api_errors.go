package errors

import (
	"errors"
	"fmt"
	"net/http"

	"go.pilab.hu/sessionguard/domain"
)

// APIError is the JSON error body returned by the admin API.
type APIError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Error codes
const (
	InvalidRequest     = "invalid_request"
	Unauthorized       = "unauthorized"
	NotFound           = "not_found"
	Conflict           = "conflict"
	ServerError        = "server_error"
	ServiceUnavailable = "temporarily_unavailable"
)

func NewInvalidRequest(description string) *APIError {
	return &APIError{Code: InvalidRequest, Description: description}
}

func NewUnauthorized(description string) *APIError {
	return &APIError{Code: Unauthorized, Description: description}
}

func NewNotFound(description string) *APIError {
	return &APIError{Code: NotFound, Description: description}
}

func NewServerError(description string) *APIError {
	return &APIError{Code: ServerError, Description: description}
}

// FromDomain maps a service error to an HTTP status and body. Unknown errors
// become a 500 without leaking their text.
func FromDomain(err error) (int, *APIError) {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return statusOf(apiErr.Code), apiErr
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, NewInvalidRequest(err.Error())
	case errors.Is(err, domain.ErrRecordNotFound):
		return http.StatusNotFound, NewNotFound("no session record for user")
	case errors.Is(err, domain.ErrStaleSession), errors.Is(err, domain.ErrAlreadyActive):
		return http.StatusConflict, &APIError{Code: Conflict, Description: err.Error()}
	default:
		return http.StatusInternalServerError, NewServerError("internal error")
	}
}

func statusOf(code string) int {
	switch code {
	case InvalidRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
