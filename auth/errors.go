package auth

import (
	"errors"
	"net/http"
)

var (
	ErrNoAuthenticationProvided = errors.New("no authentication provided")
	ErrInvalidAPIToken          = errors.New("invalid api token")
	ErrInvalidSession           = errors.New("invalid session")
	ErrMustBeSession            = errors.New("this action requires a session login")
	ErrMissingPermission        = errors.New("api token lacks the required permission")
	// ErrStorage wraps failures of the session store or the data layer.
	ErrStorage = errors.New("authentication storage error")
)

// HTTPStatus maps a resolver error to the response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoAuthenticationProvided),
		errors.Is(err, ErrInvalidAPIToken),
		errors.Is(err, ErrInvalidSession):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMustBeSession), errors.Is(err, ErrMissingPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
