package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/coditime/accounts"
	"github.com/jmcleod/coditime/auth"
	"github.com/jmcleod/coditime/cliaccess"
	"github.com/jmcleod/coditime/storage"
)

const (
	maxAuthBodySize  = 16 << 10
	maxSmallBodySize = 4 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and replies with a generic 500 so internals
// never reach the client.
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// decodeJSON reads a JSON body of at most limit bytes into T. On failure it
// writes a 400 and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// writeAuthError replies for a resolver failure. Every invalid credential
// gets the same body whatever the reason.
func writeAuthError(w http.ResponseWriter, err error) {
	status := auth.HTTPStatus(err)
	switch {
	case errors.Is(err, auth.ErrNoAuthenticationProvided):
		writeError(w, status, "authentication required")
	case errors.Is(err, auth.ErrInvalidSession), errors.Is(err, auth.ErrInvalidAPIToken):
		writeError(w, status, "invalid credentials")
	case errors.Is(err, auth.ErrMustBeSession), errors.Is(err, auth.ErrMissingPermission):
		writeError(w, status, err.Error())
	default:
		writeInternalError(w, "authentication failed", err)
	}
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accounts.ErrInvalidUsername),
		errors.Is(err, accounts.ErrInvalidEmail),
		errors.Is(err, accounts.ErrInvalidPassword),
		errors.Is(err, accounts.ErrInvalidKeyName),
		errors.Is(err, accounts.ErrInvalidPermission),
		errors.Is(err, accounts.ErrInvalidExpiry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, accounts.ErrAccountTaken), errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, accounts.ErrWrongPassword), errors.Is(err, accounts.ErrRegistrationClosed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, cliaccess.ErrNotPending):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, cliaccess.ErrInvalidLogin):
		writeError(w, http.StatusUnauthorized, "invalid username or password")
	case errors.Is(err, cliaccess.ErrIPMismatch):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		writeInternalError(w, "request failed", err)
	}
}
