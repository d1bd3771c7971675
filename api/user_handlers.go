package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/coditime/auth"
)

// State handles GET /state.
func (a *API) State(w http.ResponseWriter, r *http.Request) {
	first, err := a.accounts.IsFirstUser(r.Context())
	if err != nil {
		writeInternalError(w, "checking user count", err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		IsFirstUser:        first,
		PublicRegistration: a.publicRegistration,
		HomeURL:            a.homeURL,
		Recaptcha:          a.recaptcha.Public(),
		StartedAt:          a.startedAt,
	})
}

// Me handles GET /me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, userFrom(p.AsUser()))
}

// GetUser handles GET /user/{idOrName}.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.accounts.LookupUser(r.Context(), chi.URLParam(r, "idOrName"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicUserFrom(user))
}

// UpdatePassword handles PUT /me/update/password. The session making the
// request survives force_logout.
func (a *API) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context()).(*auth.SessionPrincipal)
	if !ok {
		writeAuthError(w, auth.ErrMustBeSession)
		return
	}
	req, ok := decodeJSON[UpdatePasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if a.recaptcha.RequiredOnPasswordChange() && !a.verifyRecaptcha(w, r, req.Recaptcha) {
		return
	}

	if err := a.accounts.ChangePassword(r.Context(), p.UserID(), req.OldPassword, req.Password); err != nil {
		mapError(w, err)
		return
	}

	var resp UpdatePasswordResponse
	if req.ForceLogout {
		n, err := a.sessions.InvalidateUser(r.Context(), p.UserID(), p.Session.ID)
		if err != nil {
			writeInternalError(w, "invalidating sessions", err)
			return
		}
		resp.RemovedSessions = n
	}
	if req.RemoveAPIKeys {
		n, err := a.accounts.RevokeAllAPIKeys(r.Context(), p.UserID())
		if err != nil {
			writeInternalError(w, "revoking api keys", err)
			return
		}
		resp.RemovedAPIKeys = n
	}

	a.audit.logEvent(AuditPasswordChanged, r, p.UserID(),
		idAttr("removed_sessions", int64(resp.RemovedSessions)),
		idAttr("removed_api_keys", int64(resp.RemovedAPIKeys)))
	writeJSON(w, http.StatusOK, resp)
}
