package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/coditime/cliaccess"
)

// InitCLISession handles POST /cli/init-session. The caller's IP address is
// bound to the request; only that address may collect the token.
func (a *API) InitCLISession(w http.ResponseWriter, r *http.Request) {
	clientIP := a.clientIP(r)
	if clientIP == "" {
		writeError(w, http.StatusBadRequest, "could not determine client address")
		return
	}
	if blocked, retryAfter := a.cliInitLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditCLIAccessRateLimited, r, "ip rate limited")
		writeRateLimited(w, retryAfter, "too many cli sessions, try again later")
		return
	}
	req, ok := decodeJSON[InitCLISessionRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	a.cliInitLimiter.hit(clientIP)

	key, err := a.cli.Init(req.FromCLI, req.Username, clientIP)
	if err != nil {
		if errors.Is(err, cliaccess.ErrKeySpaceExhausted) {
			writeError(w, http.StatusServiceUnavailable, "could not allocate a claim key, try again")
			return
		}
		writeInternalError(w, "initialising cli session", err)
		return
	}
	a.audit.log(AuditCLIAccessInitiated, r, slog.String("machine_hostname", req.MachineHostname))

	resp := InitCLISessionResponse{Token: key}
	if a.homeURL != "" {
		resp.AbsoluteURL = a.homeURL + "/login-cli/" + key
	}
	writeJSON(w, http.StatusOK, resp)
}

// PendingCLIAccess handles GET /cli/pending/{key} so the approval page can
// show which machine is asking.
func (a *API) PendingCLIAccess(w http.ResponseWriter, r *http.Request) {
	req, ok := a.cli.Pending(chi.URLParam(r, "key"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, PendingCLIAccessResponse{
		Username:  req.Username,
		FromCLI:   req.FromCLI,
		CreatedAt: req.CreatedAt,
	})
}

// CompleteCLIAccess handles POST /cli/complete-access/{key}. It takes the
// same body as /login and is throttled by the same limiters.
func (a *API) CompleteCLIAccess(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.UsernameOrEmail == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username_or_email and password are required")
		return
	}
	attempt, ok := a.beginLogin(w, r, req.UsernameOrEmail)
	if !ok {
		return
	}
	if a.recaptcha.RequiredOnLogin() && !a.verifyRecaptcha(w, r, req.Recaptcha) {
		return
	}

	user, err := a.cli.Approve(r.Context(), key, req.UsernameOrEmail, req.Password)
	if err != nil {
		if errors.Is(err, cliaccess.ErrInvalidLogin) {
			attempt.failed()
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials for cli access")
		}
		mapError(w, err)
		return
	}
	attempt.succeeded()
	a.audit.logEvent(AuditCLIAccessApproved, r, user.ID)
	w.WriteHeader(http.StatusNoContent)
}

// RetrieveCLIResult handles GET /cli/retrieve-result/{key}. Until the
// request has been approved the answer is 202 and the CLI keeps polling.
func (a *API) RetrieveCLIResult(w http.ResponseWriter, r *http.Request) {
	res, err := a.cli.Retrieve(r.Context(), chi.URLParam(r, "key"), a.clientIP(r))
	switch {
	case errors.Is(err, cliaccess.ErrNotReady):
		writeJSON(w, http.StatusAccepted, CLIAccessPendingResponse{Status: "pending"})
		return
	case errors.Is(err, cliaccess.ErrIPMismatch):
		a.audit.logFailure(AuditCLIAccessIPMismatch, r, "result requested from a different address")
		mapError(w, err)
		return
	case err != nil:
		writeInternalError(w, "retrieving cli result", err)
		return
	}
	a.audit.logEvent(AuditCLIAccessClaimed, r, res.UserID, idAttr("key_id", res.APIToken.ID))
	writeJSON(w, http.StatusOK, CLIAccessResult{Token: res.Token, UserID: res.UserID, Key: apiKeyFrom(res.APIToken)})
}
