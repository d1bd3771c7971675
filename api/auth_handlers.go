package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/coditime/auth"
	"github.com/jmcleod/coditime/internal/util"
)

// Register handles POST /register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	clientIP := a.clientIP(r)
	if blocked, retryAfter := a.regGlobalLimiter.check(); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many registrations, try again later")
		return
	}
	if blocked, retryAfter := a.regIPLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited")
		writeRateLimited(w, retryAfter, "too many registrations, try again later")
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	// Someone who is already signed in has no business registering.
	if cred := a.extractor.Extract(r); cred.Present() {
		if _, err := a.resolver.Resolve(r.Context(), cred); err == nil {
			writeError(w, http.StatusBadRequest, "already authenticated")
			return
		} else if errors.Is(err, auth.ErrStorage) {
			writeInternalError(w, "resolving credential", err)
			return
		}
	}

	first, err := a.accounts.IsFirstUser(r.Context())
	if err != nil {
		writeInternalError(w, "checking user count", err)
		return
	}
	if !first {
		if !a.publicRegistration {
			writeError(w, http.StatusForbidden, "registration is closed")
			return
		}
		if a.recaptcha.RequiredOnRegistration() && !a.verifyRecaptcha(w, r, req.Recaptcha) {
			return
		}
	}

	a.regGlobalLimiter.hit()
	a.regIPLimiter.hit(clientIP)

	register := a.accounts.Register
	if !a.publicRegistration {
		// Another request may have created the first account since the check.
		register = a.accounts.RegisterFirst
	}
	user, err := register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditRegister, r, user.ID, slog.Bool("is_admin", user.IsAdmin))
	w.WriteHeader(http.StatusNoContent)
}

// verifyRecaptcha checks a reCAPTCHA response and writes the rejection when
// it fails.
func (a *API) verifyRecaptcha(w http.ResponseWriter, r *http.Request, response string) bool {
	ok, err := a.recaptcha.Verify(r.Context(), response, a.clientIP(r))
	if err != nil {
		writeError(w, http.StatusBadGateway, "captcha verification unavailable")
		a.logger.Warn("recaptcha verification failed", "error", err)
		return false
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "captcha verification failed")
		return false
	}
	return true
}

// loginAttempt tracks one password check against the login rate limiters.
type loginAttempt struct {
	a        *API
	clientIP string
	account  string
}

// beginLogin checks the limiters, global then IP then account, and writes a
// 429 when any of them is closed.
func (a *API) beginLogin(w http.ResponseWriter, r *http.Request, login string) (*loginAttempt, bool) {
	la := &loginAttempt{a: a, clientIP: a.clientIP(r), account: util.Normalize(login)}
	if blocked, retryAfter := a.loginGlobalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many login attempts, try again later")
		return nil, false
	}
	if blocked, retryAfter := a.loginIPLimiter.check(la.clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited")
		writeRateLimited(w, retryAfter, "too many login attempts, try again later")
		return nil, false
	}
	if la.account != "" {
		if blocked, retryAfter := a.loginLimiter.check(la.account); blocked {
			a.audit.logFailure(AuditLoginRateLimited, r, "account rate limited")
			writeRateLimited(w, retryAfter, "too many login attempts, try again later")
			return nil, false
		}
	}
	return la, true
}

func (la *loginAttempt) failed() {
	la.a.loginGlobalLimiter.hit()
	la.a.loginIPLimiter.hit(la.clientIP)
	if la.account != "" {
		la.a.loginLimiter.hit(la.account)
	}
}

func (la *loginAttempt) succeeded() {
	la.a.loginIPLimiter.reset(la.clientIP)
	la.a.loginLimiter.reset(la.account)
}

// Login handles POST /login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
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

	user, ok, err := a.accounts.VerifyLogin(r.Context(), req.UsernameOrEmail, req.Password)
	if err != nil {
		writeInternalError(w, "verifying login", err)
		return
	}
	if !ok {
		attempt.failed()
		a.audit.logFailure(AuditLoginFailure, r, "invalid credentials")
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	attempt.succeeded()

	rec, err := a.sessions.Create(r.Context(), user.ID)
	if err != nil {
		writeInternalError(w, "creating session", err)
		return
	}
	a.writeSessionCookie(w, r, rec.ID, rec.ExpiresAt)
	a.audit.logEvent(AuditLoginSuccess, r, user.ID)
	writeJSON(w, http.StatusOK, LoginResponse{User: userFrom(user), Session: sessionFrom(rec)})
}

// Logout handles POST /logout. It always succeeds; an unknown or missing
// session simply has nothing to invalidate.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	cred := a.extractor.Extract(r)
	if cred.Kind() == auth.SessionCredential {
		if p, err := a.resolver.ResolveSession(r.Context(), cred); err == nil {
			a.audit.logEvent(AuditLogout, r, p.UserID())
		}
		if err := a.sessions.Invalidate(r.Context(), cred.Value()); err != nil {
			writeInternalError(w, "invalidating session", err)
			return
		}
	}
	a.clearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}
