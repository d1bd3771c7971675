package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/coditime/auth"
	"github.com/jmcleod/coditime/storage"
)

// authenticate resolves the request's credential, session or API token,
// and stores the principal on the context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := a.extractor.Extract(r)
		p, err := a.resolver.Resolve(r.Context(), cred)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		ctx := auth.WithCredential(r.Context(), cred)
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(ctx, p)))
	})
}

// requireSession is authenticate for routes that API tokens may not use.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := a.extractor.Extract(r)
		p, err := a.resolver.ResolveSession(r.Context(), cred)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		ctx := auth.WithCredential(r.Context(), cred)
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(ctx, p)))
	})
}

// requirePermission runs after authenticate and rejects API tokens that were
// not granted perm.
func requirePermission(perm storage.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Authorize(auth.PrincipalFromContext(r.Context()), perm); err != nil {
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) cookieName() string {
	if a.extractor.CookieName == "" {
		return auth.DefaultCookieName
	}
	return a.extractor.CookieName
}

func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, id string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  expiresAt,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
