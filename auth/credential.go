package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// DefaultCookieName is the session cookie name used when none is configured.
const DefaultCookieName = "session"

// CredentialKind tags a RawCredential.
type CredentialKind int

const (
	NoCredential CredentialKind = iota
	SessionCredential
	APITokenCredential
)

func (k CredentialKind) String() string {
	switch k {
	case SessionCredential:
		return "session"
	case APITokenCredential:
		return "api_token"
	default:
		return "none"
	}
}

// RawCredential is unvalidated credential material taken from a request.
// The zero value is the absent credential.
type RawCredential struct {
	kind  CredentialKind
	value string
}

// Session returns a session credential for the given identifier.
func Session(id string) RawCredential {
	return RawCredential{kind: SessionCredential, value: id}
}

// APIToken returns an API token credential for the given raw token.
func APIToken(raw string) RawCredential {
	return RawCredential{kind: APITokenCredential, value: raw}
}

func (c RawCredential) Kind() CredentialKind { return c.kind }
func (c RawCredential) Value() string        { return c.value }
func (c RawCredential) Present() bool        { return c.kind != NoCredential }

// String never includes the credential value.
func (c RawCredential) String() string { return c.kind.String() }

// Extractor reads the RawCredential from requests.
type Extractor struct {
	// CookieName is the session cookie. Empty means DefaultCookieName.
	CookieName string
	// AllowSessionHeader accepts "Authorization: Session <id>" in addition
	// to the cookie.
	AllowSessionHeader bool
}

// Extract returns the request's credential. The session cookie wins over
// the Authorization header.
func (e Extractor) Extract(r *http.Request) RawCredential {
	name := e.CookieName
	if name == "" {
		name = DefaultCookieName
	}
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return Session(c.Value)
	}

	scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return RawCredential{}
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		return APIToken(value)
	case "basic":
		// WakaTime-compatible clients send base64(api_key). A raw token can
		// itself be valid base64, so the decoded form is only taken when it
		// looks like a token.
		if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
			token, _, _ := strings.Cut(string(decoded), ":")
			if token = strings.TrimSpace(token); token != "" && isTokenText(token) {
				return APIToken(token)
			}
		}
		return APIToken(value)
	case "session":
		if e.AllowSessionHeader {
			return Session(value)
		}
	}
	return RawCredential{}
}

func isTokenText(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
