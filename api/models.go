package api

import (
	"time"

	"github.com/jmcleod/coditime/recaptcha"
	"github.com/jmcleod/coditime/session"
	"github.com/jmcleod/coditime/storage"
)

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

// User is the account as shown to its owner.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

func userFrom(u storage.User) User {
	return User{ID: u.ID, Username: u.Username, Email: u.Email, IsAdmin: u.IsAdmin, CreatedAt: u.CreatedAt}
}

// PublicUser is the account as shown to anyone.
type PublicUser struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

func publicUserFrom(u storage.User) PublicUser {
	return PublicUser{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin, CreatedAt: u.CreatedAt}
}

// Session describes a login session. The identifier is only ever sent in
// the login response and the cookie.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func sessionFrom(rec session.Record) Session {
	return Session{ID: rec.ID, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt}
}

// APIKey describes a token without its secret.
type APIKey struct {
	ID          int64                `json:"id"`
	Name        string               `json:"name"`
	Permissions []storage.Permission `json:"permissions"`
	FromCLI     *storage.FromCLI     `json:"from_cli,omitempty"`
	RevokedAt   *time.Time           `json:"revoked_at,omitempty"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

func apiKeyFrom(t storage.APIToken) APIKey {
	perms := t.Permissions
	if perms == nil {
		perms = []storage.Permission{}
	}
	return APIKey{
		ID:          t.ID,
		Name:        t.Name,
		Permissions: perms,
		FromCLI:     t.FromCLI,
		RevokedAt:   t.RevokedAt,
		ExpiresAt:   t.ExpiresAt,
		CreatedAt:   t.CreatedAt,
	}
}

// StateResponse is returned from GET /state.
type StateResponse struct {
	IsFirstUser        bool                    `json:"is_first_user"`
	PublicRegistration bool                    `json:"public_registration"`
	HomeURL            string                  `json:"home_url,omitempty"`
	Recaptcha          *recaptcha.PublicConfig `json:"recaptcha,omitempty"`
	StartedAt          time.Time               `json:"started_at"`
}

// RegisterRequest is the JSON body for POST /register.
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Recaptcha string `json:"g-recaptcha-response,omitempty"`
}

// LoginRequest is the JSON body for POST /login and
// POST /cli/complete-access/{key}.
type LoginRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
	Password        string `json:"password"`
	Recaptcha       string `json:"g-recaptcha-response,omitempty"`
}

// LoginResponse is returned from POST /login.
type LoginResponse struct {
	User    User    `json:"user"`
	Session Session `json:"session"`
}

// UpdatePasswordRequest is the JSON body for PUT /me/update/password.
type UpdatePasswordRequest struct {
	Password      string `json:"password"`
	OldPassword   string `json:"old_password"`
	ForceLogout   bool   `json:"force_logout"`
	RemoveAPIKeys bool   `json:"remove_api_keys"`
	Recaptcha     string `json:"g-recaptcha-response,omitempty"`
}

// UpdatePasswordResponse is returned from PUT /me/update/password.
type UpdatePasswordResponse struct {
	RemovedSessions int `json:"removed_sessions"`
	RemovedAPIKeys  int `json:"removed_api_keys"`
}

// CreateAPIKeyRequest is the JSON body for POST /me/api-keys.
type CreateAPIKeyRequest struct {
	Name        string               `json:"name"`
	Permissions []storage.Permission `json:"permissions"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
}

// CreateAPIKeyResponse carries the raw token. It is shown exactly once.
type CreateAPIKeyResponse struct {
	Token string `json:"token"`
	Key   APIKey `json:"key"`
}

// ListAPIKeysResponse is returned from GET /me/api-keys.
type ListAPIKeysResponse struct {
	Keys []APIKey `json:"keys"`
	PaginationMeta
}

// InitCLISessionRequest is the JSON body for POST /cli/init-session.
type InitCLISessionRequest struct {
	Username string `json:"username,omitempty"`
	storage.FromCLI
}

// InitCLISessionResponse is returned from POST /cli/init-session.
type InitCLISessionResponse struct {
	Token       string `json:"token"`
	AbsoluteURL string `json:"absolute_url,omitempty"`
}

// PendingCLIAccessResponse describes a request awaiting approval.
type PendingCLIAccessResponse struct {
	Username  string          `json:"username,omitempty"`
	FromCLI   storage.FromCLI `json:"from_cli"`
	CreatedAt time.Time       `json:"created_at"`
}

// CLIAccessPendingResponse is returned with 202 while the key has no result.
type CLIAccessPendingResponse struct {
	Status string `json:"status"`
}

// CLIAccessResult is returned from GET /cli/retrieve-result/{key}.
type CLIAccessResult struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
	Key    APIKey `json:"key"`
}
