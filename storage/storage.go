// Package storage defines the account data layer: users and the API tokens
// they own. Backends live in the memory, sqlite and postgres subpackages and
// are exercised against the shared contract in storagetest.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique username or email is already taken.
	ErrConflict = errors.New("already exists")
	// ErrNotFirstUser is returned by CreateUser for a FirstOnly insert when
	// a user already exists.
	ErrNotFirstUser = errors.New("users already exist")
)

// Permission is a capability granted to an API token.
type Permission string

const (
	PermissionWriteHeartbeat Permission = "WriteHeartbeat"
	PermissionReadHeartbeat  Permission = "ReadHeartbeat"
	PermissionReadUsage      Permission = "ReadUsage"
)

// AllPermissions returns every known permission. CLI-issued tokens carry all of them.
func AllPermissions() []Permission {
	return []Permission{PermissionWriteHeartbeat, PermissionReadHeartbeat, PermissionReadUsage}
}

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	switch p {
	case PermissionWriteHeartbeat, PermissionReadHeartbeat, PermissionReadUsage:
		return true
	}
	return false
}

// User is an account. Username and Email are stored normalised.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	IsBanned     bool      `json:"is_banned"`
	CreatedAt    time.Time `json:"created_at"`
}

// FromCLI describes the machine that requested a token through CLI pairing.
type FromCLI struct {
	MachineHostname string `json:"machine_hostname"`
	CLIVersion      string `json:"cli_version"`
	CLIPlatform     string `json:"cli_platform"`
	CLICommit       string `json:"cli_commit,omitempty"`
}

// APIToken is a long-lived bearer credential. Only the SHA-256 hex digest of
// the raw token is ever stored.
type APIToken struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"user_id"`
	Name        string       `json:"name"`
	TokenHash   string       `json:"-"`
	Permissions []Permission `json:"permissions"`
	FromCLI     *FromCLI     `json:"from_cli,omitempty"`
	RevokedAt   *time.Time   `json:"revoked_at,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Active reports whether the token is neither revoked nor expired at now.
func (t APIToken) Active(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || !t.ExpiresAt.Before(now)
}

// NewUser is the input to CreateUser.
type NewUser struct {
	Username     string
	Email        string
	PasswordHash string
	// FirstOnly makes the insert fail with ErrNotFirstUser unless the
	// store is empty.
	FirstOnly bool
}

// NewToken is the input to CreateToken.
type NewToken struct {
	UserID      int64
	Name        string
	TokenHash   string
	Permissions []Permission
	FromCLI     *FromCLI
	ExpiresAt   *time.Time
}

// UserStore persists accounts.
type UserStore interface {
	// CreateUser inserts a user. The first user ever created is made an
	// admin; the check and the insert happen atomically. Returns ErrConflict
	// if the username or email is taken, and ErrNotFirstUser for a
	// FirstOnly insert into a non-empty store.
	CreateUser(ctx context.Context, u NewUser) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	// UserByLogin looks a user up by username or email.
	UserByLogin(ctx context.Context, usernameOrEmail string) (User, error)
	CountUsers(ctx context.Context) (int, error)
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	// SetBanned flips the banned flag. Banned users cannot authenticate.
	SetBanned(ctx context.Context, userID int64, banned bool) error
	// DeleteUser removes a user together with every token they own.
	DeleteUser(ctx context.Context, userID int64) error
}

// TokenStore persists API tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t NewToken) (APIToken, error)
	// ActiveToken returns the token with the given hash joined with its
	// owner. Revoked tokens, tokens expired at now, and tokens whose owner
	// is missing or banned all yield ErrNotFound.
	ActiveToken(ctx context.Context, tokenHash string, now time.Time) (APIToken, User, error)
	// ListTokens returns every token the user owns, newest first.
	ListTokens(ctx context.Context, userID int64) ([]APIToken, error)
	// RevokeToken marks one of the user's tokens revoked. Revoking a token
	// that is already revoked is not an error.
	RevokeToken(ctx context.Context, userID, tokenID int64, at time.Time) error
	// RevokeAllTokens revokes every unrevoked token of the user and returns
	// how many were affected.
	RevokeAllTokens(ctx context.Context, userID int64, at time.Time) (int, error)
}

// Store is the full data layer.
type Store interface {
	UserStore
	TokenStore
	Close() error
}
