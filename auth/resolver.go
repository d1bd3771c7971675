package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/coditime/internal/util"
	"github.com/jmcleod/coditime/session"
	"github.com/jmcleod/coditime/storage"
)

// SessionLookup finds live sessions. session.Store satisfies it.
type SessionLookup interface {
	Get(ctx context.Context, id string) (session.Record, bool, error)
}

// UserLookup loads users by id. A missing user is storage.ErrNotFound.
type UserLookup interface {
	UserByID(ctx context.Context, id int64) (storage.User, error)
}

// TokenLookup finds an active token by the hash of its raw value. Revoked,
// expired and banned-owner tokens are storage.ErrNotFound.
type TokenLookup interface {
	ActiveToken(ctx context.Context, tokenHash string, now time.Time) (storage.APIToken, storage.User, error)
}

// HashAPIToken returns the form in which API tokens are stored and looked up.
func HashAPIToken(raw string) string {
	return util.SHA256Hex(raw)
}

// Resolver converts raw credentials into principals. It only reads.
type Resolver struct {
	sessions SessionLookup
	users    UserLookup
	tokens   TokenLookup
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver creates a resolver. A nil logger uses slog.Default.
func NewResolver(sessions SessionLookup, users UserLookup, tokens TokenLookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		sessions: sessions,
		users:    users,
		tokens:   tokens,
		logger:   logger.With("component", "auth"),
		now:      time.Now,
	}
}

// Resolve authenticates c by whichever method it carries.
func (r *Resolver) Resolve(ctx context.Context, c RawCredential) (Principal, error) {
	switch c.Kind() {
	case SessionCredential:
		return r.resolveSession(ctx, c.Value())
	case APITokenCredential:
		return r.resolveToken(ctx, c.Value())
	default:
		return nil, ErrNoAuthenticationProvided
	}
}

// ResolveSession authenticates c and requires it to be a session. API
// tokens are rejected with ErrMustBeSession without being looked up.
func (r *Resolver) ResolveSession(ctx context.Context, c RawCredential) (*SessionPrincipal, error) {
	switch c.Kind() {
	case SessionCredential:
		return r.resolveSession(ctx, c.Value())
	case APITokenCredential:
		return nil, ErrMustBeSession
	default:
		return nil, ErrNoAuthenticationProvided
	}
}

func (r *Resolver) resolveSession(ctx context.Context, id string) (*SessionPrincipal, error) {
	rec, ok, err := r.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !ok {
		return nil, ErrInvalidSession
	}
	user, err := r.users.UserByID(ctx, rec.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("session references missing user", "user_id", rec.UserID)
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if user.IsBanned {
		return nil, ErrInvalidSession
	}
	return &SessionPrincipal{User: user, Session: rec}, nil
}

func (r *Resolver) resolveToken(ctx context.Context, raw string) (*TokenPrincipal, error) {
	token, user, err := r.tokens.ActiveToken(ctx, HashAPIToken(raw), r.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidAPIToken
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return &TokenPrincipal{User: user, Token: token}, nil
}
