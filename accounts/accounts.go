// Package accounts implements user registration, password login and API key
// management on top of a storage.Store.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/coditime/auth"
	"github.com/jmcleod/coditime/internal/util"
	"github.com/jmcleod/coditime/storage"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 32
	minPasswordLen = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLen = 72
	maxKeyNameLen  = 64

	// TokenLength is the number of characters in a raw API token.
	TokenLength = 48
)

// dummyHash is compared against when the account does not exist so failed
// logins take the same time either way.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

var (
	ErrInvalidUsername   = errors.New("username must be 3-32 characters of letters, digits, '.', '_' or '-'")
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrInvalidPassword   = errors.New("password must be between 8 and 72 bytes")
	ErrAccountTaken      = errors.New("username or email already in use")
	ErrWrongPassword     = errors.New("current password is incorrect")
	ErrInvalidKeyName    = errors.New("api key name must be 1-64 characters")
	ErrInvalidPermission = errors.New("unknown api key permission")
	ErrInvalidExpiry     = errors.New("api key expiry must be in the future")
	ErrNotFound          = storage.ErrNotFound
	// ErrRegistrationClosed is returned by RegisterFirst once any account
	// exists.
	ErrRegistrationClosed = errors.New("registration is closed")
)

// Service is the account service.
type Service struct {
	store      storage.Store
	logger     *slog.Logger
	now        func() time.Time
	bcryptCost int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBcryptCost sets the bcrypt work factor.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// New creates a Service over store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "accounts")
	return s
}

// Store returns the underlying data layer.
func (s *Service) Store() storage.Store { return s.store }

func validUsername(name string) bool {
	if len(name) < minUsernameLen || len(name) > maxUsernameLen {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// Register creates an account. Username and email are normalised before
// they are stored. The first account becomes an admin.
func (s *Service) Register(ctx context.Context, username, email, password string) (storage.User, error) {
	return s.register(ctx, username, email, password, false)
}

// RegisterFirst is Register for when public registration is off: it only
// succeeds while no account exists, checked atomically with the insert.
func (s *Service) RegisterFirst(ctx context.Context, username, email, password string) (storage.User, error) {
	return s.register(ctx, username, email, password, true)
}

func (s *Service) register(ctx context.Context, username, email, password string, firstOnly bool) (storage.User, error) {
	username = util.Normalize(username)
	email = util.Normalize(email)
	if !validUsername(username) {
		return storage.User{}, ErrInvalidUsername
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return storage.User{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return storage.User{}, ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hashing password: %w", err)
	}
	user, err := s.store.CreateUser(ctx, storage.NewUser{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		FirstOnly:    firstOnly,
	})
	if errors.Is(err, storage.ErrConflict) {
		return storage.User{}, ErrAccountTaken
	}
	if errors.Is(err, storage.ErrNotFirstUser) {
		return storage.User{}, ErrRegistrationClosed
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("creating user: %w", err)
	}
	s.logger.Info("user registered", "user_id", user.ID, "admin", user.IsAdmin)
	return user, nil
}

// VerifyLogin checks a username-or-email and password pair. A missing
// account, a wrong password and a banned account all report false with a
// nil error.
func (s *Service) VerifyLogin(ctx context.Context, login, password string) (storage.User, bool, error) {
	user, err := s.store.UserByLogin(ctx, util.Normalize(login))
	if errors.Is(err, storage.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return storage.User{}, false, nil
	}
	if err != nil {
		return storage.User{}, false, fmt.Errorf("loading user: %w", err)
	}
	if user.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return storage.User{}, false, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return storage.User{}, false, nil
	}
	if user.IsBanned {
		return storage.User{}, false, nil
	}
	return user, true, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return ErrWrongPassword
	}
	if len(next) < minPasswordLen || len(next) > maxPasswordLen {
		return ErrInvalidPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return s.store.UpdatePassword(ctx, userID, string(hash))
}

// IsFirstUser reports whether no account exists yet.
func (s *Service) IsFirstUser(ctx context.Context) (bool, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// UserByID loads a user.
func (s *Service) UserByID(ctx context.Context, id int64) (storage.User, error) {
	return s.store.UserByID(ctx, id)
}

// LookupUser resolves a numeric id or a username.
func (s *Service) LookupUser(ctx context.Context, idOrName string) (storage.User, error) {
	if id, err := strconv.ParseInt(idOrName, 10, 64); err == nil {
		return s.store.UserByID(ctx, id)
	}
	return s.store.UserByUsername(ctx, util.Normalize(idOrName))
}

// SetBanned bans or unbans a user and, when banning, revokes their tokens.
func (s *Service) SetBanned(ctx context.Context, userID int64, banned bool) error {
	if err := s.store.SetBanned(ctx, userID, banned); err != nil {
		return err
	}
	if banned {
		if _, err := s.store.RevokeAllTokens(ctx, userID, s.now()); err != nil {
			return fmt.Errorf("revoking tokens: %w", err)
		}
	}
	return nil
}

// NewAPIKey describes a key to mint.
type NewAPIKey struct {
	Name        string
	Permissions []storage.Permission
	ExpiresAt   *time.Time
	FromCLI     *storage.FromCLI
}

// CreateAPIKey mints a token for the user and returns the raw value, which
// is never stored and cannot be recovered later.
func (s *Service) CreateAPIKey(ctx context.Context, userID int64, key NewAPIKey) (string, storage.APIToken, error) {
	if n := utf8.RuneCountInString(key.Name); n == 0 || n > maxKeyNameLen {
		return "", storage.APIToken{}, ErrInvalidKeyName
	}
	for _, p := range key.Permissions {
		if !p.Valid() {
			return "", storage.APIToken{}, fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(s.now()) {
		return "", storage.APIToken{}, ErrInvalidExpiry
	}
	return s.mint(ctx, storage.NewToken{
		UserID:      userID,
		Name:        key.Name,
		Permissions: key.Permissions,
		ExpiresAt:   key.ExpiresAt,
		FromCLI:     key.FromCLI,
	})
}

// IssueCLIToken mints a full-permission token for a paired CLI. A zero
// lifetime means the token does not expire.
func (s *Service) IssueCLIToken(ctx context.Context, userID int64, from storage.FromCLI, lifetime time.Duration) (string, storage.APIToken, error) {
	name := "cli"
	if from.MachineHostname != "" {
		name = "cli@" + from.MachineHostname
		if utf8.RuneCountInString(name) > maxKeyNameLen {
			name = string([]rune(name)[:maxKeyNameLen])
		}
	}
	nt := storage.NewToken{
		UserID:      userID,
		Name:        name,
		Permissions: storage.AllPermissions(),
		FromCLI:     &from,
	}
	if lifetime > 0 {
		exp := s.now().Add(lifetime)
		nt.ExpiresAt = &exp
	}
	return s.mint(ctx, nt)
}

func (s *Service) mint(ctx context.Context, nt storage.NewToken) (string, storage.APIToken, error) {
	raw, err := util.RandomChars(TokenLength)
	if err != nil {
		return "", storage.APIToken{}, fmt.Errorf("generating token: %w", err)
	}
	nt.TokenHash = auth.HashAPIToken(raw)
	tok, err := s.store.CreateToken(ctx, nt)
	if err != nil {
		return "", storage.APIToken{}, fmt.Errorf("creating token: %w", err)
	}
	return raw, tok, nil
}

// ListAPIKeys returns the user's keys, newest first.
func (s *Service) ListAPIKeys(ctx context.Context, userID int64) ([]storage.APIToken, error) {
	return s.store.ListTokens(ctx, userID)
}

// RevokeAPIKey revokes one of the user's keys.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, tokenID int64) error {
	return s.store.RevokeToken(ctx, userID, tokenID, s.now())
}

// RevokeAllAPIKeys revokes every key the user holds.
func (s *Service) RevokeAllAPIKeys(ctx context.Context, userID int64) (int, error) {
	return s.store.RevokeAllTokens(ctx, userID, s.now())
}
