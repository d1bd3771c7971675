// Package cliaccess pairs a command-line client with a user account.
//
// The CLI opens a request and receives a claim key. A logged-in human
// approves the key with their password, which mints an API token. The CLI
// then polls with the claim key and collects the token exactly once, from
// the same IP address that opened the request.
package cliaccess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/coditime/internal/util"
	"github.com/jmcleod/coditime/storage"
)

const (
	// MinKeyLength is the shortest claim key the exchange will issue.
	MinKeyLength = 16

	DefaultRequestTTL    = 15 * time.Minute
	DefaultSweepInterval = time.Minute

	maxKeyAttempts = 8
)

var (
	// ErrNotReady means the key has no result to collect. Unknown keys,
	// keys still awaiting approval and keys already collected all look the
	// same to the caller, who is expected to keep polling until giving up.
	ErrNotReady = errors.New("cli access not ready")
	// ErrIPMismatch means the result was requested from a different IP
	// address than the one that opened the request. The result is gone.
	ErrIPMismatch = errors.New("cli access requested from a different ip address")
	// ErrNotPending means there is no request awaiting approval for the key.
	ErrNotPending = errors.New("no pending cli access for key")
	// ErrInvalidLogin means the approving credentials were rejected.
	ErrInvalidLogin = errors.New("invalid login")
	// ErrKeySpaceExhausted means no free claim key was found within the
	// bounded number of attempts.
	ErrKeySpaceExhausted = errors.New("could not allocate a unique claim key")
)

// LoginVerifier checks a username-or-email and password.
type LoginVerifier interface {
	VerifyLogin(ctx context.Context, login, password string) (storage.User, bool, error)
}

// TokenIssuer mints and revokes CLI tokens.
type TokenIssuer interface {
	IssueCLIToken(ctx context.Context, userID int64, from storage.FromCLI, lifetime time.Duration) (string, storage.APIToken, error)
	RevokeAPIKey(ctx context.Context, userID, tokenID int64) error
}

// Request is a pairing request awaiting approval.
type Request struct {
	FromCLI   storage.FromCLI `json:"from_cli"`
	Username  string          `json:"username,omitempty"`
	IPAddress string          `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}

// Result is an approved request awaiting collection.
type Result struct {
	Request
	UserID      int64
	Token       string
	APIToken    storage.APIToken
	CompletedAt time.Time
}

// Exchange holds pending and completed pairing requests in memory.
type Exchange struct {
	verifier LoginVerifier
	issuer   TokenIssuer
	logger   *slog.Logger
	now      func() time.Time
	newKey   func(n int) (string, error)

	keyLength     int
	requestTTL    time.Duration
	tokenLifetime time.Duration
	sweepInterval time.Duration

	pendingMu sync.RWMutex
	pending   map[string]Request

	completedMu sync.RWMutex
	completed   map[string]Result

	started  atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithKeyLength sets the claim key length. Values below MinKeyLength are
// raised to it.
func WithKeyLength(n int) Option {
	return func(e *Exchange) { e.keyLength = max(n, MinKeyLength) }
}

// WithRequestTTL bounds how long pending and uncollected requests live.
// Zero keeps them until the process exits.
func WithRequestTTL(d time.Duration) Option {
	return func(e *Exchange) { e.requestTTL = d }
}

// WithTokenLifetime sets the expiry of issued tokens. Zero means no expiry.
func WithTokenLifetime(d time.Duration) Option {
	return func(e *Exchange) { e.tokenLifetime = d }
}

// WithSweepInterval sets how often Start sweeps stale requests.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Exchange) { e.sweepInterval = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Exchange) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// New creates an exchange. Call Start to enable the background sweep.
func New(verifier LoginVerifier, issuer TokenIssuer, opts ...Option) *Exchange {
	e := &Exchange{
		verifier:      verifier,
		issuer:        issuer,
		logger:        slog.Default(),
		now:           time.Now,
		newKey:        util.RandomChars,
		keyLength:     MinKeyLength,
		requestTTL:    DefaultRequestTTL,
		sweepInterval: DefaultSweepInterval,
		pending:       make(map[string]Request),
		completed:     make(map[string]Result),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "cliaccess")
	return e
}

// Init opens a pairing request and returns its claim key. The key is
// unique among pending and uncollected requests.
func (e *Exchange) Init(from storage.FromCLI, username, ip string) (string, error) {
	req := Request{FromCLI: from, Username: username, IPAddress: ip, CreatedAt: e.now()}

	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for range maxKeyAttempts {
		key, err := e.newKey(e.keyLength)
		if err != nil {
			return "", fmt.Errorf("generating claim key: %w", err)
		}
		if _, taken := e.pending[key]; taken {
			continue
		}
		e.completedMu.RLock()
		_, taken := e.completed[key]
		e.completedMu.RUnlock()
		if taken {
			continue
		}
		e.pending[key] = req
		return key, nil
	}
	return "", ErrKeySpaceExhausted
}

// Pending returns the request awaiting approval under key.
func (e *Exchange) Pending(key string) (Request, bool) {
	e.pendingMu.RLock()
	defer e.pendingMu.RUnlock()
	req, ok := e.pending[key]
	return req, ok
}

// Approve verifies the login, mints a token for that account and moves the
// request to the completed set. No lock is held while the login is checked
// or the token is minted; if two approvals race, only one mints.
func (e *Exchange) Approve(ctx context.Context, key, login, password string) (storage.User, error) {
	if _, ok := e.Pending(key); !ok {
		return storage.User{}, ErrNotPending
	}

	user, ok, err := e.verifier.VerifyLogin(ctx, login, password)
	if err != nil {
		return storage.User{}, fmt.Errorf("verifying login: %w", err)
	}
	if !ok {
		return storage.User{}, ErrInvalidLogin
	}

	e.pendingMu.Lock()
	req, ok := e.pending[key]
	delete(e.pending, key)
	e.pendingMu.Unlock()
	if !ok {
		return storage.User{}, ErrNotPending
	}

	raw, tok, err := e.issuer.IssueCLIToken(ctx, user.ID, req.FromCLI, e.tokenLifetime)
	if err != nil {
		e.pendingMu.Lock()
		e.pending[key] = req
		e.pendingMu.Unlock()
		return storage.User{}, fmt.Errorf("issuing token: %w", err)
	}

	e.completedMu.Lock()
	e.completed[key] = Result{
		Request:     req,
		UserID:      user.ID,
		Token:       raw,
		APIToken:    tok,
		CompletedAt: e.now(),
	}
	e.completedMu.Unlock()

	e.logger.Info("cli access approved", "user_id", user.ID, "token_id", tok.ID)
	return user, nil
}

// Retrieve collects the result for key. The result is removed whatever
// the outcome, so a key yields its token at most once. A request from the
// wrong IP address gets ErrIPMismatch and the issued token is revoked.
func (e *Exchange) Retrieve(ctx context.Context, key, ip string) (Result, error) {
	e.completedMu.Lock()
	res, ok := e.completed[key]
	delete(e.completed, key)
	e.completedMu.Unlock()
	if !ok {
		return Result{}, ErrNotReady
	}

	if res.IPAddress != ip {
		e.logger.Warn("cli access ip mismatch", "user_id", res.UserID, "expected_ip", res.IPAddress, "ip", ip)
		e.revoke(ctx, res)
		return Result{}, ErrIPMismatch
	}
	return res, nil
}

func (e *Exchange) revoke(ctx context.Context, res Result) {
	if err := e.issuer.RevokeAPIKey(ctx, res.UserID, res.APIToken.ID); err != nil {
		e.logger.Error("failed to revoke cli token", "user_id", res.UserID, "token_id", res.APIToken.ID, "error", err)
	}
}

// Sweep drops pending and completed requests older than the request TTL
// and revokes the tokens of the completed ones. It returns the number of
// requests dropped.
func (e *Exchange) Sweep(ctx context.Context) int {
	if e.requestTTL <= 0 {
		return 0
	}
	cutoff := e.now().Add(-e.requestTTL)

	e.pendingMu.Lock()
	n := 0
	for key, req := range e.pending {
		if req.CreatedAt.Before(cutoff) {
			delete(e.pending, key)
			n++
		}
	}
	e.pendingMu.Unlock()

	var stale []Result
	e.completedMu.Lock()
	for key, res := range e.completed {
		if res.CompletedAt.Before(cutoff) {
			delete(e.completed, key)
			stale = append(stale, res)
		}
	}
	e.completedMu.Unlock()

	for _, res := range stale {
		e.revoke(ctx, res)
	}
	return n + len(stale)
}

// Len returns the number of pending and completed requests.
func (e *Exchange) Len() (pending, completed int) {
	e.pendingMu.RLock()
	pending = len(e.pending)
	e.pendingMu.RUnlock()
	e.completedMu.RLock()
	completed = len(e.completed)
	e.completedMu.RUnlock()
	return pending, completed
}

// Start runs the periodic sweep until Close. It does nothing when the
// sweep interval or request TTL is not positive.
func (e *Exchange) Start() {
	if e.sweepInterval <= 0 || e.requestTTL <= 0 {
		return
	}
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				if n := e.Sweep(context.Background()); n > 0 {
					e.logger.Debug("swept stale cli access requests", "count", n)
				}
			}
		}
	}()
}

// Close stops the sweep started by Start and waits for it to exit.
func (e *Exchange) Close() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.started.Load() {
			<-e.done
		}
	})
}
