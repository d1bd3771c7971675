// Package session implements server-side login sessions behind a pluggable
// Store: an in-memory map or a bbolt file that survives restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/coditime/internal/uuid"
)

const (
	DefaultLifetime      = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute

	// maxCreateAttempts bounds identifier regeneration on collision.
	maxCreateAttempts = 8
)

var (
	// ErrStorage wraps failures of the backing medium.
	ErrStorage = errors.New("session storage error")
	// ErrIDExhausted is returned when no unused identifier could be generated.
	ErrIDExhausted = errors.New("could not generate a unique session id")
)

// Record is the server-side state of one login session.
type Record struct {
	ID        string    `json:"-"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its lifetime at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store maps opaque session identifiers to records.
//
// Get treats an expired record as absent and removes it. Invalidate is
// idempotent. Errors are only returned for failures of the backing medium
// and wrap ErrStorage.
type Store interface {
	Create(ctx context.Context, userID int64) (Record, error)
	Get(ctx context.Context, id string) (Record, bool, error)
	Invalidate(ctx context.Context, id string) error
	// InvalidateUser removes every session of userID except the one with
	// identifier keep (which may be empty) and returns how many were removed.
	InvalidateUser(ctx context.Context, userID int64, keep string) (int, error)
	// Sweep removes all expired sessions and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// Option configures a Store.
type Option func(*options)

type options struct {
	lifetime      time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

func defaultOptions() options {
	return options{
		lifetime:      DefaultLifetime,
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default(),
		now:           time.Now,
		newID:         uuid.New,
	}
}

// WithLifetime sets how long a new session stays valid.
func WithLifetime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lifetime = d
		}
	}
}

// WithSweepInterval sets how often expired sessions are purged in the
// background. Zero or negative disables the sweeper; expired records are
// then only dropped lazily by Get.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithLogger sets the logger used by the background sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// withIDGenerator overrides identifier generation. Tests use it to force
// collisions.
func withIDGenerator(gen func() string) Option {
	return func(o *options) { o.newID = gen }
}

func (o options) newRecord(id string, userID int64) Record {
	now := o.now().UTC()
	return Record{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(o.lifetime),
	}
}

// sweeper runs a Store's Sweep on a ticker until stopped.
type sweeper struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func startSweeper(interval time.Duration, logger *slog.Logger, sweep func(context.Context) (int, error)) *sweeper {
	sw := &sweeper{stopCh: make(chan struct{}), done: make(chan struct{})}
	if interval <= 0 {
		close(sw.done)
		return sw
	}
	go func() {
		defer close(sw.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sw.stopCh:
				return
			case <-ticker.C:
				n, err := sweep(context.Background())
				if err != nil {
					logger.Warn("session sweep failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Debug("swept expired sessions", "removed", n)
				}
			}
		}
	}()
	return sw
}

func (sw *sweeper) stop() {
	sw.stopOnce.Do(func() { close(sw.stopCh) })
	<-sw.done
}

// Store kinds accepted by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
)

// Open builds the Store selected by kind. startSize applies to the memory
// store and path to the file store.
func Open(kind string, startSize int, path string, opts ...Option) (Store, error) {
	switch kind {
	case KindMemory, "":
		return NewMemoryStore(startSize, opts...), nil
	case KindFile:
		if path == "" {
			return nil, fmt.Errorf("%w: file session store requires a path", ErrStorage)
		}
		return NewFileStore(path, opts...)
	default:
		return nil, fmt.Errorf("unknown session store kind %q", kind)
	}
}
