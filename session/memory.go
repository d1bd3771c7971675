package session

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a thread-safe in-memory Store.
// Sessions are lost on server restart.
type MemoryStore struct {
	opts    options
	mu      sync.RWMutex
	data    map[string]Record
	sweeper *sweeper
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. startSize pre-sizes the map.
func NewMemoryStore(startSize int, opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if startSize < 0 {
		startSize = 0
	}
	s := &MemoryStore{
		opts: o,
		data: make(map[string]Record, startSize),
	}
	s.sweeper = startSweeper(o.sweepInterval, o.logger.With("component", "session", "store", "memory"), s.Sweep)
	return s
}

func (s *MemoryStore) Create(_ context.Context, userID int64) (Record, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		rec := s.opts.newRecord(s.opts.newID(), userID)
		s.mu.Lock()
		if _, taken := s.data[rec.ID]; taken {
			s.mu.Unlock()
			continue
		}
		s.data[rec.ID] = rec
		s.mu.Unlock()
		return rec, nil
	}
	return Record{}, fmt.Errorf("%w: %w", ErrStorage, ErrIDExhausted)
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	rec, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, false, nil
	}
	if rec.Expired(s.opts.now()) {
		s.mu.Lock()
		if cur, ok := s.data[id]; ok && cur.Expired(s.opts.now()) {
			delete(s.data, id)
		}
		s.mu.Unlock()
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) Invalidate(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) InvalidateUser(_ context.Context, userID int64, keep string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.data {
		if rec.UserID == userID && id != keep {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.data {
		if rec.Expired(now) {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close stops the background sweeper.
func (s *MemoryStore) Close() error {
	s.sweeper.stop()
	return nil
}
