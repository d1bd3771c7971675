// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/coditime/storage"
)

// Store is a thread-safe in-memory storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu        sync.RWMutex
	users     map[int64]storage.User
	tokens    map[int64]storage.APIToken
	byHash    map[string]int64
	nextUser  int64
	nextToken int64
}

var _ storage.Store = (*Store)(nil)

// New creates a new empty Store.
func New() *Store {
	return &Store{
		users:  make(map[int64]storage.User),
		tokens: make(map[int64]storage.APIToken),
		byHash: make(map[string]int64),
	}
}

func (s *Store) Close() error { return nil }

func cloneToken(t storage.APIToken) storage.APIToken {
	t.Permissions = append([]storage.Permission(nil), t.Permissions...)
	if t.FromCLI != nil {
		fc := *t.FromCLI
		t.FromCLI = &fc
	}
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		t.RevokedAt = &at
	}
	if t.ExpiresAt != nil {
		at := *t.ExpiresAt
		t.ExpiresAt = &at
	}
	return t
}

func (s *Store) CreateUser(_ context.Context, u storage.NewUser) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.FirstOnly && len(s.users) > 0 {
		return storage.User{}, storage.ErrNotFirstUser
	}
	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return storage.User{}, storage.ErrConflict
		}
	}
	s.nextUser++
	user := storage.User{
		ID:           s.nextUser,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		IsAdmin:      len(s.users) == 0,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[user.ID] = user
	return user, nil
}

func (s *Store) UserByID(_ context.Context, id int64) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *Store) UserByLogin(_ context.Context, usernameOrEmail string) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == usernameOrEmail || u.Email == usernameOrEmail {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *Store) CountUsers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *Store) UpdatePassword(_ context.Context, userID int64, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.PasswordHash = passwordHash
	s.users[userID] = u
	return nil
}

func (s *Store) SetBanned(_ context.Context, userID int64, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.IsBanned = banned
	s.users[userID] = u
	return nil
}

func (s *Store) DeleteUser(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.users, userID)
	for id, t := range s.tokens {
		if t.UserID == userID {
			delete(s.byHash, t.TokenHash)
			delete(s.tokens, id)
		}
	}
	return nil
}

func (s *Store) CreateToken(_ context.Context, nt storage.NewToken) (storage.APIToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[nt.UserID]; !ok {
		return storage.APIToken{}, storage.ErrNotFound
	}
	if _, ok := s.byHash[nt.TokenHash]; ok {
		return storage.APIToken{}, storage.ErrConflict
	}
	s.nextToken++
	t := cloneToken(storage.APIToken{
		ID:          s.nextToken,
		UserID:      nt.UserID,
		Name:        nt.Name,
		TokenHash:   nt.TokenHash,
		Permissions: nt.Permissions,
		FromCLI:     nt.FromCLI,
		ExpiresAt:   nt.ExpiresAt,
		CreatedAt:   time.Now().UTC(),
	})
	s.tokens[t.ID] = t
	s.byHash[t.TokenHash] = t.ID
	return cloneToken(t), nil
}

func (s *Store) ActiveToken(_ context.Context, tokenHash string, now time.Time) (storage.APIToken, storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return storage.APIToken{}, storage.User{}, storage.ErrNotFound
	}
	t := s.tokens[id]
	if !t.Active(now) {
		return storage.APIToken{}, storage.User{}, storage.ErrNotFound
	}
	u, ok := s.users[t.UserID]
	if !ok || u.IsBanned {
		return storage.APIToken{}, storage.User{}, storage.ErrNotFound
	}
	return cloneToken(t), u, nil
}

func (s *Store) ListTokens(_ context.Context, userID int64) ([]storage.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.APIToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			out = append(out, cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) RevokeToken(_ context.Context, userID, tokenID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok || t.UserID != userID {
		return storage.ErrNotFound
	}
	if t.RevokedAt == nil {
		at := at.UTC()
		t.RevokedAt = &at
		s.tokens[tokenID] = t
	}
	return nil
}

func (s *Store) RevokeAllTokens(_ context.Context, userID int64, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tokens {
		if t.UserID != userID || t.RevokedAt != nil {
			continue
		}
		at := at.UTC()
		t.RevokedAt = &at
		s.tokens[id] = t
		n++
	}
	return n, nil
}
