// Package storagetest holds the behavioural contract every storage.Store
// backend must satisfy.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/coditime/storage"
)

// Factory returns a fresh, empty store. It is called once per subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the common suite against the stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	open := func(t *testing.T) storage.Store {
		t.Helper()
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("FirstUserIsAdmin", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		first, err := s.CreateUser(ctx, storage.NewUser{Username: "alice", Email: "alice@example.com", PasswordHash: "h1"})
		require.NoError(t, err)
		second, err := s.CreateUser(ctx, storage.NewUser{Username: "bob", Email: "bob@example.com", PasswordHash: "h2"})
		require.NoError(t, err)

		assert.True(t, first.IsAdmin)
		assert.False(t, second.IsAdmin)
		assert.NotEqual(t, first.ID, second.ID)

		n, err := s.CountUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("FirstOnlyInsert", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		first, err := s.CreateUser(ctx, storage.NewUser{Username: "alice", Email: "alice@example.com", FirstOnly: true})
		require.NoError(t, err)
		assert.True(t, first.IsAdmin)

		_, err = s.CreateUser(ctx, storage.NewUser{Username: "bob", Email: "bob@example.com", FirstOnly: true})
		assert.ErrorIs(t, err, storage.ErrNotFirstUser)

		n, err := s.CountUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("CreateUserConflict", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		_, err := s.CreateUser(ctx, storage.NewUser{Username: "alice", Email: "alice@example.com"})
		require.NoError(t, err)

		_, err = s.CreateUser(ctx, storage.NewUser{Username: "alice", Email: "other@example.com"})
		assert.ErrorIs(t, err, storage.ErrConflict)
		_, err = s.CreateUser(ctx, storage.NewUser{Username: "other", Email: "alice@example.com"})
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("Lookups", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		u, err := s.CreateUser(ctx, storage.NewUser{Username: "carol", Email: "carol@example.com", PasswordHash: "hash"})
		require.NoError(t, err)

		byID, err := s.UserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "carol", byID.Username)
		assert.Equal(t, "hash", byID.PasswordHash)

		byName, err := s.UserByUsername(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byName.ID)

		byLogin, err := s.UserByLogin(ctx, "carol@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byLogin.ID)
		byLogin, err = s.UserByLogin(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byLogin.ID)

		_, err = s.UserByID(ctx, u.ID+1000)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.UserByLogin(ctx, "nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdatePassword", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		u, err := s.CreateUser(ctx, storage.NewUser{Username: "dave", Email: "dave@example.com", PasswordHash: "old"})
		require.NoError(t, err)
		require.NoError(t, s.UpdatePassword(ctx, u.ID, "new"))

		got, err := s.UserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "new", got.PasswordHash)

		assert.ErrorIs(t, s.UpdatePassword(ctx, u.ID+1000, "x"), storage.ErrNotFound)
	})

	t.Run("ActiveTokenFilters", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		now := time.Now()

		u, err := s.CreateUser(ctx, storage.NewUser{Username: "erin", Email: "erin@example.com"})
		require.NoError(t, err)

		past := now.Add(-time.Hour)
		future := now.Add(time.Hour)
		live := mustToken(t, s, storage.NewToken{UserID: u.ID, Name: "live", TokenHash: "live", Permissions: storage.AllPermissions()})
		expiring := mustToken(t, s, storage.NewToken{UserID: u.ID, Name: "future", TokenHash: "future", ExpiresAt: &future})
		mustToken(t, s, storage.NewToken{UserID: u.ID, Name: "expired", TokenHash: "expired", ExpiresAt: &past})
		revoked := mustToken(t, s, storage.NewToken{UserID: u.ID, Name: "revoked", TokenHash: "revoked"})
		require.NoError(t, s.RevokeToken(ctx, u.ID, revoked.ID, now))

		tok, owner, err := s.ActiveToken(ctx, "live", now)
		require.NoError(t, err)
		assert.Equal(t, live.ID, tok.ID)
		assert.Equal(t, u.ID, owner.ID)
		assert.ElementsMatch(t, storage.AllPermissions(), tok.Permissions)

		tok, _, err = s.ActiveToken(ctx, "future", now)
		require.NoError(t, err)
		assert.Equal(t, expiring.ID, tok.ID)

		_, _, err = s.ActiveToken(ctx, "expired", now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, _, err = s.ActiveToken(ctx, "revoked", now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, _, err = s.ActiveToken(ctx, "unknown", now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ActiveTokenBannedOrDeletedOwner", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		now := time.Now()

		banned, err := s.CreateUser(ctx, storage.NewUser{Username: "frank", Email: "frank@example.com"})
		require.NoError(t, err)
		gone, err := s.CreateUser(ctx, storage.NewUser{Username: "gina", Email: "gina@example.com"})
		require.NoError(t, err)
		mustToken(t, s, storage.NewToken{UserID: banned.ID, TokenHash: "banned"})
		mustToken(t, s, storage.NewToken{UserID: gone.ID, TokenHash: "gone"})

		require.NoError(t, s.SetBanned(ctx, banned.ID, true))
		require.NoError(t, s.DeleteUser(ctx, gone.ID))

		_, _, err = s.ActiveToken(ctx, "banned", now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, _, err = s.ActiveToken(ctx, "gone", now)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.UserByID(ctx, gone.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.SetBanned(ctx, banned.ID, false))
		_, _, err = s.ActiveToken(ctx, "banned", now)
		assert.NoError(t, err)
	})

	t.Run("FromCLIRoundTrip", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		u, err := s.CreateUser(ctx, storage.NewUser{Username: "hank", Email: "hank@example.com"})
		require.NoError(t, err)
		fc := &storage.FromCLI{MachineHostname: "laptop", CLIVersion: "1.0", CLIPlatform: "linux", CLICommit: "abc123"}
		mustToken(t, s, storage.NewToken{UserID: u.ID, TokenHash: "cli", FromCLI: fc, Permissions: storage.AllPermissions()})

		tok, _, err := s.ActiveToken(ctx, "cli", time.Now())
		require.NoError(t, err)
		require.NotNil(t, tok.FromCLI)
		assert.Equal(t, *fc, *tok.FromCLI)
	})

	t.Run("ListAndRevokeTokens", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		now := time.Now()

		u, err := s.CreateUser(ctx, storage.NewUser{Username: "ivy", Email: "ivy@example.com"})
		require.NoError(t, err)
		other, err := s.CreateUser(ctx, storage.NewUser{Username: "jack", Email: "jack@example.com"})
		require.NoError(t, err)

		t1 := mustToken(t, s, storage.NewToken{UserID: u.ID, Name: "one", TokenHash: "one"})
		mustToken(t, s, storage.NewToken{UserID: u.ID, Name: "two", TokenHash: "two"})
		mustToken(t, s, storage.NewToken{UserID: u.ID, Name: "three", TokenHash: "three"})
		foreign := mustToken(t, s, storage.NewToken{UserID: other.ID, Name: "foreign", TokenHash: "foreign"})

		list, err := s.ListTokens(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "three", list[0].Name)

		// Cannot revoke another user's token.
		assert.ErrorIs(t, s.RevokeToken(ctx, u.ID, foreign.ID, now), storage.ErrNotFound)

		require.NoError(t, s.RevokeToken(ctx, u.ID, t1.ID, now))
		require.NoError(t, s.RevokeToken(ctx, u.ID, t1.ID, now))

		n, err := s.RevokeAllTokens(ctx, u.ID, now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, _, err = s.ActiveToken(ctx, "two", now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, _, err = s.ActiveToken(ctx, "foreign", now)
		assert.NoError(t, err)

		list, err = s.ListTokens(ctx, u.ID)
		require.NoError(t, err)
		for _, tok := range list {
			assert.NotNil(t, tok.RevokedAt, "token %d should be revoked", tok.ID)
		}
	})
}

func mustToken(t *testing.T, s storage.Store, nt storage.NewToken) storage.APIToken {
	t.Helper()
	tok, err := s.CreateToken(context.Background(), nt)
	require.NoError(t, err)
	require.NotZero(t, tok.ID)
	return tok
}
