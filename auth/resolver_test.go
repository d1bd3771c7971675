package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/coditime/auth"
	"github.com/jmcleod/coditime/session"
	"github.com/jmcleod/coditime/storage"
	"github.com/jmcleod/coditime/storage/memory"
)

type fixture struct {
	resolver *auth.Resolver
	sessions *session.MemoryStore
	store    *memory.Store
	user     storage.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sessions := session.NewMemoryStore(8, session.WithSweepInterval(0))
	t.Cleanup(func() { _ = sessions.Close() })
	store := memory.New()

	user, err := store.CreateUser(t.Context(), storage.NewUser{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)

	return &fixture{
		resolver: auth.NewResolver(sessions, store, store, nil),
		sessions: sessions,
		store:    store,
		user:     user,
	}
}

func (f *fixture) token(t *testing.T, raw string, nt storage.NewToken) storage.APIToken {
	t.Helper()
	nt.UserID = f.user.ID
	nt.TokenHash = auth.HashAPIToken(raw)
	tok, err := f.store.CreateToken(t.Context(), nt)
	require.NoError(t, err)
	return tok
}

func TestResolveSession(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	rec, err := f.sessions.Create(ctx, f.user.ID)
	require.NoError(t, err)

	p, err := f.resolver.Resolve(ctx, auth.Session(rec.ID))
	require.NoError(t, err)
	sp, ok := p.(*auth.SessionPrincipal)
	require.True(t, ok, "expected session principal, got %T", p)
	assert.Equal(t, f.user.ID, sp.UserID())
	assert.Equal(t, rec.ID, sp.Session.ID)
	assert.Equal(t, "alice", sp.AsUser().Username)

	sp, err = f.resolver.ResolveSession(ctx, auth.Session(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, sp.UserID())
}

func TestResolveAPIToken(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	tok := f.token(t, "raw-token", storage.NewToken{Name: "laptop", Permissions: storage.AllPermissions()})

	p, err := f.resolver.Resolve(ctx, auth.APIToken("raw-token"))
	require.NoError(t, err)
	tp, ok := p.(*auth.TokenPrincipal)
	require.True(t, ok, "expected token principal, got %T", p)
	assert.Equal(t, tok.ID, tp.Token.ID)
	assert.Equal(t, f.user.ID, tp.UserID())
	assert.True(t, tp.HasPermission(storage.PermissionWriteHeartbeat))

	_, err = f.resolver.ResolveSession(ctx, auth.APIToken("raw-token"))
	assert.ErrorIs(t, err, auth.ErrMustBeSession)
}

func TestResolveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	past := time.Now().Add(-time.Minute)

	f.token(t, "expired", storage.NewToken{ExpiresAt: &past})
	revoked := f.token(t, "revoked", storage.NewToken{})
	require.NoError(t, f.store.RevokeToken(ctx, f.user.ID, revoked.ID, time.Now()))

	_, err := f.resolver.Resolve(ctx, auth.RawCredential{})
	assert.ErrorIs(t, err, auth.ErrNoAuthenticationProvided)
	_, err = f.resolver.ResolveSession(ctx, auth.RawCredential{})
	assert.ErrorIs(t, err, auth.ErrNoAuthenticationProvided)

	_, err = f.resolver.Resolve(ctx, auth.Session("does-not-exist"))
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
	_, err = f.resolver.Resolve(ctx, auth.APIToken("does-not-exist"))
	assert.ErrorIs(t, err, auth.ErrInvalidAPIToken)
	_, err = f.resolver.Resolve(ctx, auth.APIToken("expired"))
	assert.ErrorIs(t, err, auth.ErrInvalidAPIToken)
	_, err = f.resolver.Resolve(ctx, auth.APIToken("revoked"))
	assert.ErrorIs(t, err, auth.ErrInvalidAPIToken)
}

func TestResolveSessionOwnerGone(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	rec, err := f.sessions.Create(ctx, f.user.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteUser(ctx, f.user.ID))

	_, err = f.resolver.Resolve(ctx, auth.Session(rec.ID))
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
}

func TestResolveBannedUser(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	rec, err := f.sessions.Create(ctx, f.user.ID)
	require.NoError(t, err)
	f.token(t, "tok", storage.NewToken{})
	require.NoError(t, f.store.SetBanned(ctx, f.user.ID, true))

	_, err = f.resolver.Resolve(ctx, auth.Session(rec.ID))
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
	_, err = f.resolver.Resolve(ctx, auth.APIToken("tok"))
	assert.ErrorIs(t, err, auth.ErrInvalidAPIToken)
}

func TestResolveExpiredSession(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	sessions := session.NewMemoryStore(1, session.WithSweepInterval(0), session.WithClock(func() time.Time { return clock() }))
	t.Cleanup(func() { _ = sessions.Close() })
	store := memory.New()
	user, err := store.CreateUser(t.Context(), storage.NewUser{Username: "bob", Email: "bob@example.com"})
	require.NoError(t, err)
	r := auth.NewResolver(sessions, store, store, nil)

	rec, err := sessions.Create(t.Context(), user.ID)
	require.NoError(t, err)

	later := now.Add(session.DefaultLifetime + time.Second)
	clock = func() time.Time { return later }

	_, err = r.Resolve(t.Context(), auth.Session(rec.ID))
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
}

type failingSessions struct{}

func (failingSessions) Get(context.Context, string) (session.Record, bool, error) {
	return session.Record{}, false, errors.New("disk on fire")
}

type failingTokens struct{}

func (failingTokens) ActiveToken(context.Context, string, time.Time) (storage.APIToken, storage.User, error) {
	return storage.APIToken{}, storage.User{}, errors.New("connection reset")
}

type failingUsers struct{}

func (failingUsers) UserByID(context.Context, int64) (storage.User, error) {
	return storage.User{}, errors.New("connection reset")
}

func TestResolveStorageErrors(t *testing.T) {
	ctx := t.Context()

	r := auth.NewResolver(failingSessions{}, failingUsers{}, failingTokens{}, nil)
	_, err := r.Resolve(ctx, auth.Session("sid"))
	assert.ErrorIs(t, err, auth.ErrStorage)
	_, err = r.Resolve(ctx, auth.APIToken("tok"))
	assert.ErrorIs(t, err, auth.ErrStorage)

	sessions := session.NewMemoryStore(1, session.WithSweepInterval(0))
	t.Cleanup(func() { _ = sessions.Close() })
	rec, err := sessions.Create(ctx, 1)
	require.NoError(t, err)
	r = auth.NewResolver(sessions, failingUsers{}, failingTokens{}, nil)
	_, err = r.Resolve(ctx, auth.Session(rec.ID))
	assert.ErrorIs(t, err, auth.ErrStorage)
	assert.Equal(t, 500, auth.HTTPStatus(err))
}
