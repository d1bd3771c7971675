// Package postgres implements storage.Store backed by PostgreSQL.
//
// Permissions are stored as a TEXT[] and CLI metadata as JSONB so that the
// token table stays a single row per credential.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/coditime/storage"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	// firstUserLockKey serialises user creation so exactly one user is
	// created while the table is empty.
	firstUserLockKey = 0x636f646974696d65
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a connection pool from a DSN string, ensures the schema
// exists, and returns a new Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const userColumns = `id, username, email, password_hash, is_admin, is_banned, created_at`

func scanUser(row pgx.Row) (storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.IsBanned, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	return u, err
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, nu storage.NewUser) (storage.User, error) {
	var u storage.User
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(firstUserLockKey)); err != nil {
			return err
		}
		if nu.FirstOnly {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users)`).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return storage.ErrNotFirstUser
			}
		}
		var err error
		u, err = scanUser(tx.QueryRow(ctx,
			`INSERT INTO users (username, email, password_hash, is_admin)
			 VALUES ($1, $2, $3, NOT EXISTS (SELECT 1 FROM users))
			 RETURNING `+userColumns,
			nu.Username, nu.Email, nu.PasswordHash))
		return err
	})
	if pgCode(err) == pgUniqueViolation {
		return storage.User{}, storage.ErrConflict
	}
	if errors.Is(err, storage.ErrNotFirstUser) {
		return storage.User{}, err
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) UserByUsername(ctx context.Context, username string) (storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *Store) UserByLogin(ctx context.Context, usernameOrEmail string) (storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1 OR email = $1 LIMIT 1`, usernameOrEmail))
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

func (s *Store) execAffectingOne(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.execAffectingOne(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, passwordHash, userID)
}

func (s *Store) SetBanned(ctx context.Context, userID int64, banned bool) error {
	return s.execAffectingOne(ctx, `UPDATE users SET is_banned = $1 WHERE id = $2`, banned, userID)
}

func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	return s.execAffectingOne(ctx, `DELETE FROM users WHERE id = $1`, userID)
}

// ---------------------------------------------------------------------------
// API tokens
// ---------------------------------------------------------------------------

const tokenColumns = `t.id, t.user_id, t.name, t.token_hash, t.permissions, t.from_cli, t.revoked_at, t.expires_at, t.created_at`

func scanToken(row pgx.Row, extra ...any) (storage.APIToken, error) {
	var (
		t       storage.APIToken
		perms   []string
		fromCLI []byte
	)
	dest := append([]any{&t.ID, &t.UserID, &t.Name, &t.TokenHash, &perms, &fromCLI, &t.RevokedAt, &t.ExpiresAt, &t.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.APIToken{}, storage.ErrNotFound
		}
		return storage.APIToken{}, err
	}
	t.Permissions = make([]storage.Permission, len(perms))
	for i, p := range perms {
		t.Permissions[i] = storage.Permission(p)
	}
	if fromCLI != nil {
		t.FromCLI = new(storage.FromCLI)
		if err := json.Unmarshal(fromCLI, t.FromCLI); err != nil {
			return storage.APIToken{}, fmt.Errorf("decoding from_cli: %w", err)
		}
	}
	return t, nil
}

func (s *Store) CreateToken(ctx context.Context, nt storage.NewToken) (storage.APIToken, error) {
	perms := make([]string, len(nt.Permissions))
	for i, p := range nt.Permissions {
		perms[i] = string(p)
	}
	var fromCLI []byte
	if nt.FromCLI != nil {
		b, err := json.Marshal(nt.FromCLI)
		if err != nil {
			return storage.APIToken{}, err
		}
		fromCLI = b
	}

	t, err := scanToken(s.pool.QueryRow(ctx,
		`INSERT INTO api_tokens AS t (user_id, name, token_hash, permissions, from_cli, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+tokenColumns,
		nt.UserID, nt.Name, nt.TokenHash, perms, fromCLI, nt.ExpiresAt))
	switch pgCode(err) {
	case pgUniqueViolation:
		return storage.APIToken{}, storage.ErrConflict
	case pgForeignKeyViolation:
		return storage.APIToken{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.APIToken{}, fmt.Errorf("inserting api token: %w", err)
	}
	return t, nil
}

func (s *Store) ActiveToken(ctx context.Context, tokenHash string, now time.Time) (storage.APIToken, storage.User, error) {
	var u storage.User
	t, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+`,
		        u.id, u.username, u.email, u.password_hash, u.is_admin, u.is_banned, u.created_at
		 FROM api_tokens t JOIN users u ON u.id = t.user_id
		 WHERE t.token_hash = $1
		   AND t.revoked_at IS NULL
		   AND (t.expires_at IS NULL OR t.expires_at >= $2)
		   AND NOT u.is_banned`,
		tokenHash, now),
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.IsBanned, &u.CreatedAt)
	if err != nil {
		return storage.APIToken{}, storage.User{}, err
	}
	return t, u, nil
}

func (s *Store) ListTokens(ctx context.Context, userID int64) ([]storage.APIToken, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens t WHERE t.user_id = $1 ORDER BY t.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api tokens: %w", err)
	}
	defer rows.Close()

	var out []storage.APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RevokeToken(ctx context.Context, userID, tokenID int64, at time.Time) error {
	return s.execAffectingOne(ctx,
		`UPDATE api_tokens SET revoked_at = COALESCE(revoked_at, $1) WHERE id = $2 AND user_id = $3`,
		at, tokenID, userID)
}

func (s *Store) RevokeAllTokens(ctx context.Context, userID int64, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_tokens SET revoked_at = $1 WHERE user_id = $2 AND revoked_at IS NULL`, at, userID)
	if err != nil {
		return 0, fmt.Errorf("revoking api tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
