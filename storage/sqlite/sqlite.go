// Package sqlite implements storage.Store on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/coditime/storage"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and ensures the schema.
// Parent directories are created if missing.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "driver", "sqlite")

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const userColumns = `id, username, email, password_hash, is_admin, is_banned, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (storage.User, error) {
	var (
		u       storage.User
		created string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.IsBanned, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, err
	}
	t, err := parseTime(created)
	if err != nil {
		return storage.User{}, fmt.Errorf("parsing user created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, nu storage.NewUser) (storage.User, error) {
	now := time.Now()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, password_hash, is_admin, is_banned, created_at)
		 SELECT ?, ?, ?, (SELECT COUNT(*) = 0 FROM users), 0, ?
		 WHERE NOT ? OR NOT EXISTS (SELECT 1 FROM users)
		 RETURNING `+userColumns,
		nu.Username, nu.Email, nu.PasswordHash, formatTime(now), nu.FirstOnly)
	u, err := scanUser(row)
	if isUniqueViolation(err) {
		return storage.User{}, storage.ErrConflict
	}
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, storage.ErrNotFirstUser
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *Store) UserByUsername(ctx context.Context, username string) (storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (s *Store) UserByLogin(ctx context.Context, usernameOrEmail string) (storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ? OR email = ? LIMIT 1`,
		usernameOrEmail, usernameOrEmail))
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

func (s *Store) execAffectingOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.execAffectingOne(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, userID)
}

func (s *Store) SetBanned(ctx context.Context, userID int64, banned bool) error {
	return s.execAffectingOne(ctx, `UPDATE users SET is_banned = ? WHERE id = ?`, banned, userID)
}

func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	// api_tokens rows go with the user through ON DELETE CASCADE.
	return s.execAffectingOne(ctx, `DELETE FROM users WHERE id = ?`, userID)
}

const (
	tokenColumns          = `id, user_id, name, token_hash, permissions, from_cli, revoked_at, expires_at, created_at`
	qualifiedTokenColumns = `t.id, t.user_id, t.name, t.token_hash, t.permissions, t.from_cli, t.revoked_at, t.expires_at, t.created_at`
)

func scanToken(row rowScanner, extra ...any) (storage.APIToken, error) {
	var (
		t                storage.APIToken
		perms            string
		fromCLI          sql.NullString
		revoked, expires sql.NullString
		created          string
	)
	dest := append([]any{&t.ID, &t.UserID, &t.Name, &t.TokenHash, &perms, &fromCLI, &revoked, &expires, &created}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.APIToken{}, storage.ErrNotFound
		}
		return storage.APIToken{}, err
	}
	if err := json.Unmarshal([]byte(perms), &t.Permissions); err != nil {
		return storage.APIToken{}, fmt.Errorf("decoding permissions: %w", err)
	}
	if fromCLI.Valid {
		t.FromCLI = new(storage.FromCLI)
		if err := json.Unmarshal([]byte(fromCLI.String), t.FromCLI); err != nil {
			return storage.APIToken{}, fmt.Errorf("decoding from_cli: %w", err)
		}
	}
	var err error
	if t.RevokedAt, err = parseNullTime(revoked); err != nil {
		return storage.APIToken{}, err
	}
	if t.ExpiresAt, err = parseNullTime(expires); err != nil {
		return storage.APIToken{}, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return storage.APIToken{}, err
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func (s *Store) CreateToken(ctx context.Context, nt storage.NewToken) (storage.APIToken, error) {
	perms := nt.Permissions
	if perms == nil {
		perms = []storage.Permission{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return storage.APIToken{}, err
	}
	var fromCLI sql.NullString
	if nt.FromCLI != nil {
		b, err := json.Marshal(nt.FromCLI)
		if err != nil {
			return storage.APIToken{}, err
		}
		fromCLI = sql.NullString{String: string(b), Valid: true}
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO api_tokens (user_id, name, token_hash, permissions, from_cli, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+tokenColumns,
		nt.UserID, nt.Name, nt.TokenHash, string(permsJSON), fromCLI, nullTime(nt.ExpiresAt), formatTime(time.Now()))
	t, err := scanToken(row)
	switch {
	case isUniqueViolation(err):
		return storage.APIToken{}, storage.ErrConflict
	case err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return storage.APIToken{}, storage.ErrNotFound
	case err != nil:
		return storage.APIToken{}, fmt.Errorf("inserting api token: %w", err)
	}
	return t, nil
}

func (s *Store) ActiveToken(ctx context.Context, tokenHash string, now time.Time) (storage.APIToken, storage.User, error) {
	var (
		u       storage.User
		created string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+qualifiedTokenColumns+`,
		        u.id, u.username, u.email, u.password_hash, u.is_admin, u.is_banned, u.created_at
		 FROM api_tokens t JOIN users u ON u.id = t.user_id
		 WHERE t.token_hash = ?
		   AND t.revoked_at IS NULL
		   AND (t.expires_at IS NULL OR t.expires_at >= ?)
		   AND u.is_banned = 0`,
		tokenHash, formatTime(now))
	t, err := scanToken(row, &u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.IsBanned, &created)
	if err != nil {
		return storage.APIToken{}, storage.User{}, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return storage.APIToken{}, storage.User{}, err
	}
	return t, u, nil
}

func (s *Store) ListTokens(ctx context.Context, userID int64) ([]storage.APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE user_id = ? ORDER BY id DESC`, userID)
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
		`UPDATE api_tokens SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ? AND user_id = ?`,
		formatTime(at), tokenID, userID)
}

func (s *Store) RevokeAllTokens(ctx context.Context, userID int64, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`,
		formatTime(at), userID)
	if err != nil {
		return 0, fmt.Errorf("revoking api tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
