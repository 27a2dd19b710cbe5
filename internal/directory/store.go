package directory

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed user directory.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("directory: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("directory: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  username TEXT NOT NULL UNIQUE,
  uuid TEXT NOT NULL UNIQUE,
  password TEXT NOT NULL UNIQUE,
  enabled INTEGER NOT NULL DEFAULT 1,
  traffic_limit INTEGER NOT NULL DEFAULT 0,
  traffic_used INTEGER NOT NULL DEFAULT 0,
  expire_at_unix INTEGER,
  note TEXT NOT NULL DEFAULT '',
  created_at_unix INTEGER NOT NULL,
  updated_at_unix INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS system_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at_unix INTEGER NOT NULL
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("directory: init schema: %w", err)
	}
	return nil
}

const userColumns = `id, username, uuid, password, enabled, traffic_limit, traffic_used,
  expire_at_unix, note, created_at_unix, updated_at_unix`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u                  User
		enabled            int
		expire             sql.NullInt64
		createdAt, updated int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.UUID, &u.Password, &enabled,
		&u.TrafficLimit, &u.TrafficUsed, &expire, &u.Note, &createdAt, &updated)
	if err != nil {
		return User{}, err
	}
	u.Enabled = enabled != 0
	if expire.Valid {
		t := time.Unix(expire.Int64, 0)
		u.ExpireAt = &t
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updated, 0)
	return u, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func newSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func expiryFromDays(now time.Time, days int) sql.NullInt64 {
	return sql.NullInt64{Int64: now.Add(time.Duration(days) * 24 * time.Hour).Unix(), Valid: true}
}

// CreateUser inserts a user with a fresh UUID identity and a random
// 32-hex-char shared secret.
func (s *Store) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	if strings.TrimSpace(nu.Username) == "" {
		return User{}, fmt.Errorf("directory: create user: username is required")
	}
	secret, err := newSecret()
	if err != nil {
		return User{}, fmt.Errorf("directory: generate secret: %w", err)
	}
	now := s.now()
	var expire sql.NullInt64
	if nu.ExpireDays > 0 {
		expire = expiryFromDays(now, nu.ExpireDays)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, uuid, password, enabled, traffic_limit, traffic_used,
		                    expire_at_unix, note, created_at_unix, updated_at_unix)
		 VALUES (?, ?, ?, 1, ?, 0, ?, ?, ?, ?)`,
		nu.Username, uuid.NewString(), secret, nu.TrafficLimit, expire, nu.Note, now.Unix(), now.Unix(),
	)
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("%w: %q", ErrDuplicate, nu.Username)
	}
	if err != nil {
		return User{}, fmt.Errorf("directory: create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("directory: create user: %w", err)
	}
	return s.getUserByID(ctx, id)
}

func (s *Store) getUserByID(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("directory: get user %d: %w", id, err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	if err != nil {
		return User{}, fmt.Errorf("directory: get user %q: %w", username, err)
	}
	return u, nil
}

// ListUsers returns all users ordered by id. A non-empty search filters on
// username or note substrings.
func (s *Store) ListUsers(ctx context.Context, search string) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if search != "" {
		query += ` WHERE username LIKE ? OR note LIKE ?`
		pattern := "%" + search + "%"
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY id`
	return s.queryUsers(ctx, query, args...)
}

// ListActive returns the users eligible for the daemon config right now,
// in insertion order.
func (s *Store) ListActive(ctx context.Context) ([]User, error) {
	users, err := s.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	now := s.now()
	active := users[:0]
	for i := range users {
		if users[i].Active(now) {
			active = append(active, users[i])
		}
	}
	return active, nil
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("directory: list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: list users: %w", err)
	}
	return users, nil
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("directory: count users: %w", err)
	}
	return n, nil
}

// UpdateUser applies the non-nil fields of upd and returns the new record.
func (s *Store) UpdateUser(ctx context.Context, username string, upd UserUpdate) (User, error) {
	now := s.now()
	sets := []string{"updated_at_unix = ?"}
	args := []any{now.Unix()}

	if upd.Username != nil {
		if strings.TrimSpace(*upd.Username) == "" {
			return User{}, fmt.Errorf("directory: update user: username must not be empty")
		}
		sets = append(sets, "username = ?")
		args = append(args, *upd.Username)
	}
	if upd.Note != nil {
		sets = append(sets, "note = ?")
		args = append(args, *upd.Note)
	}
	if upd.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*upd.Enabled))
	}
	if upd.TrafficLimit != nil {
		sets = append(sets, "traffic_limit = ?")
		args = append(args, *upd.TrafficLimit)
	}
	if upd.ExpireDays != nil {
		sets = append(sets, "expire_at_unix = ?")
		if *upd.ExpireDays < 0 {
			args = append(args, sql.NullInt64{})
		} else {
			args = append(args, expiryFromDays(now, *upd.ExpireDays))
		}
	}
	args = append(args, username)

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE username = ?`, args...)
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("%w: %q", ErrDuplicate, *upd.Username)
	}
	if err != nil {
		return User{}, fmt.Errorf("directory: update user %q: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	if upd.Username != nil {
		username = *upd.Username
	}
	return s.GetUser(ctx, username)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) SetEnabled(ctx context.Context, username string, enabled bool) (User, error) {
	return s.UpdateUser(ctx, username, UserUpdate{Enabled: &enabled})
}

// ToggleUser flips the enabled flag.
func (s *Store) ToggleUser(ctx context.Context, username string) (User, error) {
	return s.mutate(ctx, username, `UPDATE users SET enabled = 1 - enabled, updated_at_unix = ? WHERE username = ?`)
}

// ResetUsage zeroes the consumed traffic counter.
func (s *Store) ResetUsage(ctx context.Context, username string) (User, error) {
	return s.mutate(ctx, username, `UPDATE users SET traffic_used = 0, updated_at_unix = ? WHERE username = ?`)
}

func (s *Store) mutate(ctx context.Context, username, stmt string) (User, error) {
	res, err := s.db.ExecContext(ctx, stmt, s.now().Unix(), username)
	if err != nil {
		return User{}, fmt.Errorf("directory: update user %q: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	return s.GetUser(ctx, username)
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("directory: delete user %q: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	return nil
}

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FindByEitherSecret resolves a usage key reported by the daemon, which is
// either a UUID or a shared secret. The lowest id wins if both match.
func (s *Store) FindByEitherSecret(ctx context.Context, key string) (User, error) {
	return findByEitherSecret(ctx, s.db, key)
}

func findByEitherSecret(ctx context.Context, q execQuerier, key string) (User, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE uuid = ? OR password = ? ORDER BY id LIMIT 1`, key, key))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("directory: find user by secret: %w", err)
	}
	return u, nil
}

// IncrementUsage adds delta bytes to a single user's consumed traffic.
func (s *Store) IncrementUsage(ctx context.Context, id, delta int64) error {
	return incrementUsage(ctx, s.db, id, delta, s.now())
}

func incrementUsage(ctx context.Context, q execQuerier, id, delta int64, now time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET traffic_used = traffic_used + ?, updated_at_unix = ? WHERE id = ?`,
		delta, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: user %d: %w", ErrWriteFailed, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyUsage adds a batch of per-key byte deltas in one transaction. Keys
// that match no user are skipped and counted in UsageResult.Missed. On any
// error nothing from the batch is committed.
func (s *Store) ApplyUsage(ctx context.Context, deltas map[string]int64) (UsageResult, error) {
	var result UsageResult
	if len(deltas) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("%w: begin tx: %w", ErrWriteFailed, err)
	}
	defer tx.Rollback()

	keys := make([]string, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := s.now()
	for _, key := range keys {
		delta := deltas[key]
		if delta <= 0 {
			continue
		}
		u, err := findByEitherSecret(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug("usage key matches no user", "err", ErrAttributionMiss, "bytes", delta)
			result.Missed++
			continue
		}
		if err != nil {
			return UsageResult{}, fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
		if err := incrementUsage(ctx, tx, u.ID, delta, now); err != nil {
			return UsageResult{}, err
		}
		result.Applied++
		result.Bytes += delta
	}

	if err := tx.Commit(); err != nil {
		return UsageResult{}, fmt.Errorf("%w: commit: %w", ErrWriteFailed, err)
	}
	return result, nil
}
