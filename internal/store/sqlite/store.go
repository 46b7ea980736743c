// Package sqlite implements the netshare data store backed by a SQLite
// database. It persists sharer profiles and connection records so the
// engine can rebuild its in-memory state after a restart.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/netshare/netshare/internal/domain"
)

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// Store wraps a SQLite database connection for all netshare persistence
// operations.
type Store struct {
	db *sql.DB
}

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sharers (
	id TEXT PRIMARY KEY,
	sharing_enabled INTEGER NOT NULL,
	daily_limit_bytes INTEGER NOT NULL,
	used_bytes_today INTEGER NOT NULL,
	quality_score REAL NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	sharer_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	relay_port INTEGER NOT NULL,
	state TEXT NOT NULL,
	bytes_transferred INTEGER NOT NULL,
	missed_polls INTEGER NOT NULL,
	access_user TEXT NULL,
	access_password_hash TEXT NULL,
	created_at DATETIME NOT NULL,
	last_heartbeat_at DATETIME NULL,
	closed_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_state ON connections(state);
CREATE INDEX IF NOT EXISTS idx_connections_sharer_id ON connections(sharer_id);
CREATE INDEX IF NOT EXISTS idx_connections_client_id ON connections(client_id);
CREATE INDEX IF NOT EXISTS idx_connections_closed_at ON connections(closed_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// SaveSharer inserts or replaces the sharer profile.
func (s *Store) SaveSharer(ctx context.Context, p domain.SharerProfile) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sharers(id, sharing_enabled, daily_limit_bytes, used_bytes_today, quality_score, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	sharing_enabled = excluded.sharing_enabled,
	daily_limit_bytes = excluded.daily_limit_bytes,
	used_bytes_today = excluded.used_bytes_today,
	quality_score = excluded.quality_score,
	updated_at = excluded.updated_at`,
		p.ID, boolToInt(p.SharingEnabled), int64(p.DailyLimitBytes), int64(p.UsedBytesToday), p.QualityScore, p.UpdatedAt.UTC())
	return err
}

// GetSharer returns the sharer by ID, or [domain.ErrSharerNotFound].
func (s *Store) GetSharer(ctx context.Context, id string) (domain.SharerProfile, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, sharing_enabled, daily_limit_bytes, used_bytes_today, quality_score, updated_at
FROM sharers
WHERE id = ?`, id)
	p, err := scanSharer(row)
	if err == sql.ErrNoRows {
		return domain.SharerProfile{}, domain.ErrSharerNotFound
	}
	return p, err
}

// ListSharers returns all sharer profiles ordered by ID.
func (s *Store) ListSharers(ctx context.Context) ([]domain.SharerProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, sharing_enabled, daily_limit_bytes, used_bytes_today, quality_score, updated_at
FROM sharers
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SharerProfile
	for rows.Next() {
		p, err := scanSharer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteSharer removes the sharer row. Missing rows are not an error.
func (s *Store) DeleteSharer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sharers WHERE id = ?`, id)
	return err
}

// SaveConnection inserts or replaces the connection record.
func (s *Store) SaveConnection(ctx context.Context, c domain.Connection) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO connections(id, sharer_id, client_id, relay_port, state, bytes_transferred, missed_polls,
	access_user, access_password_hash, created_at, last_heartbeat_at, closed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	sharer_id = excluded.sharer_id,
	client_id = excluded.client_id,
	relay_port = excluded.relay_port,
	state = excluded.state,
	bytes_transferred = excluded.bytes_transferred,
	missed_polls = excluded.missed_polls,
	access_user = excluded.access_user,
	access_password_hash = excluded.access_password_hash,
	last_heartbeat_at = excluded.last_heartbeat_at,
	closed_at = excluded.closed_at`,
		c.ID, c.SharerID, c.ClientID, c.RelayPort, string(c.State),
		int64(c.BytesTransferred), c.MissedPolls,
		nullableString(c.AccessUser), nullableString(c.AccessPasswordHash),
		c.CreatedAt.UTC(), nullableTime(c.LastHeartbeatAt), nullableTimePtr(c.ClosedAt))
	return err
}

// GetConnection returns the connection by ID, or [domain.ErrConnectionNotFound].
func (s *Store) GetConnection(ctx context.Context, id string) (domain.Connection, error) {
	row := s.db.QueryRowContext(ctx, connectionSelect+` WHERE id = ?`, id)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	return c, err
}

// ListConnections returns all connection records, oldest first.
func (s *Store) ListConnections(ctx context.Context) ([]domain.Connection, error) {
	rows, err := s.db.QueryContext(ctx, connectionSelect+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConnection removes the connection row. Missing rows are not an error.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	return err
}

// PurgeClosedBefore removes terminal connections closed before the cutoff
// and returns how many rows went away.
func (s *Store) PurgeClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM connections
WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const connectionSelect = `
SELECT id, sharer_id, client_id, relay_port, state, bytes_transferred, missed_polls,
	access_user, access_password_hash, created_at, last_heartbeat_at, closed_at
FROM connections`

type scanner interface {
	Scan(dest ...any) error
}

func scanSharer(row scanner) (domain.SharerProfile, error) {
	var p domain.SharerProfile
	var enabled int
	var limit, used int64
	if err := row.Scan(&p.ID, &enabled, &limit, &used, &p.QualityScore, &p.UpdatedAt); err != nil {
		return domain.SharerProfile{}, err
	}
	p.SharingEnabled = enabled != 0
	p.DailyLimitBytes = uint64(limit)
	p.UsedBytesToday = uint64(used)
	return p, nil
}

func scanConnection(row scanner) (domain.Connection, error) {
	var c domain.Connection
	var state string
	var transferred int64
	var accessUser, accessHash sql.NullString
	var heartbeat, closed sql.NullTime
	if err := row.Scan(&c.ID, &c.SharerID, &c.ClientID, &c.RelayPort, &state, &transferred,
		&c.MissedPolls, &accessUser, &accessHash, &c.CreatedAt, &heartbeat, &closed); err != nil {
		return domain.Connection{}, err
	}
	c.State = domain.State(state)
	c.BytesTransferred = uint64(transferred)
	if accessUser.Valid {
		c.AccessUser = accessUser.String
	}
	if accessHash.Valid {
		c.AccessPasswordHash = accessHash.String
	}
	if heartbeat.Valid {
		c.LastHeartbeatAt = heartbeat.Time
	}
	if closed.Valid {
		t := closed.Time
		c.ClosedAt = &t
	}
	return c, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
