// Package sqlite persists the quota state and reading history in a local
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/quota"
)

const opTimeout = 3 * time.Second

// Store implements quota.Store, quota.SnapshotStore and ports.ReadingStore.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty sqlite database path")
	}
	if path != ":memory:" {
		parent := filepath.Dir(path)
		if parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pragmas := []string{`PRAGMA busy_timeout = 5000;`, `PRAGMA foreign_keys = ON;`}
	if path != ":memory:" {
		pragmas = append(pragmas, `PRAGMA journal_mode = WAL;`)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS quota_record (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			next_draw_time INTEGER NOT NULL,
			fingerprint TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quota_snapshot (
			user_id TEXT PRIMARY KEY,
			remaining INTEGER NOT NULL,
			reset_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS readings (
			draw_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			spread TEXT NOT NULL,
			interpretation TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS readings_user_created ON readings (user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Read(ctx context.Context) (quota.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		next int64
		rec  quota.Record
	)
	err := s.db.QueryRowContext(ctx, `SELECT next_draw_time, fingerprint FROM quota_record WHERE id = 1`).
		Scan(&next, &rec.DeviceFingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Record{}, nil
	}
	if err != nil {
		return quota.Record{}, fmt.Errorf("read quota record: %w", err)
	}
	rec.NextDrawTime = fromNanos(next)
	return rec, nil
}

func (s *Store) Write(ctx context.Context, rec quota.Record) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_record (id, next_draw_time, fingerprint) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET next_draw_time = excluded.next_draw_time, fingerprint = excluded.fingerprint`,
		toNanos(rec.NextDrawTime), rec.DeviceFingerprint)
	if err != nil {
		return fmt.Errorf("write quota record: %w", err)
	}
	return nil
}

func (s *Store) ReadSnapshot(ctx context.Context, userID string) (ports.ServerQuota, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		remaining int
		reset     int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT remaining, reset_at FROM quota_snapshot WHERE user_id = ?`, userID).
		Scan(&remaining, &reset)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ServerQuota{}, nil
	}
	if err != nil {
		return ports.ServerQuota{}, fmt.Errorf("read quota snapshot: %w", err)
	}
	return ports.ServerQuota{Known: true, Remaining: remaining, ResetAt: fromNanos(reset)}, nil
}

func (s *Store) WriteSnapshot(ctx context.Context, userID string, q ports.ServerQuota) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !q.Known {
		_, err := s.db.ExecContext(ctx, `DELETE FROM quota_snapshot WHERE user_id = ?`, userID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_snapshot (user_id, remaining, reset_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			remaining = excluded.remaining,
			reset_at = excluded.reset_at,
			updated_at = excluded.updated_at`,
		userID, q.Remaining, toNanos(q.ResetAt), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("write quota snapshot: %w", err)
	}
	return nil
}

func (s *Store) SaveReading(ctx context.Context, r domain.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	spread, err := json.Marshal(r.Spread)
	if err != nil {
		return fmt.Errorf("encode spread: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO readings (draw_id, kind, user_id, spread, interpretation, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(draw_id) DO UPDATE SET
			kind = excluded.kind,
			user_id = excluded.user_id,
			spread = excluded.spread,
			interpretation = excluded.interpretation`,
		r.DrawID, string(r.Kind), r.UserID, string(spread), r.Interpretation, toNanos(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("save reading %s: %w", r.DrawID, err)
	}
	return nil
}

func (s *Store) SaveInterpretation(ctx context.Context, drawID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE readings SET interpretation = ? WHERE draw_id = ?`, text, drawID)
	if err != nil {
		return fmt.Errorf("save interpretation %s: %w", drawID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save interpretation %s: %w", drawID, ErrNotFound)
	}
	return nil
}

// ErrNotFound is returned for operations on a draw id that is not stored.
var ErrNotFound = errors.New("reading not found")

// ListReadings returns the newest readings first. A limit of zero or less
// returns them all.
func (s *Store) ListReadings(ctx context.Context, limit int) ([]domain.Reading, error) {
	return s.list(ctx, `SELECT draw_id, kind, user_id, spread, interpretation, created_at
		FROM readings ORDER BY created_at DESC, draw_id LIMIT ?`, limitArg(limit))
}

// ListUserReadings is ListReadings restricted to one user.
func (s *Store) ListUserReadings(ctx context.Context, userID string, limit int) ([]domain.Reading, error) {
	return s.list(ctx, `SELECT draw_id, kind, user_id, spread, interpretation, created_at
		FROM readings WHERE user_id = ? ORDER BY created_at DESC, draw_id LIMIT ?`, userID, limitArg(limit))
}

// CountUserReadingsSince counts the readings a user made at or after since.
func (s *Store) CountUserReadingsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE user_id = ? AND created_at >= ?`,
		userID, toNanos(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteReading(ctx context.Context, drawID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE draw_id = ?`, drawID)
	if err != nil {
		return fmt.Errorf("delete reading %s: %w", drawID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete reading %s: %w", drawID, ErrNotFound)
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]domain.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	defer rows.Close()

	var out []domain.Reading
	for rows.Next() {
		var (
			r       domain.Reading
			kind    string
			spread  string
			created int64
		)
		if err := rows.Scan(&r.DrawID, &kind, &r.UserID, &spread, &r.Interpretation, &created); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if err := json.Unmarshal([]byte(spread), &r.Spread); err != nil {
			return nil, fmt.Errorf("decode spread of %s: %w", r.DrawID, err)
		}
		r.Kind = domain.SpreadKind(kind)
		r.CreatedAt = fromNanos(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
