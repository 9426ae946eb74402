// Package state provides the SQLite-backed persistent store for tenant
// sessions, chat preferences, style profiles and small per-tenant values.
//
// Every table is keyed by tenant id, and kv keys carry a "tenant/<id>/"
// prefix, so no query can read across tenants.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	tenant_id      TEXT PRIMARY KEY,
	bundle_id      TEXT NOT NULL,
	token          BLOB,
	owner_id       TEXT NOT NULL,
	status         TEXT NOT NULL,
	status_reason  TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	last_active_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS preferences (
	tenant_id  TEXT NOT NULL,
	chat_id    TEXT NOT NULL,
	directives TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, chat_id)
);

CREATE TABLE IF NOT EXISTS style_profiles (
	tenant_id   TEXT PRIMARY KEY,
	profile     TEXT NOT NULL,
	sample_size INTEGER NOT NULL,
	computed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// DB is the SQLite state store.
type DB struct {
	db     *sql.DB
	path   string // state directory
	sealer *Sealer
	now    func() time.Time
}

// Stats holds row counts per table.
type Stats struct {
	Sessions    int
	Preferences int
	Profiles    int
	KVEntries   int
}

// Open opens (creating if needed) state.db under dir. Tokens are sealed
// with sealer; a nil sealer loads or creates dir/secret.key.
func Open(dir string, sealer *Sealer) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if sealer == nil {
		s, err := LoadOrCreateKey(filepath.Join(dir, "secret.key"))
		if err != nil {
			return nil, err
		}
		sealer = s
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &DB{db: db, path: dir, sealer: sealer, now: time.Now}

	stats := s.Stats()
	slog.Info("state opened",
		"path", dir,
		"sessions", stats.Sessions,
		"preferences", stats.Preferences,
		"profiles", stats.Profiles,
	)
	return s, nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// Path returns the state directory.
func (s *DB) Path() string {
	return s.path
}

// Ping reports whether the database is reachable.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats returns counts for all state tables.
func (s *DB) Stats() Stats {
	var st Stats
	s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&st.Sessions)
	s.db.QueryRow("SELECT COUNT(*) FROM preferences").Scan(&st.Preferences)
	s.db.QueryRow("SELECT COUNT(*) FROM style_profiles").Scan(&st.Profiles)
	s.db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&st.KVEntries)
	return st
}

// TenantKey namespaces a kv key under its tenant.
func TenantKey(tenantID, key string) string {
	return "tenant/" + tenantID + "/" + key
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a datetime string from SQLite, handling multiple formats.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
