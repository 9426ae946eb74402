// Package pgstate is the Postgres-backed state store, for deployments that
// share one database across daemon instances. Style signatures are kept in
// a pgvector column so tenants can be compared by writing style.
package pgstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/nous-labs/understudy/pkg/prefs"
	"github.com/nous-labs/understudy/pkg/state"
	"github.com/nous-labs/understudy/pkg/style"
	"github.com/nous-labs/understudy/pkg/tenant"
)

// Store provides the SessionStore, preference and profile repositories on Postgres.
type Store struct {
	pool   *pgxpool.Pool
	sealer *state.Sealer
}

var (
	_ tenant.SessionStore = (*Store)(nil)
	_ prefs.Repository    = (*Store)(nil)
	_ style.Repository    = (*Store)(nil)
)

// Similar is a tenant whose style signature is close to a query signature.
type Similar struct {
	TenantID string
	Distance float64 // cosine distance (lower = more similar)
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pgURL string, sealer *state.Sealer) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, sealer: sealer}, nil
}

// Init creates the pgvector extension, tables and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			tenant_id      TEXT PRIMARY KEY,
			bundle_id      TEXT NOT NULL,
			token          BYTEA,
			owner_id       TEXT NOT NULL,
			status         TEXT NOT NULL,
			status_reason  TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			tenant_id  TEXT NOT NULL,
			chat_id    TEXT NOT NULL,
			directives JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, chat_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS style_profiles (
			tenant_id   TEXT PRIMARY KEY,
			profile     JSONB NOT NULL,
			signature   vector(%d),
			sample_size INTEGER NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL
		)`, style.SignatureDims),
		`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	slog.Info("postgres state store initialized")
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const sessionColumns = `tenant_id, bundle_id, token, owner_id, status, status_reason, created_at, last_active_at`

func (s *Store) Create(ctx context.Context, sess tenant.Session) error {
	token, err := s.sealer.Seal(sess.Token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id) DO NOTHING
	`, sess.TenantID, sess.BundleID, token, sess.OwnerID, string(sess.Status), sess.StatusReason,
		sess.CreatedAt, sess.LastActiveAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.TenantID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create %s: %w", sess.TenantID, tenant.ErrExists)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, tenantID string) (tenant.Session, error) {
	sess, err := s.scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return tenant.Session{}, fmt.Errorf("load %s: %w", tenantID, tenant.ErrNotFound)
	}
	if err != nil {
		return tenant.Session{}, fmt.Errorf("load session %s: %w", tenantID, err)
	}
	return sess, nil
}

func (s *Store) Update(ctx context.Context, sess tenant.Session) error {
	token, err := s.sealer.Seal(sess.Token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET bundle_id = $2, token = $3, owner_id = $4, status = $5,
			status_reason = $6, last_active_at = $7
		WHERE tenant_id = $1
	`, sess.TenantID, sess.BundleID, token, sess.OwnerID, string(sess.Status), sess.StatusReason, sess.LastActiveAt)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.TenantID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", sess.TenantID, tenant.ErrNotFound)
	}
	return nil
}

func (s *Store) Revoke(ctx context.Context, tenantID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin revoke: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := s.scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 FOR UPDATE`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("revoke %s: %w", tenantID, tenant.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("revoke %s: %w", tenantID, err)
	}
	if sess.Status == tenant.StatusRevoked {
		return nil
	}
	if err := sess.Transition(tenant.StatusRevoked, reason, time.Now()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE sessions SET token = NULL, status = $2, status_reason = $3, last_active_at = $4
		WHERE tenant_id = $1
	`, tenantID, string(sess.Status), sess.StatusReason, sess.LastActiveAt); err != nil {
		return fmt.Errorf("revoke %s: %w", tenantID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) List(ctx context.Context, statuses ...tenant.Status) ([]tenant.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY tenant_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []tenant.Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) scanSession(row pgx.Row) (tenant.Session, error) {
	var (
		sess   tenant.Session
		sealed []byte
		status string
	)
	if err := row.Scan(&sess.TenantID, &sess.BundleID, &sealed, &sess.OwnerID, &status,
		&sess.StatusReason, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
		return tenant.Session{}, err
	}
	token, err := s.sealer.Open(sealed)
	if err != nil {
		return tenant.Session{}, fmt.Errorf("tenant %s token: %w", sess.TenantID, err)
	}
	sess.Token = token
	sess.Status = tenant.Status(strings.TrimSpace(status))
	return sess, nil
}
