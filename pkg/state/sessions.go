package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nous-labs/understudy/pkg/tenant"
)

var _ tenant.SessionStore = (*DB)(nil)

const sessionColumns = `tenant_id, bundle_id, token, owner_id, status, status_reason, created_at, last_active_at`

func (s *DB) Create(ctx context.Context, sess tenant.Session) error {
	token, err := s.sealer.Seal(sess.Token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO NOTHING`,
		sess.TenantID, sess.BundleID, token, sess.OwnerID, string(sess.Status), sess.StatusReason,
		formatTime(sess.CreatedAt), formatTime(sess.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.TenantID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("create %s: %w", sess.TenantID, tenant.ErrExists)
	}
	return nil
}

func (s *DB) Load(ctx context.Context, tenantID string) (tenant.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ?`, tenantID)
	sess, err := s.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Session{}, fmt.Errorf("load %s: %w", tenantID, tenant.ErrNotFound)
	}
	if err != nil {
		return tenant.Session{}, fmt.Errorf("load session %s: %w", tenantID, err)
	}
	return sess, nil
}

func (s *DB) Update(ctx context.Context, sess tenant.Session) error {
	token, err := s.sealer.Seal(sess.Token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET bundle_id = ?, token = ?, owner_id = ?, status = ?, status_reason = ?, last_active_at = ?
		 WHERE tenant_id = ?`,
		sess.BundleID, token, sess.OwnerID, string(sess.Status), sess.StatusReason,
		formatTime(sess.LastActiveAt), sess.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.TenantID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", sess.TenantID, tenant.ErrNotFound)
	}
	return nil
}

// Revoke moves the session to revoked and drops its token. Revoking an
// already revoked session is a no-op.
func (s *DB) Revoke(ctx context.Context, tenantID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ?`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("revoke %s: %w", tenantID, tenant.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("revoke %s: %w", tenantID, err)
	}
	if sess.Status == tenant.StatusRevoked {
		return nil
	}
	if err := sess.Transition(tenant.StatusRevoked, reason, s.now()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET token = NULL, status = ?, status_reason = ?, last_active_at = ? WHERE tenant_id = ?`,
		string(sess.Status), sess.StatusReason, formatTime(sess.LastActiveAt), tenantID,
	); err != nil {
		return fmt.Errorf("revoke %s: %w", tenantID, err)
	}
	return tx.Commit()
}

func (s *DB) List(ctx context.Context, statuses ...tenant.Status) ([]tenant.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY tenant_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *DB) scanSession(row scanner) (tenant.Session, error) {
	var (
		sess             tenant.Session
		sealed           []byte
		status           string
		created, touched string
	)
	if err := row.Scan(&sess.TenantID, &sess.BundleID, &sealed, &sess.OwnerID, &status,
		&sess.StatusReason, &created, &touched); err != nil {
		return tenant.Session{}, err
	}
	token, err := s.sealer.Open(sealed)
	if err != nil {
		return tenant.Session{}, fmt.Errorf("tenant %s token: %w", sess.TenantID, err)
	}
	sess.Token = token
	sess.Status = tenant.Status(strings.TrimSpace(status))
	sess.CreatedAt = parseTime(created)
	sess.LastActiveAt = parseTime(touched)
	return sess, nil
}
