package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// KVGet retrieves a tenant-scoped value. A missing key yields "".
func (s *DB) KVGet(ctx context.Context, tenantID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", TenantKey(tenantID, key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// KVSet stores a tenant-scoped value.
func (s *DB) KVSet(ctx context.Context, tenantID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		TenantKey(tenantID, key), value, formatTime(s.now()),
	)
	return err
}

// KVDelete removes a tenant-scoped value.
func (s *DB) KVDelete(ctx context.Context, tenantID, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", TenantKey(tenantID, key))
	return err
}

// KVScan returns the tenant's values whose key starts with prefix, keyed
// by the key without the tenant namespace.
func (s *DB) KVScan(ctx context.Context, tenantID, prefix string) (map[string]string, error) {
	ns := TenantKey(tenantID, "")
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE substr(key, 1, ?) = ?`,
		utf8.RuneCountInString(ns+prefix), ns+prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("scan kv: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		out[strings.TrimPrefix(k, ns)] = v
	}
	return out, rows.Err()
}

// PurgeTenant deletes every preference, profile and kv entry of a tenant.
// The session row is kept as the revocation record.
func (s *DB) PurgeTenant(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	ns := TenantKey(tenantID, "")
	for _, stmt := range []struct {
		query string
		arg   []interface{}
	}{
		{`DELETE FROM preferences WHERE tenant_id = ?`, []interface{}{tenantID}},
		{`DELETE FROM style_profiles WHERE tenant_id = ?`, []interface{}{tenantID}},
		{`DELETE FROM kv WHERE substr(key, 1, ?) = ?`, []interface{}{utf8.RuneCountInString(ns), ns}},
	} {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.arg...); err != nil {
			return fmt.Errorf("purge %s: %w", tenantID, err)
		}
	}
	return tx.Commit()
}
