package pgstate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/nous-labs/understudy/pkg/prefs"
	"github.com/nous-labs/understudy/pkg/state"
	"github.com/nous-labs/understudy/pkg/style"
)

func (s *Store) GetPreference(ctx context.Context, tenantID, chatID string) (prefs.Preference, error) {
	p := prefs.Preference{TenantID: tenantID, ChatID: chatID}
	err := s.pool.QueryRow(ctx, `
		SELECT directives, updated_at FROM preferences WHERE tenant_id = $1 AND chat_id = $2
	`, tenantID, chatID).Scan(&p.Directives, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return prefs.Preference{}, prefs.ErrNotFound
	}
	if err != nil {
		return prefs.Preference{}, fmt.Errorf("get preference %s/%s: %w", tenantID, chatID, err)
	}
	return p, nil
}

func (s *Store) SetPreference(ctx context.Context, p prefs.Preference) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO preferences (tenant_id, chat_id, directives, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, chat_id) DO UPDATE
		SET directives = EXCLUDED.directives,
			updated_at = EXCLUDED.updated_at
	`, p.TenantID, p.ChatID, p.Directives, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("set preference %s/%s: %w", p.TenantID, p.ChatID, err)
	}
	return nil
}

func (s *Store) DeletePreference(ctx context.Context, tenantID, chatID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM preferences WHERE tenant_id = $1 AND chat_id = $2", tenantID, chatID)
	if err != nil {
		return fmt.Errorf("delete preference %s/%s: %w", tenantID, chatID, err)
	}
	return nil
}

func (s *Store) LoadProfile(ctx context.Context, tenantID string) (style.Profile, error) {
	var p style.Profile
	err := s.pool.QueryRow(ctx,
		"SELECT profile FROM style_profiles WHERE tenant_id = $1", tenantID,
	).Scan(&p)
	if errors.Is(err, pgx.ErrNoRows) {
		return style.Profile{}, style.ErrNoProfile
	}
	if err != nil {
		return style.Profile{}, fmt.Errorf("load profile %s: %w", tenantID, err)
	}
	return p, nil
}

// SaveProfile stores the profile; neutral profiles carry no signature.
func (s *Store) SaveProfile(ctx context.Context, p style.Profile) error {
	var sig *pgvector.Vector
	if len(p.Signature) == style.SignatureDims {
		v := pgvector.NewVector(p.Signature)
		sig = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO style_profiles (tenant_id, profile, signature, sample_size, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE
		SET profile = EXCLUDED.profile,
			signature = EXCLUDED.signature,
			sample_size = EXCLUDED.sample_size,
			computed_at = EXCLUDED.computed_at
	`, p.TenantID, p, sig, p.SampleSize, p.ComputedAt)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.TenantID, err)
	}
	return nil
}

// SimilarStyles returns the tenants whose signatures are nearest by cosine distance.
func (s *Store) SimilarStyles(ctx context.Context, signature []float32, limit int) ([]Similar, error) {
	vec := pgvector.NewVector(signature)
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, signature <=> $1 AS distance
		FROM style_profiles
		WHERE signature IS NOT NULL
		ORDER BY signature <=> $1
		LIMIT $2
	`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("style search: %w", err)
	}
	defer rows.Close()

	var results []Similar
	for rows.Next() {
		var r Similar
		if err := rows.Scan(&r.TenantID, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan style result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// KVGet retrieves a tenant-scoped value. A missing key yields "".
func (s *Store) KVGet(ctx context.Context, tenantID, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, "SELECT value FROM kv WHERE key = $1", state.TenantKey(tenantID, key)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// KVSet stores a tenant-scoped value.
func (s *Store) KVSet(ctx context.Context, tenantID, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, state.TenantKey(tenantID, key), value)
	return err
}

// KVDelete removes a tenant-scoped value.
func (s *Store) KVDelete(ctx context.Context, tenantID, key string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM kv WHERE key = $1", state.TenantKey(tenantID, key))
	return err
}

// KVScan returns the tenant's values whose key starts with prefix.
func (s *Store) KVScan(ctx context.Context, tenantID, prefix string) (map[string]string, error) {
	ns := state.TenantKey(tenantID, "")
	rows, err := s.pool.Query(ctx, "SELECT key, value FROM kv WHERE starts_with(key, $1)", ns+prefix)
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
func (s *Store) PurgeTenant(ctx context.Context, tenantID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM preferences WHERE tenant_id = $1", tenantID); err != nil {
		return fmt.Errorf("purge %s: %w", tenantID, err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM style_profiles WHERE tenant_id = $1", tenantID); err != nil {
		return fmt.Errorf("purge %s: %w", tenantID, err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM kv WHERE starts_with(key, $1)", state.TenantKey(tenantID, "")); err != nil {
		return fmt.Errorf("purge %s: %w", tenantID, err)
	}
	return tx.Commit(ctx)
}
