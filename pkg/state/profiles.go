package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nous-labs/understudy/pkg/style"
)

var _ style.Repository = (*DB)(nil)

func (s *DB) LoadProfile(ctx context.Context, tenantID string) (style.Profile, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile FROM style_profiles WHERE tenant_id = ?`, tenantID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return style.Profile{}, style.ErrNoProfile
	}
	if err != nil {
		return style.Profile{}, fmt.Errorf("load profile %s: %w", tenantID, err)
	}
	var p style.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return style.Profile{}, fmt.Errorf("decode profile %s: %w", tenantID, err)
	}
	return p, nil
}

func (s *DB) SaveProfile(ctx context.Context, p style.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO style_profiles (tenant_id, profile, sample_size, computed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET profile = excluded.profile,
		   sample_size = excluded.sample_size, computed_at = excluded.computed_at`,
		p.TenantID, string(raw), p.SampleSize, formatTime(p.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.TenantID, err)
	}
	return nil
}
