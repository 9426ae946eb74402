package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nous-labs/understudy/pkg/prefs"
)

var _ prefs.Repository = (*DB)(nil)

func (s *DB) GetPreference(ctx context.Context, tenantID, chatID string) (prefs.Preference, error) {
	var raw, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT directives, updated_at FROM preferences WHERE tenant_id = ? AND chat_id = ?`,
		tenantID, chatID,
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return prefs.Preference{}, prefs.ErrNotFound
	}
	if err != nil {
		return prefs.Preference{}, fmt.Errorf("get preference %s/%s: %w", tenantID, chatID, err)
	}

	p := prefs.Preference{TenantID: tenantID, ChatID: chatID, UpdatedAt: parseTime(updated)}
	if err := json.Unmarshal([]byte(raw), &p.Directives); err != nil {
		return prefs.Preference{}, fmt.Errorf("decode preference %s/%s: %w", tenantID, chatID, err)
	}
	return p, nil
}

func (s *DB) SetPreference(ctx context.Context, p prefs.Preference) error {
	raw, err := json.Marshal(p.Directives)
	if err != nil {
		return fmt.Errorf("encode preference: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences (tenant_id, chat_id, directives, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id, chat_id) DO UPDATE SET directives = excluded.directives, updated_at = excluded.updated_at`,
		p.TenantID, p.ChatID, string(raw), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("set preference %s/%s: %w", p.TenantID, p.ChatID, err)
	}
	return nil
}

func (s *DB) DeletePreference(ctx context.Context, tenantID, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM preferences WHERE tenant_id = ? AND chat_id = ?`, tenantID, chatID)
	if err != nil {
		return fmt.Errorf("delete preference %s/%s: %w", tenantID, chatID, err)
	}
	return nil
}
