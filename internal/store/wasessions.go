package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetWaSession loads the encrypted auth-state blob for a device.
func (s *Store) GetWaSession(ctx context.Context, deviceID string) (*WaSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT device_id, auth_state_enc, updated_at FROM wa_sessions WHERE device_id = $1`, deviceID)

	var ws WaSession
	err := row.Scan(&ws.DeviceID, &ws.AuthStateEnc, &ws.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get wa session: %w", err)
	}
	return &ws, nil
}

// UpsertWaSession writes the encrypted blob, creating the row on first save.
func (s *Store) UpsertWaSession(ctx context.Context, deviceID, authStateEnc string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wa_sessions (device_id, auth_state_enc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (device_id) DO UPDATE SET
			auth_state_enc = EXCLUDED.auth_state_enc,
			updated_at     = now()
	`, deviceID, authStateEnc)
	if err != nil {
		return fmt.Errorf("store: upsert wa session: %w", err)
	}
	return nil
}

// DeleteWaSession drops the persisted auth state, forcing a fresh pairing.
func (s *Store) DeleteWaSession(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM wa_sessions WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("store: delete wa session: %w", err)
	}
	return nil
}
