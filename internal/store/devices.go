package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// GetDevice loads one device row.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, label, phone_hint, status, qr, last_error, last_seen_at, updated_at
		FROM devices WHERE id = $1
	`, deviceID)

	var d Device
	err := row.Scan(&d.ID, &d.TenantID, &d.Label, &d.PhoneHint, &d.Status, &d.QR,
		&d.LastError, &d.LastSeenAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get device: %w", err)
	}
	return &d, nil
}

// DeviceUpdate is a partial device mutation. Nil fields are left untouched;
// the Clear* flags null a column out explicitly.
type DeviceUpdate struct {
	Status         *string
	QR             *string
	ClearQR        bool
	LastError      *string
	ClearLastError bool
	TouchLastSeen  bool
}

// UpdateDevice applies a partial mutation. Only the session manager and the
// control plane ever mutate devices.
func (s *Store) UpdateDevice(ctx context.Context, deviceID string, u DeviceUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET
			status       = COALESCE($2, status),
			qr           = CASE WHEN $3 THEN NULL ELSE COALESCE($4, qr) END,
			last_error   = CASE WHEN $5 THEN NULL ELSE COALESCE($6, last_error) END,
			last_seen_at = CASE WHEN $7 THEN now() ELSE last_seen_at END,
			updated_at   = now()
		WHERE id = $1
	`, deviceID, u.Status, u.ClearQR, u.QR, u.ClearLastError, u.LastError, u.TouchLastSeen)
	if err != nil {
		return fmt.Errorf("store: update device: %w", err)
	}
	return nil
}

// TouchDeviceLastSeen bumps last_seen_at only.
func (s *Store) TouchDeviceLastSeen(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET last_seen_at = now(), updated_at = now() WHERE id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("store: touch device: %w", err)
	}
	return nil
}

// ListDeviceIDsWithSessions returns devices that have persisted auth state,
// ordered stably for the reconnect sweep.
func (s *Store) ListDeviceIDsWithSessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id FROM devices d
		JOIN wa_sessions w ON w.device_id = d.id
		ORDER BY d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices with sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan device id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpireQrLinks invalidates every still-valid public QR link for the device by
// pulling expires_at into the past.
func (s *Store) ExpireQrLinks(ctx context.Context, deviceID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE public_qr_links SET expires_at = $2
		WHERE device_id = $1 AND expires_at > $2
	`, deviceID, now)
	if err != nil {
		return fmt.Errorf("store: expire qr links: %w", err)
	}
	return nil
}
