package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateOutboundMessage inserts a QUEUED row and returns its ID.
func (s *Store) CreateOutboundMessage(ctx context.Context, tenantID, deviceID, to string, payload json.RawMessage, isTest bool) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbound_messages (id, tenant_id, device_id, to_jid, type, payload_json, is_test, status)
		VALUES ($1, $2, $3, $4, 'text', $5, $6, 'QUEUED')
	`, id, tenantID, deviceID, to, payload, isTest)
	if err != nil {
		return "", fmt.Errorf("store: create outbound: %w", err)
	}
	return id, nil
}

// GetOutboundMessage loads one row.
func (s *Store) GetOutboundMessage(ctx context.Context, id string) (*OutboundMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, device_id, to_jid, type, payload_json, is_test,
		       status, provider_message_id, error, created_at
		FROM outbound_messages WHERE id = $1
	`, id)

	var m OutboundMessage
	err := row.Scan(&m.ID, &m.TenantID, &m.DeviceID, &m.To, &m.Type, &m.PayloadJSON,
		&m.IsTest, &m.Status, &m.ProviderMessageID, &m.Error, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get outbound: %w", err)
	}
	return &m, nil
}

// MarkOutboundProcessing moves QUEUED → PROCESSING.
func (s *Store) MarkOutboundProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbound_messages SET status = 'PROCESSING' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark outbound processing: %w", err)
	}
	return nil
}

// MarkOutboundSent records the terminal SENT state with the provider id.
func (s *Store) MarkOutboundSent(ctx context.Context, id, providerMessageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbound_messages
		SET status = 'SENT', provider_message_id = NULLIF($2, ''), error = NULL
		WHERE id = $1
	`, id, providerMessageID)
	if err != nil {
		return fmt.Errorf("store: mark outbound sent: %w", err)
	}
	return nil
}

// MarkOutboundFailed records the terminal FAILED state.
func (s *Store) MarkOutboundFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbound_messages SET status = 'FAILED', error = $2 WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("store: mark outbound failed: %w", err)
	}
	return nil
}
