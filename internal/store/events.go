package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateEventWithDeliveries persists an Event and one PENDING delivery row per
// currently-enabled endpoint of the tenant, in a single transaction. Returns
// the event ID and the IDs of the created deliveries, in endpoint-list order.
func (s *Store) CreateEventWithDeliveries(ctx context.Context, tenantID, deviceID, eventType string, normalized, raw json.RawMessage) (string, []string, error) {
	eventID := uuid.NewString()
	var deliveryIDs []string

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO events (id, tenant_id, device_id, type, normalized_json, raw_json)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, eventID, tenantID, deviceID, eventType, normalized, raw)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		rows, err := tx.Query(ctx, `
			SELECT id FROM webhook_endpoints
			WHERE tenant_id = $1 AND enabled
			ORDER BY created_at, id
		`, tenantID)
		if err != nil {
			return fmt.Errorf("list endpoints: %w", err)
		}
		var endpointIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan endpoint: %w", err)
			}
			endpointIDs = append(endpointIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, endpointID := range endpointIDs {
			deliveryID := uuid.NewString()
			_, err := tx.Exec(ctx, `
				INSERT INTO webhook_deliveries (id, endpoint_id, event_id, status, attempts)
				VALUES ($1, $2, $3, 'PENDING', 0)
			`, deliveryID, endpointID, eventID)
			if err != nil {
				return fmt.Errorf("insert delivery: %w", err)
			}
			deliveryIDs = append(deliveryIDs, deliveryID)
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("store: create event: %w", err)
	}
	return eventID, deliveryIDs, nil
}

// FindRecentRawMessage looks up a prior raw envelope by message key. The chat
// transport calls this when it needs to re-encrypt an earlier message for a
// peer that lost it.
func (s *Store) FindRecentRawMessage(ctx context.Context, deviceID, messageID, remoteJid string) (json.RawMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT raw_json FROM events
		WHERE device_id = $1
		  AND raw_json->'key'->>'id' = $2
		  AND raw_json->'key'->>'remoteJid' = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, deviceID, messageID, remoteJid)

	var raw json.RawMessage
	err := row.Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find raw message: %w", err)
	}
	return raw, nil
}
