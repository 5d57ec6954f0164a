package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DeliveryDispatch is the joined view the webhook dispatcher works from.
type DeliveryDispatch struct {
	Delivery WebhookDelivery
	Endpoint WebhookEndpoint
	Event    Event
}

// GetDeliveryForDispatch loads a delivery joined with its endpoint and event.
func (s *Store) GetDeliveryForDispatch(ctx context.Context, deliveryID string) (*DeliveryDispatch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT d.id, d.endpoint_id, d.event_id, d.status, d.attempts, d.last_error, d.next_retry_at, d.created_at,
		       ep.id, ep.tenant_id, ep.url, ep.secret, ep.enabled, ep.created_at,
		       e.id, e.tenant_id, e.device_id, e.type, e.normalized_json, e.raw_json, e.created_at
		FROM webhook_deliveries d
		JOIN webhook_endpoints ep ON ep.id = d.endpoint_id
		JOIN events e ON e.id = d.event_id
		WHERE d.id = $1
	`, deliveryID)

	var out DeliveryDispatch
	err := row.Scan(
		&out.Delivery.ID, &out.Delivery.EndpointID, &out.Delivery.EventID, &out.Delivery.Status,
		&out.Delivery.Attempts, &out.Delivery.LastError, &out.Delivery.NextRetryAt, &out.Delivery.CreatedAt,
		&out.Endpoint.ID, &out.Endpoint.TenantID, &out.Endpoint.URL, &out.Endpoint.Secret,
		&out.Endpoint.Enabled, &out.Endpoint.CreatedAt,
		&out.Event.ID, &out.Event.TenantID, &out.Event.DeviceID, &out.Event.Type,
		&out.Event.NormalizedJSON, &out.Event.RawJSON, &out.Event.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get delivery: %w", err)
	}
	return &out, nil
}

// MarkDeliverySuccess records the terminal SUCCESS state.
func (s *Store) MarkDeliverySuccess(ctx context.Context, deliveryID string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'SUCCESS', attempts = $2, last_error = NULL, next_retry_at = NULL
		WHERE id = $1
	`, deliveryID, attempts)
	if err != nil {
		return fmt.Errorf("store: mark delivery success: %w", err)
	}
	return nil
}

// MarkDeliveryFailed records a retryable failure with the next retry time.
func (s *Store) MarkDeliveryFailed(ctx context.Context, deliveryID string, attempts int, lastError string, nextRetryAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'FAILED', attempts = $2, last_error = $3, next_retry_at = $4
		WHERE id = $1
	`, deliveryID, attempts, lastError, nextRetryAt)
	if err != nil {
		return fmt.Errorf("store: mark delivery failed: %w", err)
	}
	return nil
}

// MarkDeliveryDLQ records the terminal dead-letter state after attempts are
// exhausted.
func (s *Store) MarkDeliveryDLQ(ctx context.Context, deliveryID string, attempts int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'DLQ', attempts = $2, last_error = $3, next_retry_at = NULL
		WHERE id = $1
	`, deliveryID, attempts, lastError)
	if err != nil {
		return fmt.Errorf("store: mark delivery dlq: %w", err)
	}
	return nil
}
