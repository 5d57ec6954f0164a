// Package webhooks delivers persisted events to tenant endpoints with signed
// requests and durable retry bookkeeping.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/store"
)

// requestTimeout bounds one delivery attempt end to end.
const requestTimeout = 15 * time.Second

// errorBodyLimit caps how much of a failing response lands in last_error.
const errorBodyLimit = 200

// timestampLayout is the wire format for createdAt: UTC with milliseconds.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Store is the slice of the persistent store the dispatcher needs.
type Store interface {
	GetDeliveryForDispatch(ctx context.Context, deliveryID string) (*store.DeliveryDispatch, error)
	MarkDeliverySuccess(ctx context.Context, deliveryID string, attempts int) error
	MarkDeliveryFailed(ctx context.Context, deliveryID string, attempts int, lastError string, nextRetryAt time.Time) error
	MarkDeliveryDLQ(ctx context.Context, deliveryID string, attempts int, lastError string) error
}

// Dispatcher posts webhook deliveries.
type Dispatcher struct {
	db     Store
	client *http.Client
}

// New builds a dispatcher with its own pooled HTTP client.
func New(db Store) *Dispatcher {
	return &Dispatcher{
		db:     db,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// body is the JSON document posted to the endpoint.
type body struct {
	EventID    string          `json:"eventId"`
	TenantID   string          `json:"tenantId"`
	DeviceID   string          `json:"deviceId"`
	Type       string          `json:"type"`
	Normalized json.RawMessage `json:"normalized"`
	Raw        json.RawMessage `json:"raw"`
	CreatedAt  string          `json:"createdAt"`
}

type deliverPayload struct {
	DeliveryID string `json:"deliveryId"`
}

// Handle processes one delivery job from the dispatch queue.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) queue.Result {
	var payload deliverPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.DeliveryID == "" {
		return queue.TerminalWith("bad_payload")
	}

	dispatch, err := d.db.GetDeliveryForDispatch(ctx, payload.DeliveryID)
	if err != nil {
		if err == store.ErrNotFound {
			log.Warn().Str("deliveryId", payload.DeliveryID).Msg("Delivery row missing, dropping job")
			return queue.Ok()
		}
		return queue.RetryWith(err.Error())
	}

	if dispatch.Delivery.Status == store.DeliverySuccess || dispatch.Delivery.Status == store.DeliveryDLQ {
		return queue.Ok()
	}
	if !dispatch.Endpoint.Enabled {
		log.Info().Str("deliveryId", payload.DeliveryID).
			Str("endpointId", dispatch.Endpoint.ID).Msg("Endpoint disabled, dropping delivery")
		return queue.Ok()
	}

	attempt := dispatch.Delivery.Attempts + 1
	if err := d.post(ctx, dispatch); err != nil {
		log.Warn().Err(err).Str("deliveryId", payload.DeliveryID).
			Str("url", dispatch.Endpoint.URL).Int("attempt", attempt).Msg("Webhook delivery failed")
		return queue.RetryWith(err.Error())
	}

	if err := d.db.MarkDeliverySuccess(ctx, dispatch.Delivery.ID, attempt); err != nil {
		log.Error().Err(err).Str("deliveryId", dispatch.Delivery.ID).Msg("Success persist failed")
	}
	log.Info().Str("deliveryId", dispatch.Delivery.ID).
		Str("eventId", dispatch.Event.ID).Int("attempts", attempt).Msg("Webhook delivered")
	return queue.Ok()
}

// post signs and sends one attempt. Any non-2xx response is an error.
func (d *Dispatcher) post(ctx context.Context, dispatch *store.DeliveryDispatch) error {
	payload := body{
		EventID:    dispatch.Event.ID,
		TenantID:   dispatch.Event.TenantID,
		DeviceID:   dispatch.Event.DeviceID,
		Type:       dispatch.Event.Type,
		Normalized: dispatch.Event.NormalizedJSON,
		Raw:        dispatch.Event.RawJSON,
		CreatedAt:  dispatch.Event.CreatedAt.UTC().Format(timestampLayout),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhooks: marshal body: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := Sign(dispatch.Endpoint.Secret, timestamp, encoded)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dispatch.Endpoint.URL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("webhooks: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", dispatch.Event.ID)
	req.Header.Set("X-Tenant-Id", dispatch.Event.TenantID)
	req.Header.Set("X-Device-Id", dispatch.Event.DeviceID)
	req.Header.Set("X-Event-Type", dispatch.Event.Type)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return fmt.Errorf("status %d: %s", resp.StatusCode, string(snippet))
}

// Sign computes the hex HMAC-SHA256 of "<timestamp>.<body>" with the endpoint
// secret. Receivers recompute it to authenticate the request.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// OnFailure is the queue failure hook keeping the delivery row in step with
// the retry schedule.
func (d *Dispatcher) OnFailure(ctx context.Context, job *queue.Job, reason string, willRetry bool, nextRetryAt time.Time) {
	var payload deliverPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.DeliveryID == "" {
		return
	}

	if willRetry {
		if err := d.db.MarkDeliveryFailed(ctx, payload.DeliveryID, job.Attempts, reason, nextRetryAt); err != nil {
			log.Error().Err(err).Str("deliveryId", payload.DeliveryID).Msg("Failure persist failed")
		}
		return
	}
	if err := d.db.MarkDeliveryDLQ(ctx, payload.DeliveryID, job.Attempts, reason); err != nil {
		log.Error().Err(err).Str("deliveryId", payload.DeliveryID).Msg("DLQ persist failed")
	}
	log.Error().Str("deliveryId", payload.DeliveryID).Int("attempts", job.Attempts).
		Str("reason", reason).Msg("Webhook delivery dead-lettered")
}

// SendTest posts a synthetic signed event to the endpoint without touching
// delivery rows. The control plane uses it to verify endpoint configuration.
func (d *Dispatcher) SendTest(ctx context.Context, endpoint *store.WebhookEndpoint) error {
	now := time.Now().UTC()
	normalized, err := json.Marshal(map[string]any{
		"kind": "test",
		"note": "endpoint verification",
	})
	if err != nil {
		return err
	}
	dispatch := &store.DeliveryDispatch{
		Endpoint: *endpoint,
		Event: store.Event{
			ID:             "test-" + strconv.FormatInt(now.UnixMilli(), 10),
			TenantID:       endpoint.TenantID,
			Type:           "webhook.test",
			NormalizedJSON: normalized,
			RawJSON:        json.RawMessage(`{}`),
			CreatedAt:      now,
		},
	}
	return d.post(ctx, dispatch)
}
