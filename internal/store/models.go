package store

import (
	"encoding/json"
	"time"
)

// Device lifecycle states. ERROR is a terminal annotation cleared only by a
// new connect attempt.
const (
	DeviceOffline = "OFFLINE"
	DeviceQR      = "QR"
	DeviceOnline  = "ONLINE"
	DeviceError   = "ERROR"
)

// OutboundMessage states. QUEUED → PROCESSING → (SENT | FAILED), no further
// transition.
const (
	OutboundQueued     = "QUEUED"
	OutboundProcessing = "PROCESSING"
	OutboundSent       = "SENT"
	OutboundFailed     = "FAILED"
)

// WebhookDelivery states. A row stays retryable until SUCCESS or DLQ.
const (
	DeliveryPending = "PENDING"
	DeliverySuccess = "SUCCESS"
	DeliveryFailed  = "FAILED"
	DeliveryDLQ     = "DLQ"
)

// EventTypeMessageInbound is the only event type currently emitted.
const EventTypeMessageInbound = "message.inbound"

type Tenant struct {
	ID     string
	Name   string
	Status string
}

type Device struct {
	ID         string
	TenantID   string
	Label      string
	PhoneHint  *string
	Status     string
	QR         *string
	LastError  *string
	LastSeenAt *time.Time
	UpdatedAt  time.Time
}

// WaSession holds the encrypted auth-state blob for one device. The blob is
// only ever decrypted by the vault.
type WaSession struct {
	DeviceID     string
	AuthStateEnc string
	UpdatedAt    time.Time
}

type WebhookEndpoint struct {
	ID        string
	TenantID  string
	URL       string
	Secret    string
	Enabled   bool
	CreatedAt time.Time
}

// Event is the append-only record of an observed inbound. Immutable once
// written.
type Event struct {
	ID             string
	TenantID       string
	DeviceID       string
	Type           string
	NormalizedJSON json.RawMessage
	RawJSON        json.RawMessage
	CreatedAt      time.Time
}

type WebhookDelivery struct {
	ID          string
	EndpointID  string
	EventID     string
	Status      string
	Attempts    int
	LastError   *string
	NextRetryAt *time.Time
	CreatedAt   time.Time
}

type OutboundMessage struct {
	ID                string
	TenantID          string
	DeviceID          string
	To                string
	Type              string
	PayloadJSON       json.RawMessage
	IsTest            bool
	Status            string
	ProviderMessageID *string
	Error             *string
	CreatedAt         time.Time
}

type PublicQrLink struct {
	ID        string
	DeviceID  string
	Token     string
	ExpiresAt time.Time
}
