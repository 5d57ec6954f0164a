// Package outbound sends queued messages through live device sessions.
package outbound

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

const (
	// defaultComposeDelay keeps the typing indicator visible before the send.
	defaultComposeDelay = 1500 * time.Millisecond
	// queueWaitWarnThreshold flags jobs that sat too long before pickup.
	queueWaitWarnThreshold = 30 * time.Second
	// sendWarnThreshold flags slow transport round-trips.
	sendWarnThreshold = 5 * time.Second
)

// Store is the slice of the persistent store the dispatcher needs.
type Store interface {
	GetOutboundMessage(ctx context.Context, id string) (*store.OutboundMessage, error)
	MarkOutboundProcessing(ctx context.Context, id string) error
	MarkOutboundSent(ctx context.Context, id, providerMessageID string) error
	MarkOutboundFailed(ctx context.Context, id, errMsg string) error
	GetDevice(ctx context.Context, deviceID string) (*store.Device, error)
}

// Sessions resolves live sockets. Satisfied by *sessions.Manager.
type Sessions interface {
	Get(deviceID string) (transport.Socket, bool)
}

// Dispatcher executes send jobs from the outbound queue.
type Dispatcher struct {
	db           Store
	sessions     Sessions
	composeDelay time.Duration
}

// New wires the dispatcher. composeDelay <= 0 selects the default.
func New(db Store, sessions Sessions, composeDelay time.Duration) *Dispatcher {
	if composeDelay <= 0 {
		composeDelay = defaultComposeDelay
	}
	return &Dispatcher{db: db, sessions: sessions, composeDelay: composeDelay}
}

type sendPayload struct {
	OutboundMessageID string `json:"outboundMessageId"`
}

type textPayload struct {
	Text string `json:"text"`
}

// Handle processes one send job. Terminal outcomes are recorded on the row
// before returning; retryable failures leave the row PROCESSING until the
// failure hook settles it.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) queue.Result {
	var payload sendPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.OutboundMessageID == "" {
		return queue.TerminalWith("bad_payload")
	}

	if wait := time.Since(job.EnqueuedAt); wait > queueWaitWarnThreshold {
		log.Warn().Str("outboundMessageId", payload.OutboundMessageID).
			Int64("queueWaitMs", wait.Milliseconds()).Msg("Outbound job sat in queue too long")
	}

	msg, err := d.db.GetOutboundMessage(ctx, payload.OutboundMessageID)
	if err != nil {
		if err == store.ErrNotFound {
			log.Warn().Str("outboundMessageId", payload.OutboundMessageID).Msg("Outbound row missing, dropping job")
			return queue.Ok()
		}
		return queue.RetryWith(err.Error())
	}
	if msg.Status == store.OutboundSent || msg.Status == store.OutboundFailed {
		return queue.Ok()
	}

	if err := d.db.MarkOutboundProcessing(ctx, msg.ID); err != nil {
		return queue.RetryWith(err.Error())
	}

	sock, res := d.resolveSocket(ctx, msg)
	if sock == nil {
		return res
	}

	if msg.Type != "text" {
		return d.terminal(ctx, msg.ID, "unsupported_type:"+msg.Type)
	}
	var body textPayload
	if err := json.Unmarshal(msg.PayloadJSON, &body); err != nil || strings.TrimSpace(body.Text) == "" {
		// Missing, empty or non-string text. Likely a producer race; the
		// payload may still be settling.
		return queue.RetryWith("empty_text")
	}

	if err := sock.SendPresenceUpdate(ctx, transport.PresenceComposing, msg.To); err != nil {
		log.Debug().Err(err).Str("jid", msg.To).Msg("Typing presence failed")
	}
	select {
	case <-time.After(d.composeDelay):
	case <-ctx.Done():
		return queue.RetryWith("shutdown")
	}

	sendStart := time.Now()
	providerID, err := sock.SendMessage(ctx, msg.To, body.Text)
	sendDur := time.Since(sendStart)
	if err != nil {
		return queue.RetryWith("send_failed: " + err.Error())
	}
	if sendDur > sendWarnThreshold {
		log.Warn().Str("outboundMessageId", msg.ID).
			Int64("sendTimeMs", sendDur.Milliseconds()).Msg("Slow outbound send")
	}

	if err := sock.SendPresenceUpdate(ctx, transport.PresencePaused, msg.To); err != nil {
		log.Debug().Err(err).Str("jid", msg.To).Msg("Paused presence failed")
	}

	if err := d.db.MarkOutboundSent(ctx, msg.ID, providerID); err != nil {
		// The message went out; failing the job would double-send.
		log.Error().Err(err).Str("outboundMessageId", msg.ID).Msg("Sent-state persist failed")
	}

	log.Info().Str("outboundMessageId", msg.ID).Str("deviceId", msg.DeviceID).
		Str("providerMessageId", providerID).Msg("Outbound message sent")
	return queue.Ok()
}

// resolveSocket validates the device and returns its live authenticated
// socket, or nil with the terminal result already recorded.
func (d *Dispatcher) resolveSocket(ctx context.Context, msg *store.OutboundMessage) (transport.Socket, queue.Result) {
	device, err := d.db.GetDevice(ctx, msg.DeviceID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, d.terminal(ctx, msg.ID, "device_not_found")
		}
		return nil, queue.RetryWith(err.Error())
	}
	if device.Status != store.DeviceOnline {
		return nil, d.terminal(ctx, msg.ID, "device_not_online:"+device.Status)
	}

	sock, ok := d.sessions.Get(msg.DeviceID)
	if !ok {
		return nil, d.terminal(ctx, msg.ID, "device_not_connected")
	}
	if sock.AuthenticatedJid() == "" {
		return nil, d.terminal(ctx, msg.ID, "socket_not_authenticated")
	}
	return sock, queue.Result{}
}

// terminal records the failure on the row and stops the job.
func (d *Dispatcher) terminal(ctx context.Context, id, reason string) queue.Result {
	if err := d.db.MarkOutboundFailed(ctx, id, reason); err != nil {
		log.Error().Err(err).Str("outboundMessageId", id).Msg("Failed-state persist failed")
	}
	return queue.TerminalWith(reason)
}

// OnFailure is the queue failure hook: once retries are exhausted the row
// settles FAILED with the last error.
func (d *Dispatcher) OnFailure(ctx context.Context, job *queue.Job, reason string, willRetry bool, _ time.Time) {
	if willRetry {
		return
	}
	var payload sendPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.OutboundMessageID == "" {
		return
	}
	if err := d.db.MarkOutboundFailed(ctx, payload.OutboundMessageID, reason); err != nil {
		log.Error().Err(err).Str("outboundMessageId", payload.OutboundMessageID).
			Msg("Failed-state persist failed")
	}
}
