// Package inbound turns decrypted transport messages into persisted events
// and queued webhook deliveries.
package inbound

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/internal/normalize"
	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

// pausedPresenceDelay ends the typing indicator if no outbound supersedes it.
const pausedPresenceDelay = 25 * time.Second

// slowProcessingThreshold triggers a WARN with timing details.
const slowProcessingThreshold = time.Second

// decryptFailureMarkers are the observed stub texts the upstream transport
// emits when it could not decrypt a message. Matched case-insensitively.
var decryptFailureMarkers = []string{
	"no matching sessions found for message",
	"bad mac",
	"failed to decrypt message",
}

// Socket is the slice of the transport a pipeline run needs.
type Socket interface {
	SendPresenceUpdate(ctx context.Context, presence transport.Presence, jid string) error
	ReadMessages(ctx context.Context, keys []normalize.RawKey) error
	AuthenticatedJid() string
}

// Store is the slice of the persistent store the pipeline writes through.
type Store interface {
	CreateEventWithDeliveries(ctx context.Context, tenantID, deviceID, eventType string, normalized, raw json.RawMessage) (string, []string, error)
	CreateOutboundMessage(ctx context.Context, tenantID, deviceID, to string, payload json.RawMessage, isTest bool) (string, error)
	TouchDeviceLastSeen(ctx context.Context, deviceID string) error
}

// Enqueuer is satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts queue.Options) (string, error)
}

// Reconcile asks the session manager to evict the sender's key material and
// recycle the socket.
type Reconcile struct {
	RemoteJid string
	SenderPn  string
}

// Pipeline processes inbound messages for all devices. Stateless across
// messages; per-device serialization is the session manager's job.
type Pipeline struct {
	db            Store
	webhookQueue  Enqueuer
	outboundQueue Enqueuer
	ackMessage    string
}

// New wires the pipeline. ackMessage may be empty to disable the immediate
// inbound acknowledgement.
func New(db Store, webhookQueue, outboundQueue Enqueuer, ackMessage string) *Pipeline {
	return &Pipeline{
		db:            db,
		webhookQueue:  webhookQueue,
		outboundQueue: outboundQueue,
		ackMessage:    strings.TrimSpace(ackMessage),
	}
}

// Process handles one decrypted inbound envelope. A non-nil Reconcile return
// means the caller must evict sender keys and recycle the socket.
func (p *Pipeline) Process(ctx context.Context, device *store.Device, sock Socket, env *normalize.RawEnvelope) (*Reconcile, error) {
	started := time.Now()

	if env == nil || env.Key.ID == "" || env.Key.FromMe || env.Key.RemoteJid == normalize.StatusBroadcastJid {
		return nil, nil
	}

	p.acknowledge(ctx, sock, env)

	msg := normalize.Normalize(env, sock.AuthenticatedJid())

	if msg.Content.Type == normalize.ContentStub {
		return p.processStub(ctx, device, env, msg)
	}

	if err := p.persistAndFanOut(ctx, device, env, msg, false); err != nil {
		return nil, err
	}

	p.maybeEnqueueAck(ctx, device, msg)
	p.bookkeep(ctx, device, env, started)
	return nil, nil
}

// acknowledge requests typing presence toward the sender and marks the
// message read. Both are best-effort.
func (p *Pipeline) acknowledge(ctx context.Context, sock Socket, env *normalize.RawEnvelope) {
	replyJid := normalize.Normalize(env, "").From
	if err := sock.SendPresenceUpdate(ctx, transport.PresenceComposing, replyJid); err != nil {
		log.Debug().Err(err).Str("jid", replyJid).Msg("Typing presence failed")
	}
	time.AfterFunc(pausedPresenceDelay, func() {
		pauseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sock.SendPresenceUpdate(pauseCtx, transport.PresencePaused, replyJid); err != nil {
			log.Debug().Err(err).Str("jid", replyJid).Msg("Paused presence failed")
		}
	})

	if err := sock.ReadMessages(ctx, []normalize.RawKey{env.Key}); err != nil {
		log.Debug().Err(err).Str("messageId", env.Key.ID).Msg("Read receipt failed")
	}
}

// processStub handles protocol control envelopes. Decryption-failure stubs
// still produce an event so bots can ask the user to resend; everything else
// is dropped with a lastSeen bump.
func (p *Pipeline) processStub(ctx context.Context, device *store.Device, env *normalize.RawEnvelope, msg *normalize.Message) (*Reconcile, error) {
	if !isDecryptFailure(msg.Content.Text) {
		if err := p.db.TouchDeviceLastSeen(ctx, device.ID); err != nil {
			log.Debug().Err(err).Str("deviceId", device.ID).Msg("lastSeen bump failed")
		}
		return nil, nil
	}

	log.Warn().
		Str("deviceId", device.ID).
		Str("tenantId", device.TenantID).
		Str("remoteJid", env.Key.RemoteJid).
		Msg("Decryption failure stub, scheduling sender reconcile")

	if err := p.persistAndFanOut(ctx, device, env, msg, true); err != nil {
		return nil, err
	}

	return &Reconcile{RemoteJid: env.Key.RemoteJid, SenderPn: env.Key.SenderPn}, nil
}

func isDecryptFailure(stubText *string) bool {
	if stubText == nil {
		return false
	}
	lower := strings.ToLower(*stubText)
	for _, marker := range decryptFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// persistAndFanOut writes the Event plus its delivery rows in one transaction
// and enqueues a dispatch job per delivery.
func (p *Pipeline) persistAndFanOut(ctx context.Context, device *store.Device, env *normalize.RawEnvelope, msg *normalize.Message, decryptionFailed bool) error {
	normalized, err := marshalNormalized(msg, decryptionFailed)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	eventID, deliveryIDs, err := p.db.CreateEventWithDeliveries(ctx,
		device.TenantID, device.ID, store.EventTypeMessageInbound, normalized, raw)
	if err != nil {
		return err
	}

	for _, deliveryID := range deliveryIDs {
		_, err := p.webhookQueue.Enqueue(ctx, queue.JobDeliver,
			map[string]string{"deliveryId": deliveryID},
			queue.Options{MaxAttempts: 5, BackoffBase: time.Second})
		if err != nil {
			// The delivery row exists; a restart recovery sweep can requeue it.
			log.Error().Err(err).
				Str("deliveryId", deliveryID).
				Str("eventId", eventID).
				Msg("Webhook dispatch enqueue failed")
		}
	}

	metrics.InboundEvents.Inc()
	log.Debug().
		Str("eventId", eventID).
		Str("deviceId", device.ID).
		Int("deliveries", len(deliveryIDs)).
		Str("contentType", msg.Content.Type).
		Msg("Inbound event persisted")
	return nil
}

// marshalNormalized annotates the normalized form with decryptionFailed when
// the event exists only to report an unreadable message.
func marshalNormalized(msg *normalize.Message, decryptionFailed bool) (json.RawMessage, error) {
	if !decryptionFailed {
		return json.Marshal(msg)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["decryptionFailed"] = true
	return json.Marshal(fields)
}

// maybeEnqueueAck creates the configured immediate reply so the chat visibly
// receives something independent of the bot's latency.
func (p *Pipeline) maybeEnqueueAck(ctx context.Context, device *store.Device, msg *normalize.Message) {
	if p.ackMessage == "" {
		return
	}

	payload, err := json.Marshal(map[string]string{"text": p.ackMessage})
	if err != nil {
		return
	}
	outboundID, err := p.db.CreateOutboundMessage(ctx, device.TenantID, device.ID, msg.From, payload, false)
	if err != nil {
		log.Warn().Err(err).Str("deviceId", device.ID).Msg("Inbound ack create failed")
		return
	}
	_, err = p.outboundQueue.Enqueue(ctx, queue.JobSend,
		map[string]string{"outboundMessageId": outboundID},
		queue.Options{MaxAttempts: 3, BackoffBase: time.Second})
	if err != nil {
		log.Warn().Err(err).Str("outboundMessageId", outboundID).Msg("Inbound ack enqueue failed")
	}
}

func (p *Pipeline) bookkeep(ctx context.Context, device *store.Device, env *normalize.RawEnvelope, started time.Time) {
	if err := p.db.TouchDeviceLastSeen(ctx, device.ID); err != nil {
		log.Debug().Err(err).Str("deviceId", device.ID).Msg("lastSeen bump failed")
	}

	elapsed := time.Since(started)
	if elapsed > slowProcessingThreshold {
		var messageAge time.Duration
		if env.MessageTimestamp > 0 {
			messageAge = time.Since(time.Unix(env.MessageTimestamp, 0))
		}
		log.Warn().
			Str("deviceId", device.ID).
			Int64("processingTimeMs", elapsed.Milliseconds()).
			Int64("messageAgeMs", messageAge.Milliseconds()).
			Msg("Slow inbound processing")
	}
}
