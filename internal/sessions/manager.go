// Package sessions owns the live device registry: one socket, one auth-state
// handle and one serial event loop per connected device.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/authstate"
	"github.com/chatwire/chatwire/internal/inbound"
	"github.com/chatwire/chatwire/internal/normalize"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

const (
	// defaultReconnectDelay follows a transient close.
	defaultReconnectDelay = 2 * time.Second
	// defaultDesyncReconnectDelay follows a sender-key eviction, giving the
	// peer a moment before the fresh handshake.
	defaultDesyncReconnectDelay = 5 * time.Second
)

// defaultProtocolVersion is advertised to the bridge when no override is set.
var defaultProtocolVersion = []int{2, 3000, 0}

// Store is the slice of the persistent store the manager mutates.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*store.Device, error)
	UpdateDevice(ctx context.Context, deviceID string, u store.DeviceUpdate) error
	ExpireQrLinks(ctx context.Context, deviceID string, now time.Time) error
	FindRecentRawMessage(ctx context.Context, deviceID, messageID, remoteJid string) (json.RawMessage, error)
}

// AuthLoader yields per-device auth-state handles. Satisfied by
// *authstate.Manager.
type AuthLoader interface {
	Load(ctx context.Context, deviceID string) (*authstate.Handle, error)
}

// InboundProcessor consumes one decrypted envelope. Satisfied by
// *inbound.Pipeline.
type InboundProcessor interface {
	Process(ctx context.Context, device *store.Device, sock inbound.Socket, env *normalize.RawEnvelope) (*inbound.Reconcile, error)
}

// Manager keeps at most one live session per device and serializes its
// transport events.
type Manager struct {
	db       Store
	auth     AuthLoader
	dialer   transport.Dialer
	pipeline InboundProcessor
	version  []int

	reconnectDelay time.Duration
	desyncDelay    time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	deviceID string
	handle   *authstate.Handle
	socket   transport.Socket
	// closing suppresses the reconnect that would otherwise follow the close
	// event of a teardown we initiated.
	closing atomic.Bool
}

// NewManager wires the registry. version may be nil to use the default.
func NewManager(db Store, auth AuthLoader, dialer transport.Dialer, pipeline InboundProcessor, version []int) *Manager {
	if len(version) == 0 {
		version = defaultProtocolVersion
	}
	return &Manager{
		db:             db,
		auth:           auth,
		dialer:         dialer,
		pipeline:       pipeline,
		version:        version,
		reconnectDelay: defaultReconnectDelay,
		desyncDelay:    defaultDesyncReconnectDelay,
		sessions:       make(map[string]*session),
	}
}

// Connect establishes a session for the device. Idempotent: a second call
// while a session is live (or being dialed) is a no-op.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	if _, ok := m.sessions[deviceID]; ok {
		m.mu.Unlock()
		log.Debug().Str("deviceId", deviceID).Msg("Session already active, ignoring connect")
		return nil
	}
	sess := &session{deviceID: deviceID}
	m.sessions[deviceID] = sess
	m.mu.Unlock()

	device, err := m.db.GetDevice(ctx, deviceID)
	if err != nil {
		m.forget(sess)
		return fmt.Errorf("sessions: connect %s: %w", deviceID, err)
	}

	offline := store.DeviceOffline
	if err := m.db.UpdateDevice(ctx, deviceID, store.DeviceUpdate{
		Status: &offline, ClearQR: true, ClearLastError: true,
	}); err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("Device status reset failed")
	}

	handle, err := m.auth.Load(ctx, deviceID)
	if err != nil {
		m.forget(sess)
		m.recordConnectError(ctx, deviceID, err)
		return fmt.Errorf("sessions: auth state for %s: %w", deviceID, err)
	}

	sock, err := m.dialer.Dial(ctx, transport.SocketConfig{
		DeviceID:  deviceID,
		Creds:     handle.Creds(),
		Keys:      handle.Keys(),
		Version:   m.version,
		DisableQR: true,
		GetMessage: func(ctx context.Context, key normalize.RawKey) (json.RawMessage, error) {
			return m.db.FindRecentRawMessage(ctx, deviceID, key.ID, key.RemoteJid)
		},
	})
	if err != nil {
		m.forget(sess)
		handle.Close(ctx)
		m.recordConnectError(ctx, deviceID, err)
		return fmt.Errorf("sessions: dial for %s: %w", deviceID, err)
	}

	// Publish the socket and re-check the registry in one critical section: a
	// disconnect that landed during the dial has already removed the entry, and
	// one that lands after this point sees the socket and ends it itself.
	m.mu.Lock()
	sess.handle = handle
	sess.socket = sock
	current, registered := m.sessions[deviceID]
	live := registered && current == sess && !sess.closing.Load()
	m.mu.Unlock()

	if !live {
		sock.End(nil)
		handle.Close(ctx)
		log.Info().Str("deviceId", deviceID).Msg("Session torn down while dialing")
		return nil
	}

	log.Info().Str("deviceId", deviceID).Bool("fresh", handle.Fresh()).Msg("Session starting")

	go m.eventLoop(sess, device)
	return nil
}

// Disconnect tears the session down and settles the device OFFLINE. A missing
// session still clears the stored QR.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if ok {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()

	if ok {
		sess.closing.Store(true)
		if sess.socket != nil {
			sess.socket.End(nil)
		}
		if sess.handle != nil {
			sess.handle.Close(ctx)
		}
	}

	offline := store.DeviceOffline
	if err := m.db.UpdateDevice(ctx, deviceID, store.DeviceUpdate{Status: &offline, ClearQR: true}); err != nil {
		return fmt.Errorf("sessions: disconnect %s: %w", deviceID, err)
	}
	log.Info().Str("deviceId", deviceID).Msg("Session disconnected")
	return nil
}

// Get returns the live socket for a device, if any.
func (m *Manager) Get(deviceID string) (transport.Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[deviceID]
	if !ok || sess.socket == nil {
		return nil, false
	}
	return sess.socket, true
}

// Count reports the number of registered sessions, dialing included.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Handle returns the live auth-state handle for a device, if any.
func (m *Manager) Handle(deviceID string) (*authstate.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[deviceID]
	if !ok || sess.handle == nil {
		return nil, false
	}
	return sess.handle, true
}

// Shutdown ends every live session and flushes its auth state. Used during
// graceful process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	active := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		active = append(active, sess)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, sess := range active {
		sess.closing.Store(true)
		if sess.socket != nil {
			sess.socket.End(nil)
		}
		if sess.handle != nil {
			sess.handle.Close(ctx)
		}
	}
	if len(active) > 0 {
		log.Info().Int("sessions", len(active)).Msg("Sessions flushed for shutdown")
	}
}

// eventLoop consumes the socket's event stream until it closes. Events for one
// device are handled strictly in order.
func (m *Manager) eventLoop(sess *session, device *store.Device) {
	for ev := range sess.socket.Events() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		switch e := ev.(type) {
		case transport.CredsUpdate:
			sess.handle.SetCreds(e.Creds)
		case transport.ConnectionUpdate:
			m.handleConnection(ctx, sess, e)
		case transport.MessagesUpsert:
			m.handleMessages(ctx, sess, device, e)
		}
		cancel()
	}

	// Stream ended without our teardown: make sure the registry entry and the
	// pending saves do not leak.
	if m.forget(sess) {
		sess.handle.Close(context.Background())
	}
}

func (m *Manager) handleConnection(ctx context.Context, sess *session, e transport.ConnectionUpdate) {
	deviceID := sess.deviceID

	if e.QR != "" {
		qrStatus := store.DeviceQR
		if err := m.db.UpdateDevice(ctx, deviceID, store.DeviceUpdate{
			Status: &qrStatus, QR: &e.QR, ClearLastError: true,
		}); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("QR persist failed")
		} else {
			log.Info().Str("deviceId", deviceID).Msg("QR code issued")
		}
	}

	switch e.State {
	case transport.StateConnecting:
		offline := store.DeviceOffline
		if err := m.db.UpdateDevice(ctx, deviceID, store.DeviceUpdate{
			Status: &offline, ClearLastError: true,
		}); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("Status update failed")
		}

	case transport.StateOpen:
		online := store.DeviceOnline
		if err := m.db.UpdateDevice(ctx, deviceID, store.DeviceUpdate{
			Status: &online, ClearQR: true, ClearLastError: true, TouchLastSeen: true,
		}); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("Status update failed")
		}
		if err := m.db.ExpireQrLinks(ctx, deviceID, time.Now()); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("QR link expiry failed")
		}
		log.Info().Str("deviceId", deviceID).
			Str("jid", sess.socket.AuthenticatedJid()).Msg("Session online")

	case transport.StateClose:
		m.handleClose(ctx, sess, e)
	}
}

// handleClose settles the device OFFLINE, flushes auth state and decides
// whether to reconnect.
func (m *Manager) handleClose(ctx context.Context, sess *session, e transport.ConnectionUpdate) {
	deviceID := sess.deviceID

	reason := string(e.CloseReason)
	if e.CloseError != "" {
		reason = e.CloseError
	}
	offline := store.DeviceOffline
	if err := m.db.UpdateDevice(ctx, deviceID, store.DeviceUpdate{
		Status: &offline, ClearQR: true, LastError: &reason,
	}); err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("Status update failed")
	}

	wasRegistered := m.forget(sess)
	sess.handle.SaveNow(ctx)

	switch {
	case e.CloseReason == transport.CloseLoggedOut:
		log.Warn().Str("deviceId", deviceID).Msg("Peer logged this device out, not reconnecting")
	case sess.closing.Load() || !wasRegistered:
		log.Debug().Str("deviceId", deviceID).Msg("Session closed on request")
	default:
		log.Info().Str("deviceId", deviceID).Str("reason", reason).
			Dur("delay", m.reconnectDelay).Msg("Connection lost, scheduling reconnect")
		m.scheduleConnect(deviceID, m.reconnectDelay)
	}
}

func (m *Manager) handleMessages(ctx context.Context, sess *session, device *store.Device, e transport.MessagesUpsert) {
	if e.Type != "notify" {
		return
	}
	for _, env := range e.Messages {
		rec, err := m.pipeline.Process(ctx, device, sess.socket, env)
		if err != nil {
			id := ""
			if env != nil {
				id = env.Key.ID
			}
			log.Error().Err(err).Str("deviceId", device.ID).Str("messageId", id).
				Msg("Inbound processing failed")
			continue
		}
		if rec != nil {
			m.reconcileSender(ctx, sess, rec)
			return // socket is gone, remaining batch entries retransmit after reconnect
		}
	}
}

// reconcileSender evicts the desynchronized peer's key material, recycles the
// socket and reconnects after a grace delay.
func (m *Manager) reconcileSender(ctx context.Context, sess *session, rec *inbound.Reconcile) {
	jids := []string{rec.RemoteJid}
	if rec.SenderPn != "" {
		jids = append(jids, rec.SenderPn)
	}
	sess.handle.ClearSenderInMemory(jids)
	sess.handle.SaveNow(ctx)

	sess.closing.Store(true)
	m.forget(sess)
	sess.socket.End(nil)

	log.Warn().Str("deviceId", sess.deviceID).Strs("jids", jids).
		Dur("delay", m.desyncDelay).Msg("Sender keys evicted, recycling session")
	m.scheduleConnect(sess.deviceID, m.desyncDelay)
}

func (m *Manager) scheduleConnect(deviceID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Connect(ctx, deviceID); err != nil {
			log.Error().Err(err).Str("deviceId", deviceID).Msg("Scheduled reconnect failed")
		}
	})
}

// forget removes the session from the registry if it is still the registered
// one. Reports whether it was.
func (m *Manager) forget(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[sess.deviceID]; ok && current == sess {
		delete(m.sessions, sess.deviceID)
		return true
	}
	return false
}

func (m *Manager) recordConnectError(ctx context.Context, deviceID string, err error) {
	errStatus := store.DeviceError
	msg := "connect_error: " + err.Error()
	if uerr := m.db.UpdateDevice(ctx, deviceID, store.DeviceUpdate{
		Status: &errStatus, LastError: &msg,
	}); uerr != nil {
		log.Warn().Err(uerr).Str("deviceId", deviceID).Msg("Connect error persist failed")
	}
}
