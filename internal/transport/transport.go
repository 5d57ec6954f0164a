// Package transport defines the black-box chat transport surface the engine
// consumes. The concrete websocket bridge lives in the ws subpackage; tests
// substitute fakes.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/chatwire/chatwire/internal/authstate"
	"github.com/chatwire/chatwire/internal/normalize"
)

// ErrNotAuthenticated is returned by send paths before the session holds an
// authenticated user principal.
var ErrNotAuthenticated = errors.New("transport: socket not authenticated")

// Presence values the engine emits around sends.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
	PresenceAvailable Presence = "available"
)

// ConnState is the connection phase reported by ConnectionUpdate.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClose      ConnState = "close"
)

// CloseReason classifies a connection close.
type CloseReason string

const (
	// CloseLoggedOut is terminal: the peer unlinked this device. No reconnect.
	CloseLoggedOut CloseReason = "loggedOut"
	// CloseConnectionLost covers every transient close; reconnect applies.
	CloseConnectionLost CloseReason = "connectionLost"
)

// Event is the tagged union of transport callbacks. Events for one device are
// delivered serially on the socket's event channel.
type Event interface{ isEvent() }

// CredsUpdate carries rotated credentials to persist.
type CredsUpdate struct {
	Creds json.RawMessage
}

// ConnectionUpdate reports QR codes and connection phase changes. QR may be
// set without a State change.
type ConnectionUpdate struct {
	State       ConnState
	QR          string
	CloseReason CloseReason
	CloseError  string
}

// MessagesUpsert delivers a batch of inbound envelopes. Only Type "notify"
// batches are processed.
type MessagesUpsert struct {
	Type     string
	Messages []*normalize.RawEnvelope
}

func (CredsUpdate) isEvent()      {}
func (ConnectionUpdate) isEvent() {}
func (MessagesUpsert) isEvent()   {}

// GetMessageFunc lets the transport look up a prior raw message by key, used
// for peer-requested re-encryption.
type GetMessageFunc func(ctx context.Context, key normalize.RawKey) (json.RawMessage, error)

// SocketConfig is everything needed to construct a socket.
type SocketConfig struct {
	DeviceID   string
	Creds      json.RawMessage
	Keys       authstate.KeyStore
	Version    []int // resolved protocol version pair
	DisableQR  bool  // never render QR locally; codes propagate via events
	GetMessage GetMessageFunc
}

// Socket is one live session. Implementations must close Events() when the
// connection ends.
type Socket interface {
	// Events returns the serial event stream for this session.
	Events() <-chan Event
	// SendMessage sends text and returns the provider message id.
	SendMessage(ctx context.Context, to, text string) (string, error)
	// SendPresenceUpdate emits a presence signal toward a chat.
	SendPresenceUpdate(ctx context.Context, presence Presence, jid string) error
	// ReadMessages acknowledges the given messages as read.
	ReadMessages(ctx context.Context, keys []normalize.RawKey) error
	// AuthenticatedJid returns the session's own address, or "" before login.
	AuthenticatedJid() string
	// End tears the socket down. Safe to call more than once.
	End(err error)
}

// Dialer constructs sockets. The engine holds exactly one per process.
type Dialer interface {
	Dial(ctx context.Context, cfg SocketConfig) (Socket, error)
}
