// Package ws implements the chat transport over a websocket bridge: a
// long-lived framed JSON connection per device, with read/write pumps and
// ping/pong liveness.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/authstate"
	"github.com/chatwire/chatwire/internal/normalize"
	"github.com/chatwire/chatwire/internal/transport"
)

const (
	wsHandshakeWait = 15 * time.Second
	wsWriteWait     = 10 * time.Second
	wsPingInterval  = 25 * time.Second
	wsPongWait      = 70 * time.Second
	commandTimeout  = 30 * time.Second

	eventBuffer = 64
	sendBuffer  = 256
)

// frame is the wire unit in both directions.
type frame struct {
	Op      string          `json:"op"`
	ID      int64           `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Command string          `json:"command,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectionUpdatePayload struct {
	Connection     string `json:"connection,omitempty"`
	QR             string `json:"qr,omitempty"`
	Me             string `json:"me,omitempty"`
	LastDisconnect *struct {
		Reason string `json:"reason,omitempty"`
		Error  string `json:"error,omitempty"`
	} `json:"lastDisconnect,omitempty"`
}

type messagesUpsertPayload struct {
	Type     string                   `json:"type"`
	Messages []*normalize.RawEnvelope `json:"messages"`
}

// Dialer connects device sockets to the transport bridge.
type Dialer struct {
	BridgeURL string
}

// NewDialer creates a dialer for the given bridge endpoint.
func NewDialer(bridgeURL string) *Dialer {
	return &Dialer{BridgeURL: bridgeURL}
}

// Dial opens a websocket to the bridge, sends the init frame with the loaded
// auth state, and returns the live socket.
func (d *Dialer) Dial(ctx context.Context, cfg transport.SocketConfig) (transport.Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}

	conn, _, err := dialer.DialContext(ctx, d.BridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial bridge: %w", err)
	}

	s := &socket{
		deviceID:   cfg.DeviceID,
		keys:       cfg.Keys,
		getMessage: cfg.GetMessage,
		conn:       conn,
		events:     make(chan transport.Event, eventBuffer),
		sendCh:     make(chan []byte, sendBuffer),
		pending:    make(map[int64]chan frame),
		done:       make(chan struct{}),
	}

	init := map[string]any{
		"deviceId":  cfg.DeviceID,
		"creds":     cfg.Creds,
		"version":   cfg.Version,
		"disableQr": cfg.DisableQR,
	}
	if err := s.writeFrame(frame{Op: "init", Payload: mustJSON(init)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ws: send init: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

	go s.writePump()
	go s.readPump()
	return s, nil
}

type socket struct {
	deviceID   string
	keys       authstate.KeyStore
	getMessage transport.GetMessageFunc

	conn   *websocket.Conn
	events chan transport.Event
	sendCh chan []byte

	mu      sync.Mutex
	pending map[int64]chan frame
	ownJid  atomic.Value // string

	nextID atomic.Int64
	closed atomic.Bool
	done   chan struct{}
}

func (s *socket) Events() <-chan transport.Event { return s.events }

func (s *socket) AuthenticatedJid() string {
	if v, ok := s.ownJid.Load().(string); ok {
		return v
	}
	return ""
}

// End tears the socket down. Safe to call more than once.
func (s *socket) End(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("deviceId", s.deviceID).Msg("Ending transport socket")
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	s.conn.Close()
	close(s.done)
}

func (s *socket) SendMessage(ctx context.Context, to, text string) (string, error) {
	payload := mustJSON(map[string]any{"to": to, "text": text})
	resp, err := s.call(ctx, "sendMessage", payload)
	if err != nil {
		return "", err
	}
	var out struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("ws: decode send result: %w", err)
	}
	return out.Key.ID, nil
}

func (s *socket) SendPresenceUpdate(ctx context.Context, presence transport.Presence, jid string) error {
	payload := mustJSON(map[string]any{"presence": string(presence), "jid": jid})
	_, err := s.call(ctx, "sendPresenceUpdate", payload)
	return err
}

func (s *socket) ReadMessages(ctx context.Context, keys []normalize.RawKey) error {
	payload := mustJSON(map[string]any{"keys": keys})
	_, err := s.call(ctx, "readMessages", payload)
	return err
}

// call sends a command frame and waits for the matching result.
func (s *socket) call(ctx context.Context, command string, payload json.RawMessage) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, transport.ErrNotAuthenticated
	}

	id := s.nextID.Add(1)
	resultCh := make(chan frame, 1)

	s.mu.Lock()
	s.pending[id] = resultCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.enqueue(frame{Op: "command", ID: id, Command: command, Payload: payload}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errors.New("ws: socket closed")
	case resp := <-resultCh:
		if !resp.OK {
			return nil, fmt.Errorf("ws: %s failed: %s", command, resp.Error)
		}
		return resp.Payload, nil
	}
}

func (s *socket) enqueue(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("ws: encode frame: %w", err)
	}
	select {
	case s.sendCh <- data:
		return nil
	case <-s.done:
		return errors.New("ws: socket closed")
	default:
		return errors.New("ws: send buffer full")
	}
}

func (s *socket) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// writePump owns the connection's write side: queued frames and keepalive
// pings. Always closes the socket on exit so the read pump unblocks.
func (s *socket) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer s.End(nil)

	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("deviceId", s.deviceID).Msg("Bridge write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes bridge frames into typed events until the connection ends,
// then emits a synthetic close and shuts the event channel.
func (s *socket) readPump() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				// Unexpected close: surface it so the session manager can
				// apply its reconnect policy.
				s.events <- transport.ConnectionUpdate{
					State:       transport.StateClose,
					CloseReason: transport.CloseConnectionLost,
					CloseError:  err.Error(),
				}
				s.End(err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("deviceId", s.deviceID).Msg("Undecodable bridge frame, skipping")
			continue
		}
		s.dispatch(f)
	}
}

func (s *socket) dispatch(f frame) {
	switch f.Op {
	case "event":
		s.dispatchEvent(f)
	case "result":
		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		s.mu.Unlock()
		if ok {
			ch <- f
		}
	case "get_message":
		go s.answerGetMessage(f)
	case "keys_get", "keys_set":
		go s.answerKeysOp(f)
	default:
		log.Debug().Str("op", f.Op).Str("deviceId", s.deviceID).Msg("Ignoring unhandled bridge op")
	}
}

func (s *socket) dispatchEvent(f frame) {
	switch f.Event {
	case "creds.update":
		s.emit(transport.CredsUpdate{Creds: f.Payload})

	case "connection.update":
		var p connectionUpdatePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			log.Warn().Err(err).Str("deviceId", s.deviceID).Msg("Bad connection.update payload")
			return
		}
		update := transport.ConnectionUpdate{QR: p.QR}
		switch p.Connection {
		case "connecting":
			update.State = transport.StateConnecting
		case "open":
			update.State = transport.StateOpen
			if p.Me != "" {
				s.ownJid.Store(p.Me)
			}
		case "close":
			update.State = transport.StateClose
			update.CloseReason = transport.CloseConnectionLost
			if p.LastDisconnect != nil {
				update.CloseError = p.LastDisconnect.Error
				if p.LastDisconnect.Reason == string(transport.CloseLoggedOut) {
					update.CloseReason = transport.CloseLoggedOut
				}
			}
		}
		s.emit(update)

	case "messages.upsert":
		var p messagesUpsertPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			log.Warn().Err(err).Str("deviceId", s.deviceID).Msg("Bad messages.upsert payload")
			return
		}
		s.emit(transport.MessagesUpsert{Type: p.Type, Messages: p.Messages})

	default:
		log.Debug().Str("event", f.Event).Str("deviceId", s.deviceID).Msg("Ignoring unhandled bridge event")
	}
}

func (s *socket) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// answerGetMessage serves the bridge's prior-message lookup from recent
// events.
func (s *socket) answerGetMessage(f frame) {
	var req struct {
		Key normalize.RawKey `json:"key"`
	}
	resp := frame{Op: "result", ID: f.ID}
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		resp.Error = "bad get_message payload"
	} else if s.getMessage == nil {
		resp.OK = true
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		raw, err := s.getMessage(ctx, req.Key)
		cancel()
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Payload = raw
		}
	}
	if err := s.enqueue(resp); err != nil {
		log.Debug().Err(err).Str("deviceId", s.deviceID).Msg("Dropping get_message answer")
	}
}

// answerKeysOp serves the bridge's key-store reads and writes through the
// auth-state facade.
func (s *socket) answerKeysOp(f frame) {
	resp := frame{Op: "result", ID: f.ID}

	switch f.Op {
	case "keys_get":
		var req struct {
			Type authstate.BucketKind `json:"type"`
			IDs  []string             `json:"ids"`
		}
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			resp.Error = "bad keys_get payload"
			break
		}
		values, err := s.keys.Get(req.Type, req.IDs)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.OK = true
		resp.Payload = mustJSON(values)

	case "keys_set":
		var req map[authstate.BucketKind]map[string][]byte
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			resp.Error = "bad keys_set payload"
			break
		}
		if err := s.keys.Set(req); err != nil {
			resp.Error = err.Error()
			break
		}
		resp.OK = true
	}

	if err := s.enqueue(resp); err != nil {
		log.Debug().Err(err).Str("deviceId", s.deviceID).Msg("Dropping keys answer")
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
