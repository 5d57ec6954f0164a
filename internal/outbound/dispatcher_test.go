package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/normalize"
	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

type fakeStore struct {
	mu       sync.Mutex
	messages map[string]*store.OutboundMessage
	devices  map[string]*store.Device

	processing []string
	sent       map[string]string // id -> provider message id
	failed     map[string]string // id -> reason
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[string]*store.OutboundMessage),
		devices:  make(map[string]*store.Device),
		sent:     make(map[string]string),
		failed:   make(map[string]string),
	}
}

func (f *fakeStore) GetOutboundMessage(_ context.Context, id string) (*store.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeStore) MarkOutboundProcessing(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing = append(f.processing, id)
	f.messages[id].Status = store.OutboundProcessing
	return nil
}

func (f *fakeStore) MarkOutboundSent(_ context.Context, id, providerMessageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = providerMessageID
	f.messages[id].Status = store.OutboundSent
	return nil
}

func (f *fakeStore) MarkOutboundFailed(_ context.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errMsg
	f.messages[id].Status = store.OutboundFailed
	return nil
}

func (f *fakeStore) GetDevice(_ context.Context, deviceID string) (*store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

type sentMessage struct {
	to   string
	text string
}

type fakeSocket struct {
	mu        sync.Mutex
	jid       string
	sendErr   error
	sent      []sentMessage
	presences []transport.Presence
}

func (f *fakeSocket) Events() <-chan transport.Event { return nil }
func (f *fakeSocket) SendMessage(_ context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{to, text})
	return "3EB0PROVIDER", nil
}
func (f *fakeSocket) SendPresenceUpdate(_ context.Context, p transport.Presence, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, p)
	return nil
}
func (f *fakeSocket) ReadMessages(context.Context, []normalize.RawKey) error { return nil }

func (f *fakeSocket) AuthenticatedJid() string { return f.jid }

func (f *fakeSocket) End(error) {}

type fakeSessions struct {
	sockets map[string]transport.Socket
}

func (f *fakeSessions) Get(deviceID string) (transport.Socket, bool) {
	s, ok := f.sockets[deviceID]
	return s, ok
}

func seedMessage(fs *fakeStore, id, deviceID, text string) {
	fs.messages[id] = &store.OutboundMessage{
		ID:          id,
		TenantID:    "t1",
		DeviceID:    deviceID,
		To:          "5491122223333@s.whatsapp.net",
		Type:        "text",
		PayloadJSON: json.RawMessage(fmt.Sprintf(`{"text":%q}`, text)),
		Status:      store.OutboundQueued,
	}
}

func sendJob(t *testing.T, outboundID string) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"outboundMessageId": outboundID})
	require.NoError(t, err)
	return &queue.Job{Name: queue.JobSend, Payload: raw, EnqueuedAt: time.Now()}
}

func testDispatcher(t *testing.T) (*Dispatcher, *fakeStore, *fakeSocket) {
	t.Helper()
	fs := newFakeStore()
	fs.devices["dev-1"] = &store.Device{ID: "dev-1", TenantID: "t1", Status: store.DeviceOnline}
	sock := &fakeSocket{jid: "5491100001111:2@s.whatsapp.net"}
	sessions := &fakeSessions{sockets: map[string]transport.Socket{"dev-1": sock}}
	return New(fs, sessions, time.Millisecond), fs, sock
}

func TestSendHappyPath(t *testing.T) {
	d, fs, sock := testDispatcher(t)
	seedMessage(fs, "out-1", "dev-1", "hola")

	res := d.Handle(context.Background(), sendJob(t, "out-1"))
	assert.Equal(t, queue.Done, res.Disposition)

	assert.Equal(t, []string{"out-1"}, fs.processing)
	assert.Equal(t, "3EB0PROVIDER", fs.sent["out-1"])
	assert.Equal(t, store.OutboundSent, fs.messages["out-1"].Status)

	require.Len(t, sock.sent, 1)
	assert.Equal(t, "5491122223333@s.whatsapp.net", sock.sent[0].to)
	assert.Equal(t, "hola", sock.sent[0].text)
	assert.Equal(t, []transport.Presence{transport.PresenceComposing, transport.PresencePaused}, sock.presences)
}

func TestMissingRowDropsJob(t *testing.T) {
	d, fs, _ := testDispatcher(t)

	res := d.Handle(context.Background(), sendJob(t, "ghost"))
	assert.Equal(t, queue.Done, res.Disposition)
	assert.Empty(t, fs.processing)
}

func TestAlreadySentIsIdempotent(t *testing.T) {
	d, fs, sock := testDispatcher(t)
	seedMessage(fs, "out-1", "dev-1", "hola")
	fs.messages["out-1"].Status = store.OutboundSent

	res := d.Handle(context.Background(), sendJob(t, "out-1"))
	assert.Equal(t, queue.Done, res.Disposition)
	assert.Empty(t, sock.sent)
}

func TestDeviceChecksAreTerminal(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(fs *fakeStore, sessions *fakeSessions, sock *fakeSocket)
		reason string
	}{
		{
			name:   "unknown device",
			mutate: func(fs *fakeStore, _ *fakeSessions, _ *fakeSocket) { delete(fs.devices, "dev-1") },
			reason: "device_not_found",
		},
		{
			name:   "device offline",
			mutate: func(fs *fakeStore, _ *fakeSessions, _ *fakeSocket) { fs.devices["dev-1"].Status = store.DeviceOffline },
			reason: "device_not_online:OFFLINE",
		},
		{
			name:   "no live socket",
			mutate: func(_ *fakeStore, s *fakeSessions, _ *fakeSocket) { delete(s.sockets, "dev-1") },
			reason: "device_not_connected",
		},
		{
			name:   "socket not authenticated",
			mutate: func(_ *fakeStore, _ *fakeSessions, sock *fakeSocket) { sock.jid = "" },
			reason: "socket_not_authenticated",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.devices["dev-1"] = &store.Device{ID: "dev-1", TenantID: "t1", Status: store.DeviceOnline}
			sock := &fakeSocket{jid: "me@s.whatsapp.net"}
			sessions := &fakeSessions{sockets: map[string]transport.Socket{"dev-1": sock}}
			d := New(fs, sessions, time.Millisecond)
			seedMessage(fs, "out-1", "dev-1", "hola")
			tc.mutate(fs, sessions, sock)

			res := d.Handle(context.Background(), sendJob(t, "out-1"))
			assert.Equal(t, queue.Terminal, res.Disposition)
			assert.Equal(t, tc.reason, res.Reason)
			assert.Equal(t, tc.reason, fs.failed["out-1"], "terminal reasons must land on the row")
		})
	}
}

func TestUnsupportedTypeIsTerminal(t *testing.T) {
	d, fs, _ := testDispatcher(t)
	seedMessage(fs, "out-1", "dev-1", "hola")
	fs.messages["out-1"].Type = "sticker"

	res := d.Handle(context.Background(), sendJob(t, "out-1"))
	assert.Equal(t, queue.Terminal, res.Disposition)
	assert.Equal(t, "unsupported_type:sticker", res.Reason)
}

func TestEmptyTextRetries(t *testing.T) {
	payloads := map[string]json.RawMessage{
		"blank text":      json.RawMessage(`{"text":"   "}`),
		"missing text":    json.RawMessage(`{}`),
		"non-string text": json.RawMessage(`{"text":42}`),
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			d, fs, sock := testDispatcher(t)
			seedMessage(fs, "out-1", "dev-1", "ignored")
			fs.messages["out-1"].PayloadJSON = payload

			res := d.Handle(context.Background(), sendJob(t, "out-1"))
			assert.Equal(t, queue.Retry, res.Disposition)
			assert.Equal(t, "empty_text", res.Reason)
			assert.Empty(t, sock.sent)
			assert.Empty(t, fs.failed, "retryable outcomes leave the row for the failure hook")
		})
	}
}

func TestSendErrorRetries(t *testing.T) {
	d, fs, sock := testDispatcher(t)
	seedMessage(fs, "out-1", "dev-1", "hola")
	sock.sendErr = fmt.Errorf("stream closed")

	res := d.Handle(context.Background(), sendJob(t, "out-1"))
	assert.Equal(t, queue.Retry, res.Disposition)
	assert.Contains(t, res.Reason, "stream closed")
	assert.Empty(t, fs.sent)
}

func TestFailureHookSettlesRowOnLastAttempt(t *testing.T) {
	d, fs, _ := testDispatcher(t)
	seedMessage(fs, "out-1", "dev-1", "hola")
	job := sendJob(t, "out-1")

	d.OnFailure(context.Background(), job, "send_failed: stream closed", true, time.Now())
	assert.Empty(t, fs.failed, "hook must not settle while retries remain")

	d.OnFailure(context.Background(), job, "send_failed: stream closed", false, time.Now())
	assert.Equal(t, "send_failed: stream closed", fs.failed["out-1"])
}
