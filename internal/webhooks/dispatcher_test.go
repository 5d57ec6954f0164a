package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	dispatch *store.DeliveryDispatch
	success  map[string]int    // deliveryId -> attempts
	failed   map[string]string // deliveryId -> last error
	dlq      map[string]string
	retryAt  map[string]time.Time
}

func newFakeStore(dispatch *store.DeliveryDispatch) *fakeStore {
	return &fakeStore{
		dispatch: dispatch,
		success:  make(map[string]int),
		failed:   make(map[string]string),
		dlq:      make(map[string]string),
		retryAt:  make(map[string]time.Time),
	}
}

func (f *fakeStore) GetDeliveryForDispatch(_ context.Context, deliveryID string) (*store.DeliveryDispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatch == nil || f.dispatch.Delivery.ID != deliveryID {
		return nil, store.ErrNotFound
	}
	copied := *f.dispatch
	return &copied, nil
}

func (f *fakeStore) MarkDeliverySuccess(_ context.Context, deliveryID string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success[deliveryID] = attempts
	return nil
}

func (f *fakeStore) MarkDeliveryFailed(_ context.Context, deliveryID string, attempts int, lastError string, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[deliveryID] = lastError
	f.retryAt[deliveryID] = nextRetryAt
	return nil
}

func (f *fakeStore) MarkDeliveryDLQ(_ context.Context, deliveryID string, attempts int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq[deliveryID] = lastError
	return nil
}

func testDispatch(url string) *store.DeliveryDispatch {
	createdAt, _ := time.Parse(time.RFC3339, "2026-08-26T10:20:30.123Z")
	return &store.DeliveryDispatch{
		Delivery: store.WebhookDelivery{ID: "del-1", EndpointID: "ep-1", EventID: "ev-1",
			Status: store.DeliveryPending, Attempts: 0},
		Endpoint: store.WebhookEndpoint{ID: "ep-1", TenantID: "t1", URL: url,
			Secret: "whsec_test", Enabled: true},
		Event: store.Event{ID: "ev-1", TenantID: "t1", DeviceID: "dev-1",
			Type:           store.EventTypeMessageInbound,
			NormalizedJSON: json.RawMessage(`{"kind":"inbound_message"}`),
			RawJSON:        json.RawMessage(`{"key":{"id":"M1"}}`),
			CreatedAt:      createdAt},
	}
}

func deliverJob(t *testing.T, deliveryID string) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"deliveryId": deliveryID})
	require.NoError(t, err)
	return &queue.Job{Name: queue.JobDeliver, Payload: raw, EnqueuedAt: time.Now()}
}

func TestDeliverySignedAndMarkedSuccess(t *testing.T) {
	type received struct {
		headers http.Header
		body    []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		got <- received{r.Header.Clone(), data}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeStore(testDispatch(srv.URL))
	d := New(fs)

	res := d.Handle(context.Background(), deliverJob(t, "del-1"))
	assert.Equal(t, queue.Done, res.Disposition)
	assert.Equal(t, 1, fs.success["del-1"])

	req := <-got
	assert.Equal(t, "application/json", req.headers.Get("Content-Type"))
	assert.Equal(t, "ev-1", req.headers.Get("X-Event-Id"))
	assert.Equal(t, "t1", req.headers.Get("X-Tenant-Id"))
	assert.Equal(t, "dev-1", req.headers.Get("X-Device-Id"))
	assert.Equal(t, store.EventTypeMessageInbound, req.headers.Get("X-Event-Type"))

	timestamp := req.headers.Get("X-Timestamp")
	require.NotEmpty(t, timestamp)
	assert.Equal(t, Sign("whsec_test", timestamp, req.body), req.headers.Get("X-Signature"),
		"receiver must be able to recompute the signature")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(req.body, &payload))
	assert.Equal(t, "ev-1", payload["eventId"])
	assert.Equal(t, "t1", payload["tenantId"])
	assert.Equal(t, "dev-1", payload["deviceId"])
	assert.Equal(t, store.EventTypeMessageInbound, payload["type"])
	assert.Equal(t, "2026-08-26T10:20:30.123Z", payload["createdAt"])
	assert.Equal(t, map[string]any{"kind": "inbound_message"}, payload["normalized"])
}

func TestNon2xxRetriesWithStatusAndSnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream exploded")
	}))
	defer srv.Close()

	fs := newFakeStore(testDispatch(srv.URL))
	d := New(fs)

	res := d.Handle(context.Background(), deliverJob(t, "del-1"))
	assert.Equal(t, queue.Retry, res.Disposition)
	assert.Contains(t, res.Reason, "status 502")
	assert.Contains(t, res.Reason, "upstream exploded")
	assert.Empty(t, fs.success)
}

func TestConnectionErrorRetries(t *testing.T) {
	fs := newFakeStore(testDispatch("http://127.0.0.1:1"))
	d := New(fs)

	res := d.Handle(context.Background(), deliverJob(t, "del-1"))
	assert.Equal(t, queue.Retry, res.Disposition)
	assert.NotEmpty(t, res.Reason)
}

func TestMissingRowDropsJob(t *testing.T) {
	d := New(newFakeStore(nil))
	res := d.Handle(context.Background(), deliverJob(t, "ghost"))
	assert.Equal(t, queue.Done, res.Disposition)
}

func TestDisabledEndpointDropsDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("disabled endpoint must not be called")
	}))
	defer srv.Close()

	dispatch := testDispatch(srv.URL)
	dispatch.Endpoint.Enabled = false
	d := New(newFakeStore(dispatch))

	res := d.Handle(context.Background(), deliverJob(t, "del-1"))
	assert.Equal(t, queue.Done, res.Disposition)
}

func TestSettledDeliveryIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("settled delivery must not be re-posted")
	}))
	defer srv.Close()

	dispatch := testDispatch(srv.URL)
	dispatch.Delivery.Status = store.DeliverySuccess
	d := New(newFakeStore(dispatch))

	res := d.Handle(context.Background(), deliverJob(t, "del-1"))
	assert.Equal(t, queue.Done, res.Disposition)
}

func TestOnFailureTracksRetrySchedule(t *testing.T) {
	fs := newFakeStore(testDispatch("http://unused"))
	d := New(fs)
	retryAt := time.Now().Add(4 * time.Second)
	job := deliverJob(t, "del-1")
	job.Attempts = 2

	d.OnFailure(context.Background(), job, "status 503: busy", true, retryAt)
	assert.Equal(t, "status 503: busy", fs.failed["del-1"])
	assert.Equal(t, retryAt, fs.retryAt["del-1"])
	assert.Empty(t, fs.dlq)

	job.Attempts = 5
	d.OnFailure(context.Background(), job, "status 503: busy", false, time.Time{})
	assert.Equal(t, "status 503: busy", fs.dlq["del-1"])
}

func TestSendTest(t *testing.T) {
	got := make(chan *http.Request, 1)
	bodyCh := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		got <- r
		bodyCh <- data
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(newFakeStore(nil))
	err := d.SendTest(context.Background(), &store.WebhookEndpoint{
		ID: "ep-1", TenantID: "t1", URL: srv.URL, Secret: "whsec_test", Enabled: true,
	})
	require.NoError(t, err)

	req := <-got
	assert.Equal(t, "webhook.test", req.Header.Get("X-Event-Type"))
	assert.NotEmpty(t, req.Header.Get("X-Signature"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(<-bodyCh, &payload))
	assert.Equal(t, "webhook.test", payload["type"])
}
