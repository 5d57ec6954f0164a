package authstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/vault"
)

type memPersistence struct {
	mu    sync.Mutex
	rows  map[string]string
	saves int
}

func newMemPersistence() *memPersistence {
	return &memPersistence{rows: make(map[string]string)}
}

func (m *memPersistence) GetWaSession(_ context.Context, deviceID string) (*store.WaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enc, ok := m.rows[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.WaSession{DeviceID: deviceID, AuthStateEnc: enc, UpdatedAt: time.Now()}, nil
}

func (m *memPersistence) UpsertWaSession(_ context.Context, deviceID, enc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[deviceID] = enc
	m.saves++
	return nil
}

func (m *memPersistence) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return v
}

func TestLoadFreshWhenMissing(t *testing.T) {
	m := NewManager(newMemPersistence(), testVault(t))

	h, err := m.Load(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, h.Fresh())
	assert.JSONEq(t, "{}", string(h.Creds()))
}

func TestRoundTripThroughPersistence(t *testing.T) {
	db := newMemPersistence()
	v := testVault(t)
	m := NewManager(db, v)
	ctx := context.Background()

	h, err := m.Load(ctx, "dev-1")
	require.NoError(t, err)

	h.SetCreds(json.RawMessage(`{"noiseKey":"abc","registrationId":42}`))
	require.NoError(t, h.Keys().Set(map[BucketKind]map[string][]byte{
		BucketSession: {"5491122223333": []byte("s1")},
		BucketPreKey:  {"1": []byte("pk1")},
	}))
	h.SaveNow(ctx)

	// Stored blob is ciphertext, not the raw state.
	db.mu.Lock()
	enc := db.rows["dev-1"]
	db.mu.Unlock()
	assert.NotContains(t, enc, "noiseKey")
	assert.Contains(t, enc, "v1:")

	h2, err := m.Load(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, h2.Fresh())
	assert.JSONEq(t, `{"noiseKey":"abc","registrationId":42}`, string(h2.Creds()))

	got, err := h2.Keys().Get(BucketSession, []string{"5491122223333", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []byte("s1"), got["5491122223333"])
	assert.NotContains(t, got, "missing")
}

func TestLoadFallsBackOnUndecipherableRow(t *testing.T) {
	db := newMemPersistence()
	db.rows["dev-1"] = "v1:garbage"

	m := NewManager(db, testVault(t))
	h, err := m.Load(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, h.Fresh())
}

func TestSetDeleteSemantics(t *testing.T) {
	m := NewManager(newMemPersistence(), testVault(t))
	h, err := m.Load(context.Background(), "dev-1")
	require.NoError(t, err)

	ks := h.Keys()
	require.NoError(t, ks.Set(map[BucketKind]map[string][]byte{
		BucketSenderKey: {"g.us::5491122223333": []byte("sk")},
	}))
	require.NoError(t, ks.Set(map[BucketKind]map[string][]byte{
		BucketSenderKey: {"g.us::5491122223333": nil},
	}))

	got, err := ks.Get(BucketSenderKey, []string{"g.us::5491122223333"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveDebounces(t *testing.T) {
	db := newMemPersistence()
	m := NewManager(db, testVault(t))
	h, err := m.Load(context.Background(), "dev-1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.Save()
	}
	assert.Equal(t, 0, db.saveCount(), "save should trail, not write inline")

	h.SaveNow(context.Background())
	assert.Equal(t, 1, db.saveCount())

	// The cancelled timer must not fire a second write.
	time.Sleep(saveDebounce + 500*time.Millisecond)
	assert.Equal(t, 1, db.saveCount())
}

func seedKeys(t *testing.T, h *Handle) {
	t.Helper()
	require.NoError(t, h.Keys().Set(map[BucketKind]map[string][]byte{
		BucketSession: {
			"5491122223333":    []byte("a"),
			"5491122223333:12": []byte("b"),
			"5491122223333.0":  []byte("c"),
			"5491199990000":    []byte("keep"),
			"549112222333399":  []byte("keep-prefix"),
		},
		BucketSenderKey: {
			"120363@g.us::5491122223333::1": []byte("sk"),
			"120363@g.us::5491199990000::1": []byte("keep"),
		},
		BucketSenderKeyMemory: {
			"120363@g.us|5491122223333": []byte("skm"),
		},
		BucketPreKey: {"1": []byte("untouched")},
	}))
}

func TestClearSenderInMemory(t *testing.T) {
	m := NewManager(newMemPersistence(), testVault(t))
	h, err := m.Load(context.Background(), "dev-1")
	require.NoError(t, err)
	seedKeys(t, h)

	h.ClearSenderInMemory([]string{"5491122223333@lid", ""})

	sessions, err := h.Keys().Get(BucketSession, []string{
		"5491122223333", "5491122223333:12", "5491122223333.0",
		"5491199990000", "549112222333399",
	})
	require.NoError(t, err)
	assert.NotContains(t, sessions, "5491122223333")
	assert.NotContains(t, sessions, "5491122223333:12")
	assert.NotContains(t, sessions, "5491122223333.0")
	assert.Contains(t, sessions, "5491199990000")
	// Plain prefix without a separator must survive.
	assert.Contains(t, sessions, "549112222333399")

	senderKeys, err := h.Keys().Get(BucketSenderKey,
		[]string{"120363@g.us::5491122223333::1", "120363@g.us::5491199990000::1"})
	require.NoError(t, err)
	assert.NotContains(t, senderKeys, "120363@g.us::5491122223333::1")
	assert.Contains(t, senderKeys, "120363@g.us::5491199990000::1")

	memory, err := h.Keys().Get(BucketSenderKeyMemory, []string{"120363@g.us|5491122223333"})
	require.NoError(t, err)
	assert.Empty(t, memory)

	preKeys, err := h.Keys().Get(BucketPreKey, []string{"1"})
	require.NoError(t, err)
	assert.Contains(t, preKeys, "1")
}

func TestClearCorrupted(t *testing.T) {
	db := newMemPersistence()
	m := NewManager(db, testVault(t))
	ctx := context.Background()
	h, err := m.Load(ctx, "dev-1")
	require.NoError(t, err)
	seedKeys(t, h)

	h.ClearCorrupted(ctx)

	for _, kind := range []BucketKind{BucketSession, BucketSenderKey, BucketSenderKeyMemory} {
		got, err := h.Keys().Get(kind, []string{"5491122223333", "120363@g.us::5491122223333::1", "120363@g.us|5491122223333"})
		require.NoError(t, err)
		assert.Empty(t, got, string(kind))
	}
	preKeys, err := h.Keys().Get(BucketPreKey, []string{"1"})
	require.NoError(t, err)
	assert.Contains(t, preKeys, "1")

	assert.GreaterOrEqual(t, db.saveCount(), 1, "ClearCorrupted must flush immediately")
}

func TestClearSessionsForJidsOutOfBand(t *testing.T) {
	db := newMemPersistence()
	v := testVault(t)
	m := NewManager(db, v)
	ctx := context.Background()

	h, err := m.Load(ctx, "dev-1")
	require.NoError(t, err)
	seedKeys(t, h)
	h.SaveNow(ctx)

	require.NoError(t, m.ClearSessionsForJids(ctx, "dev-1", []string{"5491122223333@s.whatsapp.net"}))

	h2, err := m.Load(ctx, "dev-1")
	require.NoError(t, err)
	sessions, err := h2.Keys().Get(BucketSession, []string{"5491122223333", "5491199990000"})
	require.NoError(t, err)
	assert.NotContains(t, sessions, "5491122223333")
	assert.Contains(t, sessions, "5491199990000")

	// No row is fine too.
	require.NoError(t, m.ClearSessionsForJids(ctx, "no-such-device", []string{"1@x"}))
}
