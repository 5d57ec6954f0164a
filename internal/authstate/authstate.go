package authstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/vault"
)

// BucketKind enumerates the Signal-style key buckets the transport needs.
type BucketKind string

const (
	BucketSession         BucketKind = "session"
	BucketSenderKey       BucketKind = "sender-key"
	BucketSenderKeyMemory BucketKind = "sender-key-memory"
	BucketPreKey          BucketKind = "pre-key"
	BucketAppStateSyncKey BucketKind = "app-state-sync-key"
)

// saveDebounce is the trailing delay for Save. Key rotation is chatty; one
// trailing write amortizes it while guaranteeing eventual persistence.
const saveDebounce = 2 * time.Second

// Persistence is the slice of the store the auth-state layer needs.
type Persistence interface {
	GetWaSession(ctx context.Context, deviceID string) (*store.WaSession, error)
	UpsertWaSession(ctx context.Context, deviceID, authStateEnc string) error
}

// KeyStore is the mapping facade handed to the chat transport. A nil value in
// a Set update deletes the entry.
type KeyStore interface {
	Get(kind BucketKind, ids []string) (map[string][]byte, error)
	Set(updates map[BucketKind]map[string][]byte) error
}

// persisted is the plaintext layout inside the encrypted blob.
type persisted struct {
	Creds json.RawMessage                  `json:"creds"`
	Keys  map[BucketKind]map[string][]byte `json:"keys"`
}

// Manager loads per-device auth-state handles. The session manager only hands
// one in-flight handle per device, which serializes saves.
type Manager struct {
	db    Persistence
	vault *vault.Vault
}

// NewManager wires the store and the vault.
func NewManager(db Persistence, v *vault.Vault) *Manager {
	return &Manager{db: db, vault: v}
}

// Load reads and decrypts the device's auth state. A missing or undecipherable
// row falls back to fresh credentials, which is equivalent to an unpaired
// device.
func (m *Manager) Load(ctx context.Context, deviceID string) (*Handle, error) {
	h := &Handle{
		deviceID: deviceID,
		db:       m.db,
		vault:    m.vault,
		keys:     make(map[BucketKind]map[string][]byte),
		creds:    json.RawMessage("{}"),
		fresh:    true,
	}

	row, err := m.db.GetWaSession(ctx, deviceID)
	if err != nil {
		if err != store.ErrNotFound {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("Auth state load failed, starting fresh")
		}
		return h, nil
	}

	plaintext, err := m.vault.Decrypt(row.AuthStateEnc)
	if err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("Auth state undecipherable, starting fresh")
		return h, nil
	}

	var p persisted
	if err := json.Unmarshal(plaintext, &p); err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("Auth state unparseable, starting fresh")
		return h, nil
	}

	if len(p.Creds) > 0 {
		h.creds = p.Creds
		h.fresh = false
	}
	if p.Keys != nil {
		h.keys = p.Keys
	}
	return h, nil
}

// Handle is one device's in-memory auth state plus its persistence schedule.
type Handle struct {
	deviceID string
	db       Persistence
	vault    *vault.Vault

	mu        sync.Mutex
	creds     json.RawMessage
	keys      map[BucketKind]map[string][]byte
	fresh     bool
	saveTimer *time.Timer
}

// DeviceID returns the owning device.
func (h *Handle) DeviceID() string { return h.deviceID }

// Fresh reports whether the state was initialized without persisted creds.
func (h *Handle) Fresh() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fresh
}

// Creds returns the opaque credentials blob.
func (h *Handle) Creds() json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(json.RawMessage, len(h.creds))
	copy(out, h.creds)
	return out
}

// SetCreds replaces the credentials blob (transport creds.update) and
// schedules a debounced save.
func (h *Handle) SetCreds(creds json.RawMessage) {
	h.mu.Lock()
	h.creds = append(json.RawMessage(nil), creds...)
	h.fresh = false
	h.mu.Unlock()
	h.Save()
}

// Keys exposes the key-store facade for the transport.
func (h *Handle) Keys() KeyStore { return (*keyStore)(h) }

type keyStore Handle

func (k *keyStore) Get(kind BucketKind, ids []string) (map[string][]byte, error) {
	h := (*Handle)(k)
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string][]byte, len(ids))
	bucket := h.keys[kind]
	for _, id := range ids {
		if blob, ok := bucket[id]; ok {
			out[id] = append([]byte(nil), blob...)
		}
	}
	return out, nil
}

func (k *keyStore) Set(updates map[BucketKind]map[string][]byte) error {
	h := (*Handle)(k)
	h.mu.Lock()
	changed := false
	for kind, entries := range updates {
		for id, blob := range entries {
			if blob == nil {
				if _, ok := h.keys[kind][id]; ok {
					delete(h.keys[kind], id)
					changed = true
				}
				continue
			}
			if h.keys[kind] == nil {
				h.keys[kind] = make(map[string][]byte)
			}
			h.keys[kind][id] = append([]byte(nil), blob...)
			changed = true
		}
	}
	h.mu.Unlock()

	if changed {
		h.Save()
	}
	return nil
}

// Save schedules a trailing save. Multiple calls within the window collapse
// into one write.
func (h *Handle) Save() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.saveTimer != nil {
		h.saveTimer.Stop()
	}
	h.saveTimer = time.AfterFunc(saveDebounce, func() {
		h.flush(context.Background())
	})
}

// SaveNow cancels any pending timer and flushes immediately.
func (h *Handle) SaveNow(ctx context.Context) {
	h.mu.Lock()
	if h.saveTimer != nil {
		h.saveTimer.Stop()
		h.saveTimer = nil
	}
	h.mu.Unlock()
	h.flush(ctx)
}

// Close stops the debounce timer and performs a final flush. Called on
// session teardown and graceful shutdown.
func (h *Handle) Close(ctx context.Context) {
	h.SaveNow(ctx)
}

// flush encrypts and writes the current state. Failures are logged, never
// propagated: the engine must continue.
func (h *Handle) flush(ctx context.Context) {
	h.mu.Lock()
	p := persisted{Creds: h.creds, Keys: h.keys}
	plaintext, err := json.Marshal(p)
	h.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("deviceId", h.deviceID).Msg("Auth state marshal failed")
		return
	}

	token, err := h.vault.Encrypt(plaintext)
	if err != nil {
		log.Error().Err(err).Str("deviceId", h.deviceID).Msg("Auth state encrypt failed")
		return
	}

	if err := h.db.UpsertWaSession(ctx, h.deviceID, token); err != nil {
		log.Error().Err(err).Str("deviceId", h.deviceID).Msg("Auth state persist failed")
	}
}

// ClearCorrupted removes all entries in the session and sender-key buckets
// and flushes immediately. Used when the peer reports desynchronization
// beyond per-sender repair.
func (h *Handle) ClearCorrupted(ctx context.Context) {
	h.mu.Lock()
	for _, kind := range []BucketKind{BucketSession, BucketSenderKey, BucketSenderKeyMemory} {
		delete(h.keys, kind)
	}
	h.mu.Unlock()
	h.SaveNow(ctx)
}

// ClearSenderInMemory purges only the key material belonging to the given
// peers: session entries keyed <user>, <user>:*, <user>.* and any sender-key
// entry whose id contains a user part.
func (h *Handle) ClearSenderInMemory(jids []string) {
	h.mu.Lock()
	purgeSenders(h.keys, jids)
	h.mu.Unlock()
}

// ClearSessionsForJids is the out-of-band variant: it rewrites the persisted
// row directly without going through a live handle. Used by the
// reset-sender-sessions device command.
func (m *Manager) ClearSessionsForJids(ctx context.Context, deviceID string, jids []string) error {
	row, err := m.db.GetWaSession(ctx, deviceID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("authstate: load for clear: %w", err)
	}

	plaintext, err := m.vault.Decrypt(row.AuthStateEnc)
	if err != nil {
		return fmt.Errorf("authstate: decrypt for clear: %w", err)
	}

	var p persisted
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return fmt.Errorf("authstate: parse for clear: %w", err)
	}
	if p.Keys == nil {
		return nil
	}

	purgeSenders(p.Keys, jids)

	updated, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("authstate: marshal after clear: %w", err)
	}
	token, err := m.vault.Encrypt(updated)
	if err != nil {
		return fmt.Errorf("authstate: encrypt after clear: %w", err)
	}
	return m.db.UpsertWaSession(ctx, deviceID, token)
}
