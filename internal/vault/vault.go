package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Token layout: v1:<iv_b64>:<tag_b64>:<ct_b64>. The tag is carried separately
// so tampering with any single field is detectable before AEAD open.
const (
	tokenVersion = "v1"
	keySize      = 32
	nonceSize    = 12
	tagSize      = 16
)

var (
	// ErrBadFormat means the token is not a well-formed v1 token.
	ErrBadFormat = errors.New("vault: malformed token")
	// ErrBadKey means the configured key cannot be used for AEAD.
	ErrBadKey = errors.New("vault: invalid key")
	// ErrBadTag means authentication failed: the ciphertext, nonce or tag was altered.
	ErrBadTag = errors.New("vault: authentication failed")
)

// Vault AEAD-encrypts device session blobs with a process-wide symmetric key.
// The same key must be configured on every worker sharing the store.
type Vault struct {
	key []byte
}

// New creates a vault from a base64-encoded 256-bit key.
func New(keyB64 string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyB64))
	if err != nil {
		return nil, fmt.Errorf("%w: not base64: %v", ErrBadKey, err)
	}
	v := &Vault{key: key}
	if err := v.AssertConfigured(); err != nil {
		return nil, err
	}
	return v, nil
}

// AssertConfigured fails when the key is absent or not exactly 32 bytes.
// Called at startup; a worker with a bad key must not come up.
func (v *Vault) AssertConfigured() error {
	if v == nil || len(v.key) == 0 {
		return fmt.Errorf("%w: key not configured", ErrBadKey)
	}
	if len(v.key) != keySize {
		return fmt.Errorf("%w: key must be %d bytes, got %d", ErrBadKey, keySize, len(v.key))
	}
	return nil
}

// Encrypt seals plaintext into a self-describing token.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	aead, err := v.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	b64 := base64.StdEncoding.EncodeToString
	return strings.Join([]string{tokenVersion, b64(nonce), b64(tag), b64(ct)}, ":"), nil
}

// Decrypt opens a token produced by Encrypt.
func (v *Vault) Decrypt(token string) ([]byte, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 || parts[0] != tokenVersion {
		return nil, ErrBadFormat
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrBadFormat
	}
	tag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return nil, ErrBadFormat
	}
	ct, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, ErrBadFormat
	}

	aead, err := v.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrBadTag
	}
	return plaintext, nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	if err := v.AssertConfigured(); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return aead, nil
}
