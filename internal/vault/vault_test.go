package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestRoundTrip(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	for _, plaintext := range []string{"", "a", `{"creds":{"noiseKey":"abc"}}`, strings.Repeat("x", 64*1024)} {
		token, err := v.Encrypt([]byte(plaintext))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(token, "v1:"))

		got, err := v.Decrypt(token)
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(got))
	}
}

func TestTokenHasFourFields(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	token, err := v.Encrypt([]byte("payload"))
	require.NoError(t, err)

	parts := strings.Split(token, ":")
	require.Len(t, parts, 4)
	assert.Equal(t, "v1", parts[0])
	for _, part := range parts[1:] {
		_, err := base64.StdEncoding.DecodeString(part)
		assert.NoError(t, err)
	}
}

func TestDecryptBadFormat(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	for _, token := range []string{
		"",
		"v1",
		"v2:a:b:c",
		"v1:!!!:b:c",
		"v1:a:b",
		"v1:a:b:c:d",
	} {
		_, err := v.Decrypt(token)
		assert.ErrorIs(t, err, ErrBadFormat, "token %q", token)
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	token, err := v.Encrypt([]byte("sensitive auth state"))
	require.NoError(t, err)
	parts := strings.Split(token, ":")

	// Flip one bit in each of iv, tag, ciphertext in turn.
	for i := 1; i <= 3; i++ {
		raw, err := base64.StdEncoding.DecodeString(parts[i])
		require.NoError(t, err)
		raw[0] ^= 0x01

		mutated := make([]string, 4)
		copy(mutated, parts)
		mutated[i] = base64.StdEncoding.EncodeToString(raw)

		_, err = v.Decrypt(strings.Join(mutated, ":"))
		assert.ErrorIs(t, err, ErrBadTag, "field %d", i)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	v1, err := New(testKey(t))
	require.NoError(t, err)
	v2, err := New(testKey(t))
	require.NoError(t, err)

	token, err := v1.Encrypt([]byte("hello"))
	require.NoError(t, err)

	_, err = v2.Decrypt(token)
	assert.ErrorIs(t, err, ErrBadTag)
}

func TestAssertConfigured(t *testing.T) {
	_, err := New("")
	assert.True(t, errors.Is(err, ErrBadKey))

	_, err = New(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrBadKey)

	_, err = New("not base64 at all!!!")
	assert.ErrorIs(t, err, ErrBadKey)

	var v *Vault
	assert.ErrorIs(t, v.AssertConfigured(), ErrBadKey)
}
