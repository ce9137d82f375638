package encryption

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/internal/model"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	key := newKey(t)
	plaintext := []byte(`{"type":"OPERATION","payload":{}}`)
	aad := []byte("doc-1|key-1|alice")

	iv, ct, tag, err := Encrypt(key, plaintext, aad)
	require.NoError(t, err)
	assert.Len(t, iv, 12)
	assert.Len(t, tag, TagSize)
	assert.NotEqual(t, plaintext, ct)

	plain, err := Decrypt(key, iv, ct, tag, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, plain)
}

func TestFreshIVPerEncryption(t *testing.T) {
	key := newKey(t)
	iv1, _, _, err := Encrypt(key, []byte("x"), nil)
	require.NoError(t, err)
	iv2, _, _, err := Encrypt(key, []byte("x"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, iv1, iv2)
}

func TestTamperDetection(t *testing.T) {
	key := newKey(t)
	iv, ct, tag, err := Encrypt(key, []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	flip := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[0] ^= 0x01
		return out
	}

	cases := []struct {
		name             string
		iv, ct, tag, aad []byte
	}{
		{"ciphertext", iv, flip(ct), tag, []byte("aad")},
		{"tag", iv, ct, flip(tag), []byte("aad")},
		{"iv", flip(iv), ct, tag, []byte("aad")},
		{"aad", iv, ct, tag, []byte("bad")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plain, err := Decrypt(key, tc.iv, tc.ct, tc.tag, tc.aad)
			require.ErrorIs(t, err, model.ErrDecryptionFailed)
			assert.Nil(t, plain)
		})
	}
}

func TestWrongKey(t *testing.T) {
	iv, ct, tag, err := Encrypt(newKey(t), []byte("payload"), nil)
	require.NoError(t, err)

	_, err = Decrypt(newKey(t), iv, ct, tag, nil)
	assert.ErrorIs(t, err, model.ErrDecryptionFailed)
}

func TestBadIVLength(t *testing.T) {
	key := newKey(t)
	_, ct, tag, err := Encrypt(key, []byte("payload"), nil)
	require.NoError(t, err)

	_, err = Decrypt(key, []byte{1, 2, 3}, ct, tag, nil)
	assert.ErrorIs(t, err, model.ErrDecryptionFailed)
}
