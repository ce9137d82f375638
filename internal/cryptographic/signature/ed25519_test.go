package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := NewEd25519Keypair()
	require.NoError(t, err)

	msg := []byte("key exchange payload")
	sig := Sign(priv, msg)
	assert.True(t, Verify(pub, msg, sig))
	assert.False(t, Verify(pub, []byte("tampered"), sig))
}

func TestVerifyWithWrongKey(t *testing.T) {
	_, priv, err := NewEd25519Keypair()
	require.NoError(t, err)
	otherPub, _, err := NewEd25519Keypair()
	require.NoError(t, err)

	sig := Sign(priv, []byte("msg"))
	assert.False(t, Verify(otherPub, []byte("msg"), sig))
}

func TestVerifyRejectsMalformedKey(t *testing.T) {
	assert.False(t, Verify([]byte("too short"), []byte("msg"), []byte("sig")))
	assert.False(t, Verify(nil, []byte("msg"), []byte("sig")))
}
