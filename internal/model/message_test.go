package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeOperation, &OperationMessage{
		Operation: &Operation{ID: "op-1", Type: OpCreate, NodeID: "n1", SenderID: "alice"},
	})
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, TypeOperation, decoded.Type)

	var om OperationMessage
	require.NoError(t, decoded.DecodePayload(&om))
	assert.Equal(t, "op-1", om.Operation.ID)
	assert.Equal(t, OpCreate, om.Operation.Type)
}

func TestDecodeMessageRejectsMissingType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestEnvelopeAADIsDeterministicAndBinding(t *testing.T) {
	env := &Envelope{
		Version:    EnvelopeVersion,
		DocumentID: "doc-1",
		KeyID:      "k1",
		KeyVersion: 1,
		SenderID:   "alice",
		MessageID:  "m1",
		Timestamp:  1234,
	}
	a, err := env.AAD()
	require.NoError(t, err)
	b, err := env.AAD()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// the AAD must change with any bound header field
	other := *env
	other.SenderID = "mallory"
	c, err := other.AAD()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// ciphertext fields are not part of the AAD
	sealed := *env
	sealed.Ciphertext = []byte("ct")
	d, err := sealed.AAD()
	require.NoError(t, err)
	assert.Equal(t, a, d)
}

func TestSessionKeyExpiry(t *testing.T) {
	now := time.Now()
	active := SessionKey{}
	assert.False(t, active.Expired(now), "zero ExpiresAt means never expires")

	retired := SessionKey{ExpiresAt: now.Add(-time.Second)}
	assert.True(t, retired.Expired(now))
	graced := SessionKey{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, graced.Expired(now))
}
