package model

import (
	"encoding/json"
	"fmt"
)

// EnvelopeVersion is the only envelope layout this build understands.
const EnvelopeVersion = 1

type (
	// Envelope is the authenticated-encryption wrapper around one
	// application message. Immutable; MessageID is a single-use nonce used
	// for replay detection.
	Envelope struct {
		Version    int    `json:"version"`
		DocumentID string `json:"documentId" bson:"documentId"`
		KeyID      string `json:"keyId" bson:"keyId"`
		KeyVersion int    `json:"keyVersion" bson:"keyVersion"`
		SenderID   string `json:"senderId" bson:"senderId"`
		MessageID  string `json:"messageId" bson:"messageId"`
		Timestamp  int64  `json:"timestamp" bson:"timestamp"`
		IV         []byte `json:"iv" bson:"iv"`
		Ciphertext []byte `json:"ciphertext" bson:"ciphertext"`
		AuthTag    []byte `json:"authTag" bson:"authTag"`
	}

	envelopeAAD struct {
		DocumentID string `json:"documentId"`
		KeyID      string `json:"keyId"`
		SenderID   string `json:"senderId"`
		MessageID  string `json:"messageId"`
		Timestamp  int64  `json:"timestamp"`
	}
)

// AAD builds the additional authenticated data for the envelope. Any
// tampering with the identifying fields breaks the auth tag on open.
func (e *Envelope) AAD() ([]byte, error) {
	aad, err := json.Marshal(envelopeAAD{
		DocumentID: e.DocumentID,
		KeyID:      e.KeyID,
		SenderID:   e.SenderID,
		MessageID:  e.MessageID,
		Timestamp:  e.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope aad: %w", err)
	}
	return aad, nil
}
