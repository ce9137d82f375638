package model

import "time"

type (
	// SessionKey is the symmetric key for one document. Rotation supersedes
	// the key with a higher Version; the superseded key stays addressable by
	// KeyID until ExpiresAt so in-flight messages still decrypt.
	SessionKey struct {
		DocumentID string    `json:"documentId"`
		Key        []byte    `json:"-"`
		Version    int       `json:"version"`
		KeyID      string    `json:"keyId"`
		CreatedAt  time.Time `json:"createdAt"`
		ExpiresAt  time.Time `json:"expiresAt"`
	}

	// WrappedKey is a session key asymmetrically sealed for one recipient.
	WrappedKey struct {
		RecipientID string `json:"recipientId"`
		Ciphertext  []byte `json:"ciphertext"`
	}
)

// Expired reports whether the key is past its expiry at time now.
func (k *SessionKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}
