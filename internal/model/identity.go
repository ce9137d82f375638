package model

import "time"

type (
	// Identity is the long-term identity of a user: an X25519 key pair for
	// key wrapping and an ed25519 pair for signing key-exchange payloads.
	// Private halves never leave the key manager except inside an
	// IdentityBlob.
	Identity struct {
		UserID           string    `json:"userId"`
		PublicKey        []byte    `json:"publicKey"`
		SigningPublicKey []byte    `json:"signingPublicKey"`
		CreatedAt        time.Time `json:"createdAt"`
	}

	// IdentityBlob is the encrypted-at-rest export of an identity. The
	// private material is sealed with a PBKDF2-derived key; Salt and
	// Iterations are stored so import can re-derive it.
	IdentityBlob struct {
		Version    int    `json:"version"`
		UserID     string `json:"userId"`
		Salt       []byte `json:"salt"`
		Iterations int    `json:"iterations"`
		IV         []byte `json:"iv"`
		Ciphertext []byte `json:"ciphertext"`
		AuthTag    []byte `json:"authTag"`
	}

	// ParticipantKey caches another peer's public keys, added on first
	// contact and removed on departure.
	ParticipantKey struct {
		ParticipantID    string `json:"participantId" bson:"participantId"`
		PublicKey        []byte `json:"publicKey" bson:"publicKey"`
		SigningPublicKey []byte `json:"signingPublicKey" bson:"signingPublicKey"`
	}
)
