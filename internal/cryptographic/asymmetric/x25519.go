package asymmetric

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"collabsync/internal/cryptographic/encryption"
	"collabsync/internal/cryptographic/kdf"
	"collabsync/internal/model"
)

// Sealed-box style key wrapping over X25519: an ephemeral key pair per
// encryption, HKDF over the shared secret, AES-GCM over the payload.
// X25519 sits at the ~128-bit security level (3072-bit RSA equivalent).

const keyWrapInfo = "collabsync/KeyWrap"

// NewKeyPair generates an X25519 key pair.
func NewKeyPair() (priv, pub []byte, err error) {
	var p [32]byte
	if _, err := rand.Read(p[:]); err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", model.ErrCryptoUnavailable)
	}
	var q [32]byte
	curve25519.ScalarBaseMult(&q, &p)
	return p[:], q[:], nil
}

// PublicKeyOf derives the public half of an X25519 private key.
func PublicKeyOf(priv []byte) ([]byte, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("private key length %d", len(priv))
	}
	var p, q [32]byte
	copy(p[:], priv)
	curve25519.ScalarBaseMult(&q, &p)
	return q[:], nil
}

// Encrypt seals plaintext for the holder of recipientPub. Output layout:
// ephemeralPub(32) || iv(12) || tag(16) || ciphertext.
func Encrypt(recipientPub, plaintext []byte) ([]byte, error) {
	if len(recipientPub) != 32 {
		return nil, fmt.Errorf("recipient public key length %d", len(recipientPub))
	}
	ephPriv, ephPub, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	key, err := wrapKey(ephPriv, recipientPub, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	iv, ct, tag, err := encryption.Encrypt(key, plaintext, ephPub)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 32+len(iv)+len(tag)+len(ct))
	out = append(out, ephPub...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens a sealed payload with the recipient's private key.
func Decrypt(recipientPriv, sealed []byte) ([]byte, error) {
	const ivSize = 12
	if len(sealed) < 32+ivSize+encryption.TagSize {
		return nil, fmt.Errorf("sealed payload too short: %w", model.ErrDecryptionFailed)
	}
	ephPub := sealed[:32]
	iv := sealed[32 : 32+ivSize]
	tag := sealed[32+ivSize : 32+ivSize+encryption.TagSize]
	ct := sealed[32+ivSize+encryption.TagSize:]

	recipientPub, err := PublicKeyOf(recipientPriv)
	if err != nil {
		return nil, err
	}
	key, err := wrapKey(recipientPriv, ephPub, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	return encryption.Decrypt(key, iv, ct, tag, ephPub)
}

// wrapKey derives the AES key from the X25519 shared secret. The salt binds
// both public keys so each (sender, recipient) pair derives independently.
func wrapKey(priv, pub, ephPub, recipientPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	salt := make([]byte, 0, 64)
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	key := make([]byte, encryption.KeySize)
	if _, err := kdf.HKDF(shared, salt, []byte(keyWrapInfo), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
