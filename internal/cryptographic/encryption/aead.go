package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"collabsync/internal/model"
)

// KeySize is the AES-256 key length produced by the key manager and KDF.
const KeySize = 32

// TagSize is the GCM auth tag length.
const TagSize = 16

// Encrypt seals plaintext under an AES-GCM key with a fresh random IV,
// returning IV, ciphertext and auth tag separately since the envelope carries
// them as distinct fields. key must be 16/24/32 bytes.
func Encrypt(key, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("rand.Read iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, aad)
	// Seal appends the tag; split it back out.
	ciphertext = sealed[:len(sealed)-TagSize]
	tag = sealed[len(sealed)-TagSize:]
	return iv, ciphertext, tag, nil
}

// Decrypt opens ciphertext+tag under key and iv. Any corruption of the
// inputs or the aad surfaces as ErrDecryptionFailed, never partial plaintext.
func Decrypt(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("iv length %d: %w", len(iv), model.ErrDecryptionFailed)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", model.ErrDecryptionFailed)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}
