package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// PasswordIterations is the PBKDF2 iteration count for identity-at-rest
// encryption. Must never go below 100k.
const PasswordIterations = 210_000

// SaltSize is the random salt length for password derivation.
const SaltSize = 16

// HKDF fills buffer with key material derived from secret via HKDF-SHA256.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// FromPassword derives a 32-byte key from a password and salt using
// PBKDF2-SHA256.
func FromPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
}

// NewSalt returns a fresh random salt for password derivation.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("rand.Read salt: %w", err)
	}
	return salt, nil
}
