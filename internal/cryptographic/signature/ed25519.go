package signature

import (
	"crypto/ed25519"
	"crypto/rand"
)

func NewEd25519Keypair() (pub, priv []byte, err error) {
	p, s, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return p, s, nil
}

func Sign(privKeyBytes, message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(privKeyBytes), message)
}

func Verify(pubKeyBytes, message, sig []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), message, sig)
}
