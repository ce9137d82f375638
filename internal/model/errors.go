package model

import "errors"

// Error taxonomy shared across the sync core. Transport failures are retried
// with backoff; crypto failures are surfaced and never retried automatically.
var (
	ErrCryptoUnavailable  = errors.New("crypto provider unavailable")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrKeyImportFailed    = errors.New("session key import failed")
	ErrKeyMismatch        = errors.New("envelope key does not match held session key")
	ErrReplayDetected     = errors.New("message id already seen within replay window")
	ErrMessageExpired     = errors.New("message timestamp exceeds max age")
	ErrMessageFromFuture  = errors.New("message timestamp too far in the future")
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrQueueFull          = errors.New("outgoing queue full")
	ErrMaxAttemptsReached = errors.New("reconnect attempts exhausted")
	ErrNoSessionKey       = errors.New("no session key for document")
	ErrNotConnected       = errors.New("not connected")
)
