package channel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"collabsync/internal/cryptographic/encryption"
	"collabsync/internal/cryptographic/signature"
	"collabsync/internal/keymanager"
	"collabsync/internal/model"
	"collabsync/internal/utils/log"
)

// KeyState is the per-document key handshake state.
type KeyState string

const (
	KeyStateNone      KeyState = "no_key"
	KeyStateRequested KeyState = "key_requested"
	KeyStateReady     KeyState = "key_ready"
)

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(data []byte) error
}

type (
	Config struct {
		// MaxMessageAge rejects envelopes older than this.
		MaxMessageAge time.Duration
		// MaxFutureSkew tolerates clocks ahead of ours by up to this much.
		MaxFutureSkew time.Duration
		// ReplayWindowSize bounds the remembered message ids.
		ReplayWindowSize int
		// PendingLimit bounds messages queued before the key is ready.
		PendingLimit int
	}

	// Channel wraps the connection manager and key manager for one
	// document: envelope construction and validation, the key-exchange
	// handshake, and replay-window enforcement.
	Channel struct {
		cfg        Config
		documentID string
		isOwner    bool
		keys       *keymanager.Manager
		sender     Sender
		clock      clockwork.Clock

		mu       sync.Mutex
		keyState KeyState
		pending  [][]byte
		replay   *replayWindow
		// sendMu orders outbound traffic: markKeyReady holds it while
		// draining pending, so a Send racing the flush cannot overtake
		// messages queued before the key was ready
		sendMu sync.Mutex

		// per-event-kind subscriber lists
		onMessage  []func(*model.Message)
		onControl  []func(*model.Message)
		onError    []func(error)
		onKeyReady []func()
	}

	// keyExchangeSigned is the canonical byte layout covered by the
	// KEY_EXCHANGE signature.
	keyExchangeSigned struct {
		DocumentID    string              `json:"documentId"`
		SenderID      string              `json:"senderId"`
		KeyID         string              `json:"keyId"`
		KeyVersion    int                 `json:"keyVersion"`
		EncryptedKeys []*model.WrappedKey `json:"encryptedKeys"`
	}
)

func DefaultConfig() Config {
	return Config{
		MaxMessageAge:    5 * time.Minute,
		MaxFutureSkew:    time.Minute,
		ReplayWindowSize: 1000,
		PendingLimit:     256,
	}
}

func New(cfg Config, documentID string, isOwner bool, keys *keymanager.Manager, sender Sender, clock clockwork.Clock) *Channel {
	if cfg.MaxMessageAge <= 0 {
		cfg.MaxMessageAge = 5 * time.Minute
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = time.Minute
	}
	if cfg.ReplayWindowSize <= 0 {
		cfg.ReplayWindowSize = 1000
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 256
	}
	return &Channel{
		cfg:        cfg,
		documentID: documentID,
		isOwner:    isOwner,
		keys:       keys,
		sender:     sender,
		clock:      clock,
		keyState:   KeyStateNone,
		replay:     newReplayWindow(cfg.ReplayWindowSize),
	}
}

// OnMessage subscribes to decrypted application messages.
func (c *Channel) OnMessage(fn func(*model.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnControl subscribes to plaintext control messages the channel does not
// consume itself (SYNC_RESPONSE paging from the relay, ERROR and friends).
func (c *Channel) OnControl(fn func(*model.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onControl = append(c.onControl, fn)
}

// OnError subscribes to typed validation failures.
func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnKeyReady subscribes to the key state reaching ready.
func (c *Channel) OnKeyReady(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onKeyReady = append(c.onKeyReady, fn)
}

// KeyState returns the handshake state.
func (c *Channel) KeyState() KeyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyState
}

// EnsureKey drives the handshake on connect. The document owner creates the
// session key immediately; everyone else broadcasts a key request and waits
// for an exchange.
func (c *Channel) EnsureKey() error {
	c.mu.Lock()
	if c.keyState == KeyStateReady {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.keys.SessionKey(c.documentID) != nil {
		c.markKeyReady()
		return nil
	}

	if c.isOwner {
		if _, err := c.keys.CreateSessionKey(c.documentID); err != nil {
			return err
		}
		c.markKeyReady()
		return nil
	}
	return c.requestKey()
}

// Send encrypts an application message and transmits it, queueing it FIFO
// while the session key is not yet available.
func (c *Channel) Send(t model.MessageType, payload any) error {
	msg, err := model.NewMessage(t, payload)
	if err != nil {
		return err
	}
	plaintext, err := msg.Encode()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	if c.keyState != KeyStateReady {
		if len(c.pending) >= c.cfg.PendingLimit {
			c.mu.Unlock()
			return model.ErrQueueFull
		}
		c.pending = append(c.pending, plaintext)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.encryptAndSend(plaintext)
}

// HandleFrame processes one inbound wire frame from the connection manager.
func (c *Channel) HandleFrame(data []byte) {
	msg, err := model.DecodeMessage(data)
	if err != nil {
		log.Warn("drop malformed frame", zap.Error(err))
		return
	}

	switch msg.Type {
	case model.TypeEncrypted:
		var env model.Envelope
		if err := msg.DecodePayload(&env); err != nil {
			log.Warn("drop malformed envelope", zap.Error(err))
			return
		}
		inner, err := c.Decrypt(&env)
		if err != nil {
			c.reportError(err)
			return
		}
		c.deliver(inner)
	case model.TypeKeyRequest:
		var req model.KeyRequest
		if err := msg.DecodePayload(&req); err != nil {
			log.Warn("drop malformed key request", zap.Error(err))
			return
		}
		c.handleKeyRequest(&req)
	case model.TypeKeyExchange:
		var ex model.KeyExchange
		if err := msg.DecodePayload(&ex); err != nil {
			log.Warn("drop malformed key exchange", zap.Error(err))
			return
		}
		c.handleKeyExchange(&ex)
	default:
		c.mu.Lock()
		subs := c.onControl
		c.mu.Unlock()
		for _, fn := range subs {
			fn(msg)
		}
	}
}

// Encrypt builds the envelope for a serialized application message using the
// current session key.
func (c *Channel) Encrypt(plaintext []byte) (*model.Envelope, error) {
	sk := c.keys.SessionKey(c.documentID)
	if sk == nil {
		return nil, model.ErrNoSessionKey
	}
	identity := c.keys.Identity()
	if identity == nil {
		return nil, fmt.Errorf("no identity")
	}

	env := &model.Envelope{
		Version:    model.EnvelopeVersion,
		DocumentID: c.documentID,
		KeyID:      sk.KeyID,
		KeyVersion: sk.Version,
		SenderID:   identity.UserID,
		MessageID:  uuid.NewString(),
		Timestamp:  c.clock.Now().UnixMilli(),
	}
	aad, err := env.AAD()
	if err != nil {
		return nil, err
	}
	iv, ct, tag, err := encryption.Encrypt(sk.Key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	env.IV, env.Ciphertext, env.AuthTag = iv, ct, tag
	return env, nil
}

// Decrypt validates and opens an inbound envelope: version, replay window,
// timestamp bounds, key id, then the AEAD itself. Every rejection is a typed
// error so the caller can decide to re-request keys or disconnect.
func (c *Channel) Decrypt(env *model.Envelope) (*model.Message, error) {
	return c.decrypt(env, true)
}

// DecryptArchived opens an envelope replayed from the relay's operation log
// during resync. The age ceiling does not apply (logged envelopes are
// arbitrarily old); the replay window and key checks still do.
func (c *Channel) DecryptArchived(env *model.Envelope) (*model.Message, error) {
	return c.decrypt(env, false)
}

func (c *Channel) decrypt(env *model.Envelope, enforceAge bool) (*model.Message, error) {
	if env.Version != model.EnvelopeVersion {
		return nil, fmt.Errorf("envelope version %d: %w", env.Version, model.ErrUnsupportedVersion)
	}

	c.mu.Lock()
	replayed := c.replay.contains(env.MessageID)
	c.mu.Unlock()
	if replayed {
		return nil, fmt.Errorf("message %s: %w", env.MessageID, model.ErrReplayDetected)
	}

	now := c.clock.Now().UnixMilli()
	age := time.Duration(now-env.Timestamp) * time.Millisecond
	if enforceAge && age > c.cfg.MaxMessageAge {
		return nil, fmt.Errorf("message age %s: %w", age, model.ErrMessageExpired)
	}
	if age < -c.cfg.MaxFutureSkew {
		return nil, fmt.Errorf("message %s ahead: %w", -age, model.ErrMessageFromFuture)
	}

	sk := c.keys.SessionKeyByID(env.DocumentID, env.KeyID)
	if sk == nil {
		// Stale or rotated-out key. Ask for a fresh exchange; the message
		// itself is lost, which the replicated log tolerates.
		if !c.isOwner {
			if err := c.requestKey(); err != nil {
				log.Warn("key re-request failed", zap.Error(err))
			}
		}
		return nil, fmt.Errorf("key %s v%d: %w", env.KeyID, env.KeyVersion, model.ErrKeyMismatch)
	}

	aad, err := env.AAD()
	if err != nil {
		return nil, err
	}
	plaintext, err := encryption.Decrypt(sk.Key, env.IV, env.Ciphertext, env.AuthTag, aad)
	if err != nil {
		return nil, err
	}

	// Only authenticated messages may occupy replay-window slots.
	c.mu.Lock()
	c.replay.record(env.MessageID)
	c.mu.Unlock()

	return model.DecodeMessage(plaintext)
}

func (c *Channel) encryptAndSend(plaintext []byte) error {
	env, err := c.Encrypt(plaintext)
	if err != nil {
		return err
	}
	frame, err := model.NewMessage(model.TypeEncrypted, env)
	if err != nil {
		return err
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	return c.sender.Send(data)
}

func (c *Channel) requestKey() error {
	identity := c.keys.Identity()
	if identity == nil {
		return fmt.Errorf("no identity")
	}
	msg, err := model.NewMessage(model.TypeKeyRequest, &model.KeyRequest{
		DocumentID:          c.documentID,
		RequesterID:         identity.UserID,
		RequesterPublicKey:  identity.PublicKey,
		RequesterSigningKey: identity.SigningPublicKey,
	})
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := c.sender.Send(data); err != nil {
		return err
	}

	c.mu.Lock()
	if c.keyState == KeyStateNone {
		c.keyState = KeyStateRequested
	}
	c.mu.Unlock()
	return nil
}

// handleKeyRequest answers a peer's request if we hold the session key: the
// requester is cached as a participant and the key is wrapped for everyone,
// redundantly broadcast so late joiners also catch up.
func (c *Channel) handleKeyRequest(req *model.KeyRequest) {
	if req.DocumentID != c.documentID {
		return
	}
	identity := c.keys.Identity()
	if identity == nil || req.RequesterID == identity.UserID {
		return
	}

	c.keys.AddParticipant(&model.ParticipantKey{
		ParticipantID:    req.RequesterID,
		PublicKey:        req.RequesterPublicKey,
		SigningPublicKey: req.RequesterSigningKey,
	})

	sk := c.keys.SessionKey(c.documentID)
	if sk == nil {
		return
	}

	wrapped, err := c.keys.EncryptSessionKeyForAllParticipants(c.documentID)
	if err != nil {
		log.Error("wrap session key failed", zap.Error(err))
		return
	}

	signedBytes, err := json.Marshal(keyExchangeSigned{
		DocumentID:    c.documentID,
		SenderID:      identity.UserID,
		KeyID:         sk.KeyID,
		KeyVersion:    sk.Version,
		EncryptedKeys: wrapped,
	})
	if err != nil {
		log.Error("marshal key exchange failed", zap.Error(err))
		return
	}
	sig, err := c.keys.Sign(signedBytes)
	if err != nil {
		log.Error("sign key exchange failed", zap.Error(err))
		return
	}

	msg, err := model.NewMessage(model.TypeKeyExchange, &model.KeyExchange{
		DocumentID:      c.documentID,
		SenderID:        identity.UserID,
		EncryptedKeys:   wrapped,
		KeyVersion:      sk.Version,
		KeyID:           sk.KeyID,
		SenderPublicKey: identity.SigningPublicKey,
		Signature:       sig,
	})
	if err != nil {
		log.Error("build key exchange failed", zap.Error(err))
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if err := c.sender.Send(data); err != nil {
		log.Error("send key exchange failed", zap.Error(err))
	}
}

// handleKeyExchange imports our wrapped key from a broadcast exchange. An
// exchange carrying no entry for the local peer is a no-op, not an error.
func (c *Channel) handleKeyExchange(ex *model.KeyExchange) {
	if ex.DocumentID != c.documentID {
		return
	}
	identity := c.keys.Identity()
	if identity == nil || ex.SenderID == identity.UserID {
		return
	}

	var mine *model.WrappedKey
	for _, wk := range ex.EncryptedKeys {
		if wk.RecipientID == identity.UserID {
			mine = wk
			break
		}
	}
	if mine == nil {
		return
	}

	if !c.verifyExchange(ex) {
		c.reportError(fmt.Errorf("key exchange signature from %s: %w", ex.SenderID, model.ErrKeyImportFailed))
		return
	}

	if _, err := c.keys.ImportSessionKey(c.documentID, mine.Ciphertext, ex.KeyVersion, ex.KeyID, ex.SenderID); err != nil {
		c.reportError(err)
		return
	}

	log.Info("session key imported",
		zap.String("documentID", c.documentID),
		zap.Int("version", ex.KeyVersion),
		zap.String("from", ex.SenderID))
	c.markKeyReady()
}

// verifyExchange checks the ed25519 signature over the wrapped key set. The
// signing key comes from the participant cache when the sender is known,
// falling back to the key carried in the message on first contact.
func (c *Channel) verifyExchange(ex *model.KeyExchange) bool {
	if len(ex.Signature) == 0 {
		return false
	}
	signingKey := ex.SenderPublicKey
	if peer := c.keys.Participant(ex.SenderID); peer != nil && len(peer.SigningPublicKey) > 0 {
		signingKey = peer.SigningPublicKey
	}
	if len(signingKey) == 0 {
		return false
	}
	signedBytes, err := json.Marshal(keyExchangeSigned{
		DocumentID:    ex.DocumentID,
		SenderID:      ex.SenderID,
		KeyID:         ex.KeyID,
		KeyVersion:    ex.KeyVersion,
		EncryptedKeys: ex.EncryptedKeys,
	})
	if err != nil {
		return false
	}
	return signature.Verify(signingKey, signedBytes, ex.Signature)
}

// markKeyReady transitions to ready and flushes queued sends in order.
// sendMu is held across the transition and the drain, so a Send arriving
// mid-flush waits instead of slipping ahead of the queue.
func (c *Channel) markKeyReady() {
	c.sendMu.Lock()
	c.mu.Lock()
	if c.keyState == KeyStateReady {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return
	}
	c.keyState = KeyStateReady
	pending := c.pending
	c.pending = nil
	ready := c.onKeyReady
	c.mu.Unlock()

	for _, plaintext := range pending {
		if err := c.encryptAndSend(plaintext); err != nil {
			log.Error("flush pending message failed", zap.Error(err))
		}
	}
	c.sendMu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

func (c *Channel) deliver(msg *model.Message) {
	c.mu.Lock()
	subs := c.onMessage
	c.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (c *Channel) reportError(err error) {
	log.Warn("envelope rejected", zap.Error(err))
	c.mu.Lock()
	subs := c.onError
	c.mu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}
