package keymanager

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"collabsync/internal/cryptographic/asymmetric"
	"collabsync/internal/cryptographic/encryption"
	"collabsync/internal/cryptographic/kdf"
	"collabsync/internal/cryptographic/signature"
	"collabsync/internal/model"
	"collabsync/internal/utils/log"
)

// blobVersion is the identity export layout version.
const blobVersion = 1

// DefaultPreviousKeyGrace is how long a superseded session key stays
// addressable for decryption after rotation. Matches the channel's max
// message age so every in-flight message can still be opened.
const DefaultPreviousKeyGrace = 5 * time.Minute

// DefaultRotationInterval is the per-document rotation period when rotation
// is enabled without an explicit interval.
const DefaultRotationInterval = 15 * time.Minute

type (
	// Manager owns the long-term identity, per-document session keys and
	// the participant public-key cache. All state is guarded by mu; timers
	// run on the injected clock so rotation is testable.
	Manager struct {
		mu    sync.Mutex
		clock clockwork.Clock

		identity *identityState
		sessions map[string]*session
		peers    map[string]*model.ParticipantKey

		rotations map[string]chan struct{}

		// PreviousKeyGrace bounds how long rotated-out key material is kept.
		PreviousKeyGrace time.Duration

		onRotate      func(*model.SessionKey)
		onRotateError func(documentID string, err error)
	}

	identityState struct {
		public     model.Identity
		privateKey []byte
		signingKey []byte
	}

	// session holds the active key and, briefly after rotation, the
	// superseded one.
	session struct {
		current  *model.SessionKey
		previous *model.SessionKey
	}

	// identitySecrets is the plaintext sealed inside an IdentityBlob.
	identitySecrets struct {
		UserID            string    `json:"userId"`
		PrivateKey        []byte    `json:"privateKey"`
		SigningPrivateKey []byte    `json:"signingPrivateKey"`
		PublicKey         []byte    `json:"publicKey"`
		SigningPublicKey  []byte    `json:"signingPublicKey"`
		CreatedAt         time.Time `json:"createdAt"`
	}
)

func NewManager(clock clockwork.Clock) *Manager {
	return &Manager{
		clock:            clock,
		sessions:         make(map[string]*session),
		peers:            make(map[string]*model.ParticipantKey),
		rotations:        make(map[string]chan struct{}),
		PreviousKeyGrace: DefaultPreviousKeyGrace,
	}
}

// OnRotate registers a callback invoked with each freshly rotated key.
func (m *Manager) OnRotate(fn func(*model.SessionKey)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = fn
}

// OnRotateError registers a callback for scheduled-rotation failures.
func (m *Manager) OnRotateError(fn func(documentID string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotateError = fn
}

// CreateIdentity generates a fresh long-term identity for userID: an X25519
// pair for key wrapping and an ed25519 pair for signing.
func (m *Manager) CreateIdentity(userID string) (*model.Identity, error) {
	priv, pub, err := asymmetric.NewKeyPair()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", model.ErrCryptoUnavailable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = &identityState{
		public: model.Identity{
			UserID:           userID,
			PublicKey:        pub,
			SigningPublicKey: signPub,
			CreatedAt:        m.clock.Now(),
		},
		privateKey: priv,
		signingKey: signPriv,
	}
	id := m.identity.public
	return &id, nil
}

// Identity returns the public identity, or nil if none exists yet.
func (m *Manager) Identity() *model.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	id := m.identity.public
	return &id
}

// Sign signs data with the identity's ed25519 key.
func (m *Manager) Sign(data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil, fmt.Errorf("no identity")
	}
	return signature.Sign(m.identity.signingKey, data), nil
}

// ExportIdentity seals the identity's private material under a
// password-derived key. Each export uses a fresh salt.
func (m *Manager) ExportIdentity(password string) (*model.IdentityBlob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil, fmt.Errorf("no identity to export")
	}

	secrets, err := json.Marshal(identitySecrets{
		UserID:            m.identity.public.UserID,
		PrivateKey:        m.identity.privateKey,
		SigningPrivateKey: m.identity.signingKey,
		PublicKey:         m.identity.public.PublicKey,
		SigningPublicKey:  m.identity.public.SigningPublicKey,
		CreatedAt:         m.identity.public.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal identity secrets: %w", err)
	}

	salt, err := kdf.NewSalt()
	if err != nil {
		return nil, err
	}
	key := kdf.FromPassword(password, salt, kdf.PasswordIterations)
	iv, ct, tag, err := encryption.Encrypt(key, secrets, []byte(m.identity.public.UserID))
	if err != nil {
		return nil, err
	}

	return &model.IdentityBlob{
		Version:    blobVersion,
		UserID:     m.identity.public.UserID,
		Salt:       salt,
		Iterations: kdf.PasswordIterations,
		IV:         iv,
		Ciphertext: ct,
		AuthTag:    tag,
	}, nil
}

// ImportIdentity restores an identity from an exported blob. A wrong
// password surfaces as ErrDecryptionFailed, never partial plaintext.
func (m *Manager) ImportIdentity(blob *model.IdentityBlob, password string) (*model.Identity, error) {
	if blob.Version != blobVersion {
		return nil, fmt.Errorf("identity blob version %d: %w", blob.Version, model.ErrUnsupportedVersion)
	}
	key := kdf.FromPassword(password, blob.Salt, blob.Iterations)
	plain, err := encryption.Decrypt(key, blob.IV, blob.Ciphertext, blob.AuthTag, []byte(blob.UserID))
	if err != nil {
		return nil, fmt.Errorf("open identity blob: %w", model.ErrDecryptionFailed)
	}

	var secrets identitySecrets
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("unmarshal identity secrets: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = &identityState{
		public: model.Identity{
			UserID:           secrets.UserID,
			PublicKey:        secrets.PublicKey,
			SigningPublicKey: secrets.SigningPublicKey,
			CreatedAt:        secrets.CreatedAt,
		},
		privateKey: secrets.PrivateKey,
		signingKey: secrets.SigningPrivateKey,
	}
	id := m.identity.public
	return &id, nil
}

// CreateSessionKey issues version 1 of a document's symmetric key. Only the
// document owner calls this; everyone else imports the key via exchange.
func (m *Manager) CreateSessionKey(documentID string) (*model.SessionKey, error) {
	key, err := newKeyMaterial()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sk := &model.SessionKey{
		DocumentID: documentID,
		Key:        key,
		Version:    1,
		KeyID:      uuid.NewString(),
		CreatedAt:  m.clock.Now(),
	}
	m.sessions[documentID] = &session{current: sk}
	return sk, nil
}

// RotateSessionKey supersedes the current key with fresh material at
// version+1. The old key stays addressable by KeyID until its grace expiry.
func (m *Manager) RotateSessionKey(documentID string) (*model.SessionKey, error) {
	key, err := newKeyMaterial()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	s, ok := m.sessions[documentID]
	if !ok || s.current == nil {
		m.mu.Unlock()
		return nil, model.ErrNoSessionKey
	}

	now := m.clock.Now()
	retired := *s.current
	retired.ExpiresAt = now.Add(m.PreviousKeyGrace)
	s.previous = &retired

	s.current = &model.SessionKey{
		DocumentID: documentID,
		Key:        key,
		Version:    retired.Version + 1,
		KeyID:      uuid.NewString(),
		CreatedAt:  now,
	}
	sk := s.current
	onRotate := m.onRotate
	m.mu.Unlock()

	log.Info("session key rotated",
		zap.String("documentID", documentID),
		zap.Int("version", sk.Version))
	if onRotate != nil {
		onRotate(sk)
	}
	return sk, nil
}

// SessionKey returns the active key for a document, or nil.
func (m *Manager) SessionKey(documentID string) *model.SessionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[documentID]; ok {
		return s.current
	}
	return nil
}

// SessionKeyByID resolves a key by id, checking the active key first and
// then the retained previous key if it has not expired. This is the decrypt
// path for messages sent mid-rotation.
func (m *Manager) SessionKeyByID(documentID, keyID string) *model.SessionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[documentID]
	if !ok {
		return nil
	}
	if s.current != nil && s.current.KeyID == keyID {
		return s.current
	}
	if s.previous != nil && s.previous.KeyID == keyID {
		if s.previous.Expired(m.clock.Now()) {
			s.previous = nil
			return nil
		}
		return s.previous
	}
	return nil
}

// AddParticipant caches a peer's public keys on first contact.
func (m *Manager) AddParticipant(p *model.ParticipantKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.ParticipantID] = p
}

// RemoveParticipant drops a departed peer's keys.
func (m *Manager) RemoveParticipant(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, participantID)
}

// Participant returns a cached peer key, or nil.
func (m *Manager) Participant(participantID string) *model.ParticipantKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[participantID]
}

// EncryptSessionKeyForParticipant wraps the document's active key for one
// recipient's public key.
func (m *Manager) EncryptSessionKeyForParticipant(documentID, participantID string) (*model.WrappedKey, error) {
	m.mu.Lock()
	s, ok := m.sessions[documentID]
	if !ok || s.current == nil {
		m.mu.Unlock()
		return nil, model.ErrNoSessionKey
	}
	peer, ok := m.peers[participantID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown participant %q", participantID)
	}
	key := s.current.Key
	m.mu.Unlock()

	ct, err := asymmetric.Encrypt(peer.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("wrap session key for %s: %w", participantID, err)
	}
	return &model.WrappedKey{RecipientID: participantID, Ciphertext: ct}, nil
}

// EncryptSessionKeyForAllParticipants wraps the active key once per known
// participant. O(participants) per exchange.
func (m *Manager) EncryptSessionKeyForAllParticipants(documentID string) ([]*model.WrappedKey, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	wrapped := make([]*model.WrappedKey, 0, len(ids))
	for _, id := range ids {
		wk, err := m.EncryptSessionKeyForParticipant(documentID, id)
		if err != nil {
			return nil, err
		}
		wrapped = append(wrapped, wk)
	}
	return wrapped, nil
}

// ImportSessionKey unwraps a received session key with the local private
// key and installs it. A stale version never displaces a newer key.
func (m *Manager) ImportSessionKey(documentID string, ciphertext []byte, version int, keyID, senderID string) (*model.SessionKey, error) {
	m.mu.Lock()
	if m.identity == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("no identity: %w", model.ErrKeyImportFailed)
	}
	priv := m.identity.privateKey
	m.mu.Unlock()

	key, err := asymmetric.Decrypt(priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("unwrap session key from %s: %w", senderID, model.ErrKeyImportFailed)
	}
	if len(key) != encryption.KeySize {
		return nil, fmt.Errorf("unwrapped key length %d: %w", len(key), model.ErrKeyImportFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[documentID]
	if !ok {
		s = &session{}
		m.sessions[documentID] = s
	}
	if s.current != nil && s.current.Version >= version {
		return s.current, nil
	}

	if s.current != nil {
		retired := *s.current
		retired.ExpiresAt = m.clock.Now().Add(m.PreviousKeyGrace)
		s.previous = &retired
	}
	s.current = &model.SessionKey{
		DocumentID: documentID,
		Key:        key,
		Version:    version,
		KeyID:      keyID,
		CreatedAt:  m.clock.Now(),
	}
	return s.current, nil
}

// EnableRotation schedules rotation for a document on a fixed interval.
// Failures are reported through OnRotateError and do not tear the session
// down; the old key stays valid.
func (m *Manager) EnableRotation(documentID string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}

	m.mu.Lock()
	if _, running := m.rotations[documentID]; running {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.rotations[documentID] = stop
	m.mu.Unlock()

	go func() {
		ticker := m.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				if _, err := m.RotateSessionKey(documentID); err != nil {
					log.Error("scheduled rotation failed",
						zap.String("documentID", documentID), zap.Error(err))
					m.mu.Lock()
					onErr := m.onRotateError
					m.mu.Unlock()
					if onErr != nil {
						onErr(documentID, err)
					}
				}
			}
		}
	}()
}

// DisableRotation stops the rotation schedule for a document.
func (m *Manager) DisableRotation(documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.rotations[documentID]; ok {
		close(stop)
		delete(m.rotations, documentID)
	}
}

// Close stops every rotation schedule.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, stop := range m.rotations {
		close(stop)
		delete(m.rotations, id)
	}
}

func newKeyMaterial() ([]byte, error) {
	key := make([]byte, encryption.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key material: %w", model.ErrCryptoUnavailable)
	}
	return key, nil
}
