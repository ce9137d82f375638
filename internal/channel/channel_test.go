package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/internal/keymanager"
	"collabsync/internal/model"
)

const docID = "doc-1"

// captureSender records every outbound frame.
type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *captureSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *captureSender) messages(t *testing.T) []*model.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Message, 0, len(s.frames))
	for _, f := range s.frames {
		msg, err := model.DecodeMessage(f)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// pipeSender delivers frames straight into the paired channel.
type pipeSender struct {
	target *Channel
}

func (p *pipeSender) Send(data []byte) error {
	if p.target != nil {
		p.target.HandleFrame(data)
	}
	return nil
}

func newKeys(t *testing.T, userID string, clock clockwork.Clock) *keymanager.Manager {
	t.Helper()
	m := keymanager.NewManager(clock)
	t.Cleanup(m.Close)
	_, err := m.CreateIdentity(userID)
	require.NoError(t, err)
	return m
}

func TestOwnerEnsureKeyCreatesSessionKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "alice", clock)
	ch := New(DefaultConfig(), docID, true, keys, &captureSender{}, clock)

	require.NoError(t, ch.EnsureKey())
	assert.Equal(t, KeyStateReady, ch.KeyState())
	assert.NotNil(t, keys.SessionKey(docID))
}

func TestNonOwnerEnsureKeyRequests(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "bob", clock)
	sender := &captureSender{}
	ch := New(DefaultConfig(), docID, false, keys, sender, clock)

	require.NoError(t, ch.EnsureKey())
	assert.Equal(t, KeyStateRequested, ch.KeyState())

	msgs := sender.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.TypeKeyRequest, msgs[0].Type)

	var req model.KeyRequest
	require.NoError(t, msgs[0].DecodePayload(&req))
	assert.Equal(t, "bob", req.RequesterID)
	assert.NotEmpty(t, req.RequesterPublicKey)
}

func TestSendQueuesUntilKeyReadyAndFlushesInOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "alice", clock)
	sender := &captureSender{}
	ch := New(DefaultConfig(), docID, true, keys, sender, clock)

	require.NoError(t, ch.Send(model.TypeOperation, &model.OperationMessage{
		Operation: &model.Operation{ID: "op-1"},
	}))
	require.NoError(t, ch.Send(model.TypeOperation, &model.OperationMessage{
		Operation: &model.Operation{ID: "op-2"},
	}))
	assert.Empty(t, sender.messages(t))

	require.NoError(t, ch.EnsureKey())

	msgs := sender.messages(t)
	require.Len(t, msgs, 2)

	// decrypt with a second channel over the same key manager to check order
	rx := New(DefaultConfig(), docID, true, keys, &captureSender{}, clock)
	var ids []string
	for _, m := range msgs {
		require.Equal(t, model.TypeEncrypted, m.Type)
		var env model.Envelope
		require.NoError(t, m.DecodePayload(&env))
		inner, err := rx.Decrypt(&env)
		require.NoError(t, err)
		var om model.OperationMessage
		require.NoError(t, inner.DecodePayload(&om))
		ids = append(ids, om.Operation.ID)
	}
	assert.Equal(t, []string{"op-1", "op-2"}, ids)
}

// gateSender parks the first outbound frame until released, exposing the
// window where queued messages are still being flushed.
type gateSender struct {
	captureSender
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *gateSender) Send(data []byte) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.gate
	})
	return s.captureSender.Send(data)
}

func TestConcurrentSendWaitsForPendingFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "alice", clock)
	sender := &gateSender{entered: make(chan struct{}), gate: make(chan struct{})}
	ch := New(DefaultConfig(), docID, true, keys, sender, clock)

	require.NoError(t, ch.Send(model.TypeOperation, &model.OperationMessage{
		Operation: &model.Operation{ID: "op-1"},
	}))
	require.NoError(t, ch.Send(model.TypeOperation, &model.OperationMessage{
		Operation: &model.Operation{ID: "op-2"},
	}))

	flushed := make(chan struct{})
	go func() {
		assert.NoError(t, ch.EnsureKey())
		close(flushed)
	}()
	<-sender.entered // the flush is parked on its first frame

	// a send racing the flush must wait its turn behind the queue
	sent := make(chan struct{})
	go func() {
		assert.NoError(t, ch.Send(model.TypeOperation, &model.OperationMessage{
			Operation: &model.Operation{ID: "op-3"},
		}))
		close(sent)
	}()

	close(sender.gate)
	for _, done := range []chan struct{}{flushed, sent} {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("send or flush never completed")
		}
	}

	rx := New(DefaultConfig(), docID, true, keys, &captureSender{}, clock)
	var ids []string
	for _, m := range sender.messages(t) {
		require.Equal(t, model.TypeEncrypted, m.Type)
		var env model.Envelope
		require.NoError(t, m.DecodePayload(&env))
		inner, err := rx.Decrypt(&env)
		require.NoError(t, err)
		var om model.OperationMessage
		require.NoError(t, inner.DecodePayload(&om))
		ids = append(ids, om.Operation.ID)
	}
	assert.Equal(t, []string{"op-1", "op-2", "op-3"}, ids)
}

func TestSendQueueLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "alice", clock)
	cfg := DefaultConfig()
	cfg.PendingLimit = 2
	ch := New(cfg, docID, true, keys, &captureSender{}, clock)

	require.NoError(t, ch.Send(model.TypePing, &model.Ping{}))
	require.NoError(t, ch.Send(model.TypePing, &model.Ping{}))
	assert.ErrorIs(t, ch.Send(model.TypePing, &model.Ping{}), model.ErrQueueFull)
}

// wires an owner and a joining peer together and runs the full handshake
func handshakePair(t *testing.T, clock clockwork.Clock) (owner, peer *Channel, ownerKeys, peerKeys *keymanager.Manager) {
	t.Helper()
	ownerKeys = newKeys(t, "alice", clock)
	peerKeys = newKeys(t, "bob", clock)

	ownerPipe := &pipeSender{}
	peerPipe := &pipeSender{}
	owner = New(DefaultConfig(), docID, true, ownerKeys, ownerPipe, clock)
	peer = New(DefaultConfig(), docID, false, peerKeys, peerPipe, clock)
	ownerPipe.target = peer
	peerPipe.target = owner

	require.NoError(t, owner.EnsureKey())
	require.NoError(t, peer.EnsureKey())
	return owner, peer, ownerKeys, peerKeys
}

func TestKeyHandshakeEndToEnd(t *testing.T) {
	clock := clockwork.NewFakeClock()
	owner, peer, ownerKeys, peerKeys := handshakePair(t, clock)

	require.Equal(t, KeyStateReady, owner.KeyState())
	require.Equal(t, KeyStateReady, peer.KeyState())
	assert.Equal(t, ownerKeys.SessionKey(docID).Key, peerKeys.SessionKey(docID).Key)

	// requester was cached as a participant on the owner side
	require.NotNil(t, ownerKeys.Participant("bob"))

	var got []*model.Message
	owner.OnMessage(func(m *model.Message) { got = append(got, m) })

	require.NoError(t, peer.Send(model.TypeOperation, &model.OperationMessage{
		Operation: &model.Operation{ID: "op-1", SenderID: "bob"},
	}))

	require.Len(t, got, 1)
	assert.Equal(t, model.TypeOperation, got[0].Type)
}

func TestKeyExchangeNotAddressedToUsIsIgnored(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "carol", clock)
	ch := New(DefaultConfig(), docID, false, keys, &captureSender{}, clock)
	require.NoError(t, ch.EnsureKey())

	var errs []error
	ch.OnError(func(err error) { errs = append(errs, err) })

	msg, err := model.NewMessage(model.TypeKeyExchange, &model.KeyExchange{
		DocumentID:    docID,
		SenderID:      "alice",
		EncryptedKeys: []*model.WrappedKey{{RecipientID: "bob", Ciphertext: []byte("not for carol")}},
		KeyVersion:    1,
		KeyID:         "k1",
	})
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	ch.HandleFrame(data)

	assert.Empty(t, errs)
	assert.Equal(t, KeyStateRequested, ch.KeyState())
	assert.Nil(t, keys.SessionKey(docID))
}

func TestKeyExchangeBadSignatureRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ownerKeys := newKeys(t, "alice", clock)
	peerKeys := newKeys(t, "bob", clock)

	// owner builds a legitimate exchange for bob
	ownerSender := &captureSender{}
	owner := New(DefaultConfig(), docID, true, ownerKeys, ownerSender, clock)
	require.NoError(t, owner.EnsureKey())
	peerID := peerKeys.Identity()
	owner.handleKeyRequest(&model.KeyRequest{
		DocumentID:          docID,
		RequesterID:         "bob",
		RequesterPublicKey:  peerID.PublicKey,
		RequesterSigningKey: peerID.SigningPublicKey,
	})
	msgs := ownerSender.messages(t)
	require.Len(t, msgs, 1)
	require.Equal(t, model.TypeKeyExchange, msgs[0].Type)

	var ex model.KeyExchange
	require.NoError(t, msgs[0].DecodePayload(&ex))
	ex.Signature[0] ^= 0x01

	peer := New(DefaultConfig(), docID, false, peerKeys, &captureSender{}, clock)
	var errs []error
	peer.OnError(func(err error) { errs = append(errs, err) })
	peer.handleKeyExchange(&ex)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], model.ErrKeyImportFailed)
	assert.NotEqual(t, KeyStateReady, peer.KeyState())
}

func TestDecryptRejectsReplay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "alice", clock)
	tx := New(DefaultConfig(), docID, true, keys, &captureSender{}, clock)
	require.NoError(t, tx.EnsureKey())
	rx := New(DefaultConfig(), docID, true, keys, &captureSender{}, clock)

	plaintext, err := (&model.Message{Type: model.TypePing, Payload: []byte(`{}`)}).Encode()
	require.NoError(t, err)
	env, err := tx.Encrypt(plaintext)
	require.NoError(t, err)

	_, err = rx.Decrypt(env)
	require.NoError(t, err)
	_, err = rx.Decrypt(env)
	assert.ErrorIs(t, err, model.ErrReplayDetected)
}

func TestReplayWindowEvictionBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "alice", clock)
	tx := New(DefaultConfig(), docID, true, keys, &captureSender{}, clock)
	require.NoError(t, tx.EnsureKey())

	cfg := DefaultConfig()
	cfg.ReplayWindowSize = 2
	rx := New(cfg, docID, true, keys, &captureSender{}, clock)

	plaintext, err := (&model.Message{Type: model.TypePing, Payload: []byte(`{}`)}).Encode()
	require.NoError(t, err)

	envs := make([]*model.Envelope, 3)
	for i := range envs {
		envs[i], err = tx.Encrypt(plaintext)
		require.NoError(t, err)
	}

	for _, env := range envs {
		_, err = rx.Decrypt(env)
		require.NoError(t, err)
	}

	// the first id fell out of the two-slot window, so it slips through again
	_, err = rx.Decrypt(envs[0])
	assert.NoError(t, err)
	_, err = rx.Decrypt(envs[2])
	assert.ErrorIs(t, err, model.ErrReplayDetected)
}

func TestDecryptRejectsExpiredButArchiveAllows(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "alice", clock)
	tx := New(DefaultConfig(), docID, true, keys, &captureSender{}, clock)
	require.NoError(t, tx.EnsureKey())
	rx := New(DefaultConfig(), docID, true, keys, &captureSender{}, clock)

	plaintext, err := (&model.Message{Type: model.TypePing, Payload: []byte(`{}`)}).Encode()
	require.NoError(t, err)
	env, err := tx.Encrypt(plaintext)
	require.NoError(t, err)

	clock.Advance(rx.cfg.MaxMessageAge + time.Minute)

	_, err = rx.Decrypt(env)
	require.ErrorIs(t, err, model.ErrMessageExpired)

	// archived replay skips the age ceiling but still authenticates
	msg, err := rx.DecryptArchived(env)
	require.NoError(t, err)
	assert.Equal(t, model.TypePing, msg.Type)

	// and the replay window applies to archived envelopes too
	_, err = rx.DecryptArchived(env)
	assert.ErrorIs(t, err, model.ErrReplayDetected)
}

func TestDecryptRejectsFutureTimestamps(t *testing.T) {
	rxClock := clockwork.NewFakeClock()
	txClock := clockwork.NewFakeClockAt(rxClock.Now().Add(2 * time.Minute))

	keys := newKeys(t, "alice", rxClock)
	tx := New(DefaultConfig(), docID, true, keys, &captureSender{}, txClock)
	require.NoError(t, tx.EnsureKey())
	rx := New(DefaultConfig(), docID, true, keys, &captureSender{}, rxClock)

	plaintext, err := (&model.Message{Type: model.TypePing, Payload: []byte(`{}`)}).Encode()
	require.NoError(t, err)
	env, err := tx.Encrypt(plaintext)
	require.NoError(t, err)

	_, err = rx.Decrypt(env)
	assert.ErrorIs(t, err, model.ErrMessageFromFuture)
}

func TestDecryptWithUnknownKeyRequestsExchange(t *testing.T) {
	clock := clockwork.NewFakeClock()
	aliceKeys := newKeys(t, "alice", clock)
	tx := New(DefaultConfig(), docID, true, aliceKeys, &captureSender{}, clock)
	require.NoError(t, tx.EnsureKey())

	// bob holds no key for this document at all
	bobKeys := newKeys(t, "bob", clock)
	bobSender := &captureSender{}
	rx := New(DefaultConfig(), docID, false, bobKeys, bobSender, clock)

	plaintext, err := (&model.Message{Type: model.TypePing, Payload: []byte(`{}`)}).Encode()
	require.NoError(t, err)
	env, err := tx.Encrypt(plaintext)
	require.NoError(t, err)

	_, err = rx.Decrypt(env)
	require.ErrorIs(t, err, model.ErrKeyMismatch)

	msgs := bobSender.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.TypeKeyRequest, msgs[0].Type)
}

func TestRotationKeepsDecryptingInFlightTraffic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	_, peer, ownerKeys, peerKeys := handshakePair(t, clock)

	plaintext, err := (&model.Message{Type: model.TypePing, Payload: []byte(`{}`)}).Encode()
	require.NoError(t, err)

	// peer encrypts under v1, then the owner rotates to v2
	envV1, err := peer.Encrypt(plaintext)
	require.NoError(t, err)
	_, err = ownerKeys.RotateSessionKey(docID)
	require.NoError(t, err)

	rx := New(DefaultConfig(), docID, true, ownerKeys, &captureSender{}, clock)
	_, err = rx.Decrypt(envV1)
	require.NoError(t, err)

	// once the grace window lapses the old key is gone for good
	clock.Advance(ownerKeys.PreviousKeyGrace + time.Second)
	lateV1, err := peer.Encrypt(plaintext)
	require.NoError(t, err)
	require.Equal(t, peerKeys.SessionKey(docID).KeyID, lateV1.KeyID)
	_, err = rx.Decrypt(lateV1)
	assert.ErrorIs(t, err, model.ErrKeyMismatch)
}

func TestPlaintextControlMessagesReachControlSubscribers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	keys := newKeys(t, "alice", clock)
	ch := New(DefaultConfig(), docID, true, keys, &captureSender{}, clock)

	var got []*model.Message
	ch.OnControl(func(m *model.Message) { got = append(got, m) })

	msg, err := model.NewMessage(model.TypeError, &model.ErrorMessage{Code: "AUTH_FAILED"})
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	ch.HandleFrame(data)

	require.Len(t, got, 1)
	assert.Equal(t, model.TypeError, got[0].Type)
}
