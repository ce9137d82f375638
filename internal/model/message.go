package model

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates wire messages. HELLO, HELLO_ACK, ERROR, PING,
// PONG, KEY_EXCHANGE and KEY_REQUEST travel in plaintext; everything else is
// wrapped in an ENCRYPTED envelope once a session key exists.
type MessageType string

const (
	TypeHello        MessageType = "HELLO"
	TypeHelloAck     MessageType = "HELLO_ACK"
	TypeSyncRequest  MessageType = "SYNC_REQUEST"
	TypeSyncResponse MessageType = "SYNC_RESPONSE"
	TypeOperation    MessageType = "OPERATION"
	TypeOperationAck MessageType = "OPERATION_ACK"
	TypePresence     MessageType = "PRESENCE"
	TypeError        MessageType = "ERROR"
	TypePing         MessageType = "PING"
	TypePong         MessageType = "PONG"
	TypeEncrypted    MessageType = "ENCRYPTED"
	TypeKeyExchange  MessageType = "KEY_EXCHANGE"
	TypeKeyRequest   MessageType = "KEY_REQUEST"
)

type (
	// Message is the outer wire frame: a type discriminator plus the typed
	// payload, kept raw until the receiver knows what to decode.
	Message struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	Hello struct {
		ClientID   string `json:"clientId"`
		DocumentID string `json:"documentId"`
		Token      string `json:"token"`
	}

	HelloAck struct {
		ClientID string `json:"clientId"`
		ServerID string `json:"serverId,omitempty"`
	}

	SyncRequest struct {
		DocumentID string `json:"documentId"`
		Since      int64  `json:"since"`
	}

	// SyncResponse is one page of the responder's operation log. Sync is
	// served peer-to-peer inside the encrypted channel; the relay never sees
	// plaintext operations.
	SyncResponse struct {
		DocumentID string       `json:"documentId"`
		Operations []*Operation `json:"operations"`
		Complete   bool         `json:"complete"`
		NextCursor int64        `json:"nextCursor"`
	}

	OperationMessage struct {
		Operation *Operation `json:"operation"`
	}

	OperationAck struct {
		OperationID string `json:"operationId"`
		Timestamp   int64  `json:"timestamp"`
	}

	PresenceMessage struct {
		ClientID string        `json:"clientId"`
		Presence *PresenceData `json:"presence"`
	}

	ErrorMessage struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	Ping struct {
		Timestamp int64 `json:"timestamp"`
	}

	Pong struct {
		Timestamp int64 `json:"timestamp"`
	}

	// KeyExchange broadcasts the session key wrapped for every participant.
	// Receivers pick out their own entry and ignore the rest; Signature is
	// the sender identity's ed25519 signature over the wrapped key set.
	KeyExchange struct {
		DocumentID      string        `json:"documentId"`
		SenderID        string        `json:"senderId"`
		EncryptedKeys   []*WrappedKey `json:"encryptedKeys"`
		KeyVersion      int           `json:"keyVersion"`
		KeyID           string        `json:"keyId"`
		SenderPublicKey []byte        `json:"senderPublicKey,omitempty"`
		Signature       []byte        `json:"signature,omitempty"`
	}

	KeyRequest struct {
		DocumentID          string `json:"documentId"`
		RequesterID         string `json:"requesterId"`
		RequesterPublicKey  []byte `json:"requesterPublicKey"`
		RequesterSigningKey []byte `json:"requesterSigningKey,omitempty"`
	}
)

// NewMessage wraps a typed payload into a wire frame.
func NewMessage(t MessageType, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Message{Type: t, Payload: raw}, nil
}

// Encode serializes the frame for transmission.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a wire frame without touching the payload.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message frame: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("message missing type discriminator")
	}
	return &m, nil
}

// DecodePayload unmarshals the frame payload into out.
func (m *Message) DecodePayload(out any) error {
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}
