package push

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	KindKeyShare    = "key_share"
	KindMessage     = "message"
	KindKeyRotation = "key_rotation"
)

var ErrUnknownKind = errors.New("push: unknown envelope kind")

// Envelope is the unit delivered to a single recipient. Payload is one of
// the typed bodies below, selected by Kind.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	SenderID  string          `json:"sender_id"`
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}

// KeySharePayload tells a recipient a wrapped conversation key was stored
// for them in the directory.
type KeySharePayload struct {
	ConversationID         string `json:"conversation_id"`
	From                   string `json:"from"`
	WrappedConversationKey []byte `json:"wrapped_conversation_key"`
}

// MessagePayload carries one encrypted message to a participant.
type MessagePayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Ciphertext     []byte `json:"ciphertext"`
	Nonce          []byte `json:"nonce"`
}

// KeyRotationPayload announces that a user replaced their identity keypair.
type KeyRotationPayload struct {
	UserID string `json:"user_id"`
}

func NewEnvelope(id, kind, senderID, recipient string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("push: encode %s payload: %w", kind, err)
	}
	return Envelope{ID: id, Kind: kind, SenderID: senderID, Recipient: recipient, Payload: raw}, nil
}

// DecodePayload unmarshals the envelope body into the type matching Kind.
func (e Envelope) DecodePayload() (any, error) {
	switch e.Kind {
	case KindKeyShare:
		var p KeySharePayload
		return p, json.Unmarshal(e.Payload, &p)
	case KindMessage:
		var p MessagePayload
		return p, json.Unmarshal(e.Payload, &p)
	case KindKeyRotation:
		var p KeyRotationPayload
		return p, json.Unmarshal(e.Payload, &p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}
