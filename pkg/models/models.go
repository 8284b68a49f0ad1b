package models

import "time"

// Account is the directory-side view of a principal. Authentication uses a
// derived credential; the literal password never appears in any model.
type Account struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// WrappedMasterKey is the user's master key encrypted under a password-derived
// wrapping key. KDF parameters travel with the record so any device can
// recompute the wrapping key from the password alone.
type WrappedMasterKey struct {
	Version    uint32 `json:"version"`
	KDF        string `json:"kdf"`
	Iterations uint32 `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// WrappedPrivateKey is the identity private key (PKCS#8 DER) encrypted under
// the master key.
type WrappedPrivateKey struct {
	Version    uint32 `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// AccountKeys is the full key bundle the directory stores for one user.
// Only the public key is readable by other principals.
type AccountKeys struct {
	UserID            string            `json:"user_id"`
	PublicKey         []byte            `json:"public_key"`
	WrappedMasterKey  WrappedMasterKey  `json:"wrapped_master_key"`
	WrappedPrivateKey WrappedPrivateKey `json:"wrapped_private_key"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ConversationKeyRecord is one per-recipient wrapped copy of a conversation
// key, unique on (ConversationID, RecipientID).
type ConversationKeyRecord struct {
	ConversationID string    `json:"conversation_id"`
	RecipientID    string    `json:"recipient_id"`
	SenderID       string    `json:"sender_id"`
	WrappedKey     []byte    `json:"wrapped_key"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is the transported form of one chat message: ciphertext plus the
// nonce required to open it. Plaintext never leaves the sending device.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Ciphertext     []byte    `json:"ciphertext"`
	Nonce          []byte    `json:"nonce"`
	SentAt         time.Time `json:"sent_at"`
}

// DecryptedMessage is the local result of opening one Message. Undecryptable
// messages are kept as explicit placeholders rather than dropped.
type DecryptedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        []byte    `json:"content,omitempty"`
	Undecryptable  bool      `json:"undecryptable,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// KeyShare is the push-channel notification that a wrapped conversation key
// was uploaded for a recipient.
type KeyShare struct {
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	WrappedKey     []byte `json:"wrapped_key"`
}
