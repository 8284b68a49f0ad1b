// Package storage holds the device-local message history. Messages are
// persisted in transported form, ciphertext plus nonce; plaintext is only
// ever produced in memory by the conversation key manager.
package storage

import (
	"bytes"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"cipherlink/go-backend/internal/securestore"
	"cipherlink/go-backend/pkg/models"
)

var ErrMessageIDConflict = errors.New("message id conflict")

// PendingDelivery is one outbound message awaiting push delivery, with its
// retry bookkeeping.
type PendingDelivery struct {
	Message    models.Message `json:"message"`
	RetryCount int            `json:"retry_count"`
	NextRetry  time.Time      `json:"next_retry"`
	LastError  string         `json:"last_error"`
}

type snapshot struct {
	Messages map[string]models.Message  `json:"messages"`
	Pending  map[string]PendingDelivery `json:"pending"`
}

// MessageStore keeps the local history for all conversations of one account.
// Every mutation persists a full snapshot before it becomes visible, so a
// failed write leaves memory untouched.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]models.Message
	pending  map[string]PendingDelivery
	path     string
	secret   string
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: make(map[string]models.Message),
		pending:  make(map[string]PendingDelivery),
	}
}

func NewPersistentMessageStore(path string) (*MessageStore, error) {
	return NewEncryptedPersistentMessageStore(path, "")
}

func NewEncryptedPersistentMessageStore(path, passphrase string) (*MessageStore, error) {
	s := &MessageStore{
		messages: make(map[string]models.Message),
		pending:  make(map[string]PendingDelivery),
		path:     path,
		secret:   passphrase,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SaveMessage stores one transported message. Re-saving an identical message
// is a no-op; a different message under an existing ID is a conflict.
func (s *MessageStore) SaveMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[msg.ID]; ok {
		if messagesEqual(existing, msg) {
			return nil
		}
		return ErrMessageIDConflict
	}
	next := cloneMessages(s.messages)
	next[msg.ID] = msg
	if err := s.persistLocked(next, s.pending); err != nil {
		return err
	}
	s.messages = next
	return nil
}

func (s *MessageStore) GetMessage(messageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	return msg, ok
}

// ListMessages returns one conversation's history ordered by send time.
func (s *MessageStore) ListMessages(conversationID string, limit, offset int) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filtered := make([]models.Message, 0)
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			filtered = append(filtered, msg)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].SentAt.Before(filtered[j].SentAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(filtered) {
		return []models.Message{}
	}
	filtered = filtered[offset:]
	if limit > 0 && limit < len(filtered) {
		return append([]models.Message(nil), filtered[:limit]...)
	}
	return append([]models.Message(nil), filtered...)
}

func (s *MessageStore) DeleteMessage(conversationID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.ConversationID != conversationID {
		return false, nil
	}
	nextMessages := cloneMessages(s.messages)
	delete(nextMessages, messageID)
	nextPending := clonePending(s.pending)
	delete(nextPending, messageID)
	if err := s.persistLocked(nextMessages, nextPending); err != nil {
		return false, err
	}
	s.messages = nextMessages
	s.pending = nextPending
	return true, nil
}

// ClearConversation drops one conversation's whole history, pending
// deliveries included.
func (s *MessageStore) ClearConversation(conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nextMessages := make(map[string]models.Message, len(s.messages))
	deleted := 0
	for id, msg := range s.messages {
		if msg.ConversationID == conversationID {
			deleted++
			continue
		}
		nextMessages[id] = msg
	}
	if deleted == 0 {
		return 0, nil
	}
	nextPending := make(map[string]PendingDelivery, len(s.pending))
	for id, p := range s.pending {
		if p.Message.ConversationID == conversationID {
			continue
		}
		nextPending[id] = p
	}
	if err := s.persistLocked(nextMessages, nextPending); err != nil {
		return 0, err
	}
	s.messages = nextMessages
	s.pending = nextPending
	return deleted, nil
}

func (s *MessageStore) AddOrUpdatePending(msg models.Message, retryCount int, nextRetry time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clonePending(s.pending)
	next[msg.ID] = PendingDelivery{
		Message:    msg,
		RetryCount: retryCount,
		NextRetry:  nextRetry,
		LastError:  lastErr,
	}
	if err := s.persistLocked(s.messages, next); err != nil {
		return err
	}
	s.pending = next
	return nil
}

func (s *MessageStore) RemovePending(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clonePending(s.pending)
	delete(next, messageID)
	if err := s.persistLocked(s.messages, next); err != nil {
		return err
	}
	s.pending = next
	return nil
}

func (s *MessageStore) DuePending(now time.Time) []PendingDelivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingDelivery, 0)
	for _, p := range s.pending {
		if !p.NextRetry.After(now) {
			out = append(out, p)
		}
	}
	return out
}

// Conversations lists the IDs of every conversation with local history.
func (s *MessageStore) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, msg := range s.messages {
		seen[msg.ConversationID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Wipe drops all messages and pending deliveries, in memory and on disk.
func (s *MessageStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nextMessages := make(map[string]models.Message)
	nextPending := make(map[string]PendingDelivery)
	if err := s.persistLocked(nextMessages, nextPending); err != nil {
		return err
	}
	s.messages = nextMessages
	s.pending = nextPending
	return nil
}

func (s *MessageStore) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

func (s *MessageStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	var snap snapshot
	if err := securestore.ReadJSONFile(s.path, s.secret, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if snap.Messages != nil {
		s.messages = snap.Messages
	}
	if snap.Pending != nil {
		s.pending = snap.Pending
	}
	return nil
}

func (s *MessageStore) persistLocked(messages map[string]models.Message, pending map[string]PendingDelivery) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteJSONFile(s.path, s.secret, snapshot{
		Messages: messages,
		Pending:  pending,
	})
}

func cloneMessages(in map[string]models.Message) map[string]models.Message {
	out := make(map[string]models.Message, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clonePending(in map[string]PendingDelivery) map[string]PendingDelivery {
	out := make(map[string]PendingDelivery, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func messagesEqual(a, b models.Message) bool {
	return a.ID == b.ID &&
		a.ConversationID == b.ConversationID &&
		a.SenderID == b.SenderID &&
		bytes.Equal(a.Ciphertext, b.Ciphertext) &&
		bytes.Equal(a.Nonce, b.Nonce) &&
		a.SentAt.Equal(b.SentAt)
}
