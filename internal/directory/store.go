package directory

import (
	"sync"
	"time"

	"cipherlink/go-backend/pkg/models"
)

// Store is the row/KV surface the directory core needs from its storage
// engine. All writes are upserts; uniqueness keys are (user_id) for account
// records and (conversation_id, recipient_id) for conversation-key records.
type Store interface {
	PutAccountKeys(keys models.AccountKeys) (hadPublicKey bool, err error)
	GetAccountKeys(userID string) (models.AccountKeys, bool, error)
	PutPublicKey(userID string, publicKey []byte) error
	PutWrappedMasterKey(userID string, record models.WrappedMasterKey) (bool, error)
	UpsertConversationKey(record models.ConversationKeyRecord) error
	GetConversationKey(conversationID, recipientID string) (models.ConversationKeyRecord, bool, error)
	ListConversationKeys(conversationID string) ([]models.ConversationKeyRecord, error)
	DeleteUserConversationKeys(userID string) (int, error)
}

type convKeyID struct {
	conversationID string
	recipientID    string
}

// MemoryStore is the reference Store used by tests and single-node runs.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]models.AccountKeys
	convKeys map[convKeyID]models.ConversationKeyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]models.AccountKeys),
		convKeys: make(map[convKeyID]models.ConversationKeyRecord),
	}
}

func (s *MemoryStore) PutAccountKeys(keys models.AccountKeys) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, had := s.accounts[keys.UserID]
	hadPublicKey := had && len(existing.PublicKey) > 0
	keys.UpdatedAt = time.Now().UTC()
	s.accounts[keys.UserID] = keys
	return hadPublicKey, nil
}

func (s *MemoryStore) GetAccountKeys(userID string) (models.AccountKeys, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.accounts[userID]
	return keys, ok, nil
}

func (s *MemoryStore) PutPublicKey(userID string, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.accounts[userID]
	keys.UserID = userID
	keys.PublicKey = publicKey
	keys.UpdatedAt = time.Now().UTC()
	s.accounts[userID] = keys
	return nil
}

func (s *MemoryStore) PutWrappedMasterKey(userID string, record models.WrappedMasterKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.accounts[userID]
	if !ok {
		return false, nil
	}
	keys.WrappedMasterKey = record
	keys.UpdatedAt = time.Now().UTC()
	s.accounts[userID] = keys
	return true, nil
}

func (s *MemoryStore) UpsertConversationKey(record models.ConversationKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.UpdatedAt = time.Now().UTC()
	s.convKeys[convKeyID{record.ConversationID, record.RecipientID}] = record
	return nil
}

func (s *MemoryStore) GetConversationKey(conversationID, recipientID string) (models.ConversationKeyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.convKeys[convKeyID{conversationID, recipientID}]
	return rec, ok, nil
}

func (s *MemoryStore) ListConversationKeys(conversationID string) ([]models.ConversationKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationKeyRecord, 0)
	for id, rec := range s.convKeys {
		if id.conversationID == conversationID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteUserConversationKeys removes every record where the user is recipient
// or sender. Both directions: a sender's other copies are orphaned once the
// rotated party can no longer be reached with the old key.
func (s *MemoryStore) DeleteUserConversationKeys(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, rec := range s.convKeys {
		if id.recipientID == userID || rec.SenderID == userID {
			delete(s.convKeys, id)
			deleted++
		}
	}
	return deleted, nil
}
