package directory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cipherlink/go-backend/internal/securestore"
	"cipherlink/go-backend/pkg/models"
)

type fileSnapshot struct {
	Accounts         []models.AccountKeys           `json:"accounts"`
	ConversationKeys []models.ConversationKeyRecord `json:"conversation_keys"`
}

// FileStore keeps the full directory state as a JSON snapshot on disk,
// rewritten after every mutation. Optionally sealed at rest with a
// passphrase-derived envelope.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase string
	mem        *MemoryStore
}

func NewFileStore(dataDir string) (*FileStore, error) {
	return newFileStore(dataDir, "")
}

func NewEncryptedFileStore(dataDir, passphrase string) (*FileStore, error) {
	return newFileStore(dataDir, passphrase)
}

func newFileStore(dataDir, passphrase string) (*FileStore, error) {
	s := &FileStore{
		path:       filepath.Join(dataDir, "directory.json"),
		passphrase: passphrase,
		mem:        NewMemoryStore(),
	}
	var snap fileSnapshot
	err := securestore.ReadJSONFile(s.path, passphrase, &snap)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load directory snapshot: %w", err)
	}
	for _, acct := range snap.Accounts {
		s.mem.accounts[acct.UserID] = acct
	}
	for _, rec := range snap.ConversationKeys {
		s.mem.convKeys[convKeyID{rec.ConversationID, rec.RecipientID}] = rec
	}
	return s, nil
}

func (s *FileStore) persist() error {
	s.mem.mu.RLock()
	snap := fileSnapshot{
		Accounts:         make([]models.AccountKeys, 0, len(s.mem.accounts)),
		ConversationKeys: make([]models.ConversationKeyRecord, 0, len(s.mem.convKeys)),
	}
	for _, acct := range s.mem.accounts {
		snap.Accounts = append(snap.Accounts, acct)
	}
	for _, rec := range s.mem.convKeys {
		snap.ConversationKeys = append(snap.ConversationKeys, rec)
	}
	s.mem.mu.RUnlock()
	return securestore.WriteJSONFile(s.path, s.passphrase, &snap)
}

func (s *FileStore) PutAccountKeys(keys models.AccountKeys) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	had, err := s.mem.PutAccountKeys(keys)
	if err != nil {
		return false, err
	}
	return had, s.persist()
}

func (s *FileStore) GetAccountKeys(userID string) (models.AccountKeys, bool, error) {
	return s.mem.GetAccountKeys(userID)
}

func (s *FileStore) PutPublicKey(userID string, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.PutPublicKey(userID, publicKey); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileStore) PutWrappedMasterKey(userID string, record models.WrappedMasterKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.PutWrappedMasterKey(userID, record)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.persist()
}

func (s *FileStore) UpsertConversationKey(record models.ConversationKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.UpsertConversationKey(record); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileStore) GetConversationKey(conversationID, recipientID string) (models.ConversationKeyRecord, bool, error) {
	return s.mem.GetConversationKey(conversationID, recipientID)
}

func (s *FileStore) ListConversationKeys(conversationID string) ([]models.ConversationKeyRecord, error) {
	return s.mem.ListConversationKeys(conversationID)
}

func (s *FileStore) DeleteUserConversationKeys(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.mem.DeleteUserConversationKeys(userID)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.persist()
}

var _ Store = (*FileStore)(nil)
var _ Store = (*MemoryStore)(nil)
