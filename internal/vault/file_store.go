package vault

import (
	"os"
	"path/filepath"
	"sync"

	"cipherlink/go-backend/internal/securestore"
)

// FileStore keeps one JSON snapshot file per account under a base directory,
// sealed with the device passphrase when one is configured.
type FileStore struct {
	mu         sync.Mutex
	baseDir    string
	passphrase string
}

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func NewEncryptedFileStore(baseDir, passphrase string) *FileStore {
	return &FileStore{baseDir: baseDir, passphrase: passphrase}
}

func (s *FileStore) Load(accountID string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	err := securestore.ReadJSONFile(s.path(accountID), s.passphrase, &snap)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *FileStore) Save(accountID string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return securestore.WriteJSONFile(s.path(accountID), s.passphrase, snap)
}

func (s *FileStore) Wipe(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(accountID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) path(accountID string) string {
	return filepath.Join(s.baseDir, "vault-"+accountID+".json")
}
