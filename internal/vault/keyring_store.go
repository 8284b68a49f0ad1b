package vault

import (
	"encoding/json"

	"github.com/99designs/keyring"
)

// KeyringStore persists vault snapshots in the operating system keychain.
// Preferable to the file store on desktops where a keychain is available,
// since the OS gates access to the snapshot.
type KeyringStore struct {
	ring keyring.Keyring
}

func NewKeyringStore(serviceName string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{ServiceName: serviceName})
	if err != nil {
		return nil, err
	}
	return &KeyringStore{ring: ring}, nil
}

func (s *KeyringStore) Load(accountID string) (Snapshot, bool, error) {
	item, err := s.ring.Get(itemKey(accountID))
	if err != nil {
		if err == keyring.ErrKeyNotFound {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(item.Data, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *KeyringStore) Save(accountID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.ring.Set(keyring.Item{
		Key:   itemKey(accountID),
		Label: "cipherlink vault " + accountID,
		Data:  data,
	})
}

func (s *KeyringStore) Wipe(accountID string) error {
	err := s.ring.Remove(itemKey(accountID))
	if err != nil && err != keyring.ErrKeyNotFound {
		return err
	}
	return nil
}

func itemKey(accountID string) string {
	return "vault/" + accountID
}
