// Package vault is the device-scoped key cache: the unlocked master key and
// decrypted conversation keys for one account. Contents never leave the
// device; server-side copies exist only in wrapped form.
package vault

import (
	"errors"
	"sync"
)

var ErrNoMasterKey = errors.New("vault holds no master key")

// Snapshot is the persisted state of one account's vault.
type Snapshot struct {
	MasterKey        []byte            `json:"master_key"`
	ConversationKeys map[string][]byte `json:"conversation_keys"`
}

// Store persists vault snapshots. Implementations must tolerate an absent
// snapshot on first use.
type Store interface {
	Load(accountID string) (Snapshot, bool, error)
	Save(accountID string, snap Snapshot) error
	Wipe(accountID string) error
}

// Vault serializes all key reads and writes for one account on this device.
// Concurrent signup/login sequences for the same account are not supported;
// the mutex guards only the storage boundary.
type Vault struct {
	mu        sync.Mutex
	accountID string
	masterKey []byte
	convKeys  map[string][]byte
	store     Store
}

// Open loads the vault for an account. A nil store keeps the vault purely
// in-memory, which is what tests and ephemeral sessions use.
func Open(accountID string, store Store) (*Vault, error) {
	v := &Vault{
		accountID: accountID,
		convKeys:  make(map[string][]byte),
		store:     store,
	}
	if store == nil {
		return v, nil
	}
	snap, ok, err := store.Load(accountID)
	if err != nil {
		return nil, err
	}
	if ok {
		v.masterKey = append([]byte(nil), snap.MasterKey...)
		for id, key := range snap.ConversationKeys {
			v.convKeys[id] = append([]byte(nil), key...)
		}
	}
	return v, nil
}

func (v *Vault) AccountID() string {
	return v.accountID
}

// MasterKey returns the cached master key, if the vault has been unlocked on
// this device. Callers must not mutate the returned slice.
func (v *Vault) MasterKey() ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.masterKey) == 0 {
		return nil, false
	}
	return append([]byte(nil), v.masterKey...), true
}

func (v *Vault) SetMasterKey(key []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.masterKey = append([]byte(nil), key...)
	return v.persistLocked()
}

// PurgeMasterKey drops the cached master key, used when an unwrap failure
// shows the cached copy no longer matches the account.
func (v *Vault) PurgeMasterKey() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.masterKey)
	v.masterKey = nil
	return v.persistLocked()
}

func (v *Vault) ConversationKey(conversationID string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key, ok := v.convKeys[conversationID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

func (v *Vault) PutConversationKey(conversationID string, key []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.convKeys[conversationID] = append([]byte(nil), key...)
	return v.persistLocked()
}

func (v *Vault) DeleteConversationKey(conversationID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if key, ok := v.convKeys[conversationID]; ok {
		zero(key)
		delete(v.convKeys, conversationID)
	}
	return v.persistLocked()
}

// Wipe zeroes and removes every key this vault holds, in memory and in the
// backing store.
func (v *Vault) Wipe() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.masterKey)
	v.masterKey = nil
	for id, key := range v.convKeys {
		zero(key)
		delete(v.convKeys, id)
	}
	if v.store == nil {
		return nil
	}
	return v.store.Wipe(v.accountID)
}

func (v *Vault) persistLocked() error {
	if v.store == nil {
		return nil
	}
	snap := Snapshot{
		MasterKey:        append([]byte(nil), v.masterKey...),
		ConversationKeys: make(map[string][]byte, len(v.convKeys)),
	}
	for id, key := range v.convKeys {
		snap.ConversationKeys[id] = append([]byte(nil), key...)
	}
	return v.store.Save(v.accountID, snap)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
