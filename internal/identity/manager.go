// Package identity owns the account key lifecycle: signup, the fast and
// slow login paths, identity rotation, password change, and recovery-key
// restore. All private material stays on this device; the directory only
// ever sees public keys and wrapped blobs.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cipherlink/go-backend/internal/cipher"
	"cipherlink/go-backend/internal/directory"
	"cipherlink/go-backend/internal/vault"
	"cipherlink/go-backend/pkg/models"
)

var (
	ErrPasswordRequired   = errors.New("password is required")
	ErrPasswordLocked     = errors.New("password attempts are temporarily locked")
	ErrWrongPassword      = errors.New("wrong password")
	ErrCorruptedAccount   = errors.New("encryption key mismatch, account may be corrupted")
	ErrPartialSignupState = errors.New("account is registered but has no keys on file")
	ErrNotLoggedIn        = errors.New("no unlocked identity for this account")
)

const kdfName = "pbkdf2-sha256"

// Directory is the slice of the key directory the identity manager needs.
// Satisfied by the HTTP client and by in-process loopback adapters.
type Directory interface {
	PublishAccountKeys(ctx context.Context, keys models.AccountKeys) (keyRotation bool, err error)
	GetAccountKeys(ctx context.Context, userID string) (models.AccountKeys, error)
	UpdateWrappedMasterKey(ctx context.Context, userID string, record models.WrappedMasterKey) error
}

// Authenticator is the identity-provider surface used during the lifecycle.
type Authenticator interface {
	Register(ctx context.Context, accountID, authCredential string) error
	Login(ctx context.Context, accountID, authCredential string) (token string, err error)
	ChangeCredential(ctx context.Context, accountID, oldCredential, newCredential string) error
}

// Manager serializes every signup/login/rotation sequence for one account
// on one device.
type Manager struct {
	mu        sync.Mutex
	accountID string
	vault     *vault.Vault
	dir       Directory
	auth      Authenticator

	privateKey   *rsa.PrivateKey
	publicKeyDER []byte

	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func NewManager(accountID string, v *vault.Vault, dir Directory, authn Authenticator) *Manager {
	return &Manager{
		accountID: accountID,
		vault:     v,
		dir:       dir,
		auth:      authn,
		now:       time.Now,
	}
}

func newManagerWithClock(accountID string, v *vault.Vault, dir Directory, authn Authenticator, now func() time.Time) *Manager {
	m := NewManager(accountID, v, dir, authn)
	m.now = now
	return m
}

func (m *Manager) AccountID() string { return m.accountID }

// Signup runs the full account-creation sequence and returns the recovery
// key. The recovery key is shown to the user exactly once; the manager does
// not retain it.
func (m *Manager) Signup(ctx context.Context, password string) (*RecoveryKey, error) {
	password = strings.TrimSpace(password)
	if password == "" {
		return nil, ErrPasswordRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	masterKey, err := cipher.GenerateKey()
	if err != nil {
		return nil, err
	}
	wrappedMaster, err := wrapMasterKey(masterKey, password)
	if err != nil {
		return nil, err
	}

	credential := cipher.DeriveAuthCredential(password, m.accountID)
	if err := m.auth.Register(ctx, m.accountID, credential); err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}
	if _, err := m.auth.Login(ctx, m.accountID, credential); err != nil {
		return nil, fmt.Errorf("establish session: %w", err)
	}

	keys, err := m.generateIdentityLocked(masterKey, wrappedMaster)
	if err != nil {
		return nil, err
	}
	if err := m.vault.SetMasterKey(masterKey); err != nil {
		return nil, err
	}
	if _, err := m.dir.PublishAccountKeys(ctx, keys); err != nil {
		return nil, fmt.Errorf("upload account keys: %w", err)
	}
	return NewRecoveryKey(masterKey)
}

// generateIdentityLocked builds a fresh identity keypair wrapped under the
// master key and installs it as the session identity.
func (m *Manager) generateIdentityLocked(masterKey []byte, wrappedMaster models.WrappedMasterKey) (models.AccountKeys, error) {
	pub, priv, err := cipher.GenerateKeyPair()
	if err != nil {
		return models.AccountKeys{}, err
	}
	pubDER, err := cipher.ExportPublic(pub)
	if err != nil {
		return models.AccountKeys{}, err
	}
	privDER, err := cipher.ExportPrivate(priv)
	if err != nil {
		return models.AccountKeys{}, err
	}
	defer cipher.ZeroBytes(privDER)
	wpkCiphertext, wpkNonce, err := cipher.Encrypt(masterKey, privDER)
	if err != nil {
		return models.AccountKeys{}, err
	}

	m.privateKey = priv
	m.publicKeyDER = pubDER
	return models.AccountKeys{
		UserID:           m.accountID,
		PublicKey:        pubDER,
		WrappedMasterKey: wrappedMaster,
		WrappedPrivateKey: models.WrappedPrivateKey{
			Version:    1,
			Nonce:      wpkNonce,
			Ciphertext: wpkCiphertext,
		},
	}, nil
}

// Login unlocks the identity. The fast path uses the master key already in
// the vault; the slow path unwraps it from the directory record using the
// password-derived wrapping key. A decryption failure on either path is a
// hard stop, never a silent regenerate.
func (m *Manager) Login(ctx context.Context, password string) error {
	password = strings.TrimSpace(password)
	if password == "" {
		return ErrPasswordRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureUnlockedLocked(); err != nil {
		return err
	}

	credential := cipher.DeriveAuthCredential(password, m.accountID)
	if _, err := m.auth.Login(ctx, m.accountID, credential); err != nil {
		m.recordFailedAttemptLocked()
		return fmt.Errorf("%w: %v", ErrWrongPassword, err)
	}

	keys, err := m.dir.GetAccountKeys(ctx, m.accountID)
	if err != nil {
		if errors.Is(err, directory.ErrKeyNotFound) {
			return ErrPartialSignupState
		}
		return err
	}

	masterKey, cached := m.vault.MasterKey()
	if !cached {
		wrappingKey := cipher.DeriveWrappingKey(password, keys.WrappedMasterKey.Salt, keys.WrappedMasterKey.Iterations)
		defer cipher.ZeroBytes(wrappingKey)
		masterKey, err = cipher.Decrypt(wrappingKey, keys.WrappedMasterKey.Ciphertext, keys.WrappedMasterKey.Nonce)
		if err != nil {
			// The auth provider already accepted this password, so a
			// failed unwrap means the stored record does not match the
			// account. Not a password attempt.
			return fmt.Errorf("unwrap master key: %w", ErrCorruptedAccount)
		}
		if err := m.vault.SetMasterKey(masterKey); err != nil {
			return err
		}
	}

	privDER, err := cipher.Decrypt(masterKey, keys.WrappedPrivateKey.Ciphertext, keys.WrappedPrivateKey.Nonce)
	if err != nil {
		// Stale or corrupt cache entry; purge so the next attempt goes
		// through the slow path instead of reusing it.
		_ = m.vault.PurgeMasterKey()
		return fmt.Errorf("unwrap identity key: %w", ErrCorruptedAccount)
	}
	defer cipher.ZeroBytes(privDER)
	priv, err := cipher.ImportPrivate(privDER)
	if err != nil {
		return fmt.Errorf("unwrap identity key: %w", ErrCorruptedAccount)
	}

	m.privateKey = priv
	m.publicKeyDER = append([]byte(nil), keys.PublicKey...)
	m.resetAttemptStateLocked()
	return nil
}

// RepairSignup regenerates and uploads a full key bundle for an account
// that authenticated but has no keys on file. Half-uploaded records are
// never reused.
func (m *Manager) RepairSignup(ctx context.Context, password string) (*RecoveryKey, error) {
	password = strings.TrimSpace(password)
	if password == "" {
		return nil, ErrPasswordRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	credential := cipher.DeriveAuthCredential(password, m.accountID)
	if _, err := m.auth.Login(ctx, m.accountID, credential); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassword, err)
	}

	masterKey, err := cipher.GenerateKey()
	if err != nil {
		return nil, err
	}
	wrappedMaster, err := wrapMasterKey(masterKey, password)
	if err != nil {
		return nil, err
	}
	keys, err := m.generateIdentityLocked(masterKey, wrappedMaster)
	if err != nil {
		return nil, err
	}
	if err := m.vault.SetMasterKey(masterKey); err != nil {
		return nil, err
	}
	if _, err := m.dir.PublishAccountKeys(ctx, keys); err != nil {
		return nil, fmt.Errorf("upload account keys: %w", err)
	}
	return NewRecoveryKey(masterKey)
}

// ChangePassword re-wraps the master key under the new password and rotates
// the auth credential. The master key, identity keypair, and every
// conversation key are untouched.
func (m *Manager) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	oldPassword = strings.TrimSpace(oldPassword)
	newPassword = strings.TrimSpace(newPassword)
	if oldPassword == "" || newPassword == "" {
		return ErrPasswordRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureUnlockedLocked(); err != nil {
		return err
	}

	keys, err := m.dir.GetAccountKeys(ctx, m.accountID)
	if err != nil {
		return err
	}
	oldWrappingKey := cipher.DeriveWrappingKey(oldPassword, keys.WrappedMasterKey.Salt, keys.WrappedMasterKey.Iterations)
	defer cipher.ZeroBytes(oldWrappingKey)
	masterKey, err := cipher.Decrypt(oldWrappingKey, keys.WrappedMasterKey.Ciphertext, keys.WrappedMasterKey.Nonce)
	if err != nil {
		m.recordFailedAttemptLocked()
		return fmt.Errorf("unwrap master key: %w", ErrWrongPassword)
	}
	defer cipher.ZeroBytes(masterKey)

	rewrapped, err := wrapMasterKey(masterKey, newPassword)
	if err != nil {
		return err
	}
	if err := m.dir.UpdateWrappedMasterKey(ctx, m.accountID, rewrapped); err != nil {
		return err
	}
	oldCredential := cipher.DeriveAuthCredential(oldPassword, m.accountID)
	newCredential := cipher.DeriveAuthCredential(newPassword, m.accountID)
	if err := m.auth.ChangeCredential(ctx, m.accountID, oldCredential, newCredential); err != nil {
		return fmt.Errorf("rotate auth credential: %w", err)
	}
	m.resetAttemptStateLocked()
	return nil
}

// RotateIdentity replaces the identity keypair. The directory purges every
// wrapped conversation-key record involving this user; prior history shared
// under those records is gone for good.
func (m *Manager) RotateIdentity(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	masterKey, ok := m.vault.MasterKey()
	if !ok {
		return ErrNotLoggedIn
	}
	defer cipher.ZeroBytes(masterKey)

	keys, err := m.dir.GetAccountKeys(ctx, m.accountID)
	if err != nil {
		return err
	}
	bundle, err := m.generateIdentityLocked(masterKey, keys.WrappedMasterKey)
	if err != nil {
		return err
	}
	if _, err := m.dir.PublishAccountKeys(ctx, bundle); err != nil {
		return fmt.Errorf("upload rotated keys: %w", err)
	}
	return nil
}

// RestoreFromRecoveryCode installs the master key encoded in a recovery
// code into the vault, re-enabling the fast login path without the old
// password.
func (m *Manager) RestoreFromRecoveryCode(code string) error {
	masterKey, err := DecodeRecoveryCode(code)
	if err != nil {
		return err
	}
	defer cipher.ZeroBytes(masterKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vault.SetMasterKey(masterKey)
}

// RestoreFromMnemonic is RestoreFromRecoveryCode for the word-list encoding.
func (m *Manager) RestoreFromMnemonic(mnemonic string) error {
	masterKey, err := MasterKeyFromMnemonic(mnemonic)
	if err != nil {
		return err
	}
	defer cipher.ZeroBytes(masterKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vault.SetMasterKey(masterKey)
}

// PrivateKey returns the unlocked identity private key.
func (m *Manager) PrivateKey() (*rsa.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.privateKey == nil {
		return nil, ErrNotLoggedIn
	}
	return m.privateKey, nil
}

// PublicKeyDER returns the portable encoding of the identity public key.
func (m *Manager) PublicKeyDER() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publicKeyDER == nil {
		return nil, ErrNotLoggedIn
	}
	return append([]byte(nil), m.publicKeyDER...), nil
}

// Logout drops the unlocked identity but keeps the vault intact, so the
// next login takes the fast path.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privateKey = nil
	m.publicKeyDER = nil
}

// WipeLocal destroys all local key material for this account.
func (m *Manager) WipeLocal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privateKey = nil
	m.publicKeyDER = nil
	return m.vault.Wipe()
}

func wrapMasterKey(masterKey []byte, password string) (models.WrappedMasterKey, error) {
	salt := make([]byte, cipher.WrappingSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return models.WrappedMasterKey{}, err
	}
	wrappingKey := cipher.DeriveWrappingKey(password, salt, cipher.DefaultWrappingIterations)
	defer cipher.ZeroBytes(wrappingKey)
	ciphertext, nonce, err := cipher.Encrypt(wrappingKey, masterKey)
	if err != nil {
		return models.WrappedMasterKey{}, err
	}
	return models.WrappedMasterKey{
		Version:    1,
		KDF:        kdfName,
		Iterations: cipher.DefaultWrappingIterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

func (m *Manager) ensureUnlockedLocked() error {
	if m.lockedUntil.IsZero() {
		return nil
	}
	if m.now().Before(m.lockedUntil) {
		return ErrPasswordLocked
	}
	return nil
}

func (m *Manager) recordFailedAttemptLocked() {
	m.failedAttempts++
	m.lockedUntil = m.now().Add(failedAttemptBackoff(m.failedAttempts))
}

func (m *Manager) resetAttemptStateLocked() {
	m.failedAttempts = 0
	m.lockedUntil = time.Time{}
}

// failedAttemptBackoff doubles from 1s up to a 32s ceiling.
func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}
