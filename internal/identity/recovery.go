package identity

import (
	"crypto/rand"
	"errors"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"

	"cipherlink/go-backend/internal/cipher"
)

var ErrInvalidRecoveryKey = errors.New("invalid recovery key")

const recoverySaltSize = 16

// RecoveryKey is the out-of-band encoding of the master key, produced once
// at signup. Two renderings of the same secret: a compact base58 code of
// master-key bytes followed by a random salt, and a 24-word mnemonic of the
// master-key bytes alone.
type RecoveryKey struct {
	masterKey []byte
	salt      []byte
}

func NewRecoveryKey(masterKey []byte) (*RecoveryKey, error) {
	if len(masterKey) != cipher.KeySize {
		return nil, ErrInvalidRecoveryKey
	}
	salt := make([]byte, recoverySaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &RecoveryKey{
		masterKey: append([]byte(nil), masterKey...),
		salt:      salt,
	}, nil
}

// Code renders the compact transcription form.
func (r *RecoveryKey) Code() string {
	return base58.Encode(append(append([]byte(nil), r.masterKey...), r.salt...))
}

// Mnemonic renders the word-list form.
func (r *RecoveryKey) Mnemonic() (string, error) {
	return bip39.NewMnemonic(append([]byte(nil), r.masterKey...))
}

// Destroy zeroes the secret material after the key has been shown.
func (r *RecoveryKey) Destroy() {
	cipher.ZeroBytes(r.masterKey)
	cipher.ZeroBytes(r.salt)
}

// DecodeRecoveryCode recovers the master key from the compact form.
func DecodeRecoveryCode(code string) ([]byte, error) {
	raw, err := base58.Decode(strings.TrimSpace(code))
	if err != nil {
		return nil, ErrInvalidRecoveryKey
	}
	if len(raw) != cipher.KeySize+recoverySaltSize {
		return nil, ErrInvalidRecoveryKey
	}
	return append([]byte(nil), raw[:cipher.KeySize]...), nil
}

// MasterKeyFromMnemonic recovers the master key from the word-list form.
func MasterKeyFromMnemonic(mnemonic string) ([]byte, error) {
	mnemonic = strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidRecoveryKey
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidRecoveryKey
	}
	if len(entropy) != cipher.KeySize {
		return nil, ErrInvalidRecoveryKey
	}
	return entropy, nil
}
