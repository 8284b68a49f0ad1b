// Package cipher holds the three primitive modules every key-lifecycle flow
// is built from: an authenticated symmetric cipher for message and key
// wrapping, an asymmetric cipher for per-recipient key distribution, and the
// password-based derivations for wrapping keys and auth credentials.
package cipher

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the byte length of every symmetric key in the system:
	// master keys, conversation keys, wrapping keys.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the 96-bit nonce the AEAD consumes. A fresh nonce is
	// drawn per call and must be persisted next to the ciphertext.
	NonceSize = chacha20poly1305.NonceSize
)

// GenerateKey draws a fresh 256-bit symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext under key with a fresh random nonce and returns
// (ciphertext, nonce). The nonce is required for decryption.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, ErrInvalidKeySize
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext with key and nonce. Any tampering, wrong key or
// truncated input fails closed with ErrAuthenticationFailed.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// ZeroBytes overwrites key material in place before it goes out of scope.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
