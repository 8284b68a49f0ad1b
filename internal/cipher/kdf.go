package cipher

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinWrappingIterations is the floor for the slow derivation. Sized so
	// one derivation costs on the order of 100ms on commodity hardware.
	MinWrappingIterations = 100_000

	// DefaultWrappingIterations is what new records are created with.
	DefaultWrappingIterations = 210_000

	WrappingSaltSize = 16

	authCredentialTag = "cipherlink/auth-credential/v1"
)

// DeriveWrappingKey stretches a password into a 256-bit wrapping key.
// Deterministic for identical inputs so it is replayable on any device.
// Iterations below the floor are clamped up rather than honoured.
func DeriveWrappingKey(password string, salt []byte, iterations uint32) []byte {
	if iterations < MinWrappingIterations {
		iterations = MinWrappingIterations
	}
	return pbkdf2.Key([]byte(password), salt, int(iterations), KeySize, sha256.New)
}

// DeriveAuthCredential produces the value sent to the auth provider in place
// of the password. A single fast hash with domain separation: cheap at every
// login, and reveals nothing about the wrapping key, which uses a different
// derivation entirely.
func DeriveAuthCredential(password, accountID string) string {
	h := sha256.New()
	h.Write([]byte(password))
	h.Write([]byte("|" + authCredentialTag + "|"))
	h.Write([]byte(accountID))
	return hex.EncodeToString(h.Sum(nil))
}
