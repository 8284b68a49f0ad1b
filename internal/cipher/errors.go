package cipher

import "errors"

var (
	// ErrAuthenticationFailed means a symmetric open failed its integrity
	// check: wrong key, tampering, or a corrupted record. No partial
	// plaintext is ever returned alongside it.
	ErrAuthenticationFailed = errors.New("symmetric authentication failed")

	// ErrDecryptionFailed means an asymmetric unwrap failed, typically a
	// record addressed to a different key pair.
	ErrDecryptionFailed = errors.New("asymmetric decryption failed")

	// ErrMalformedKeyMaterial means an import/export encoding was invalid.
	ErrMalformedKeyMaterial = errors.New("malformed key material")

	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrInvalidNonceSize = errors.New("invalid nonce size")
	ErrPayloadTooLarge  = errors.New("payload exceeds asymmetric size limit")
)
