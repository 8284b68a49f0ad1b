package cipher

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
)

const (
	rsaKeyBits = 2048

	// MaxAsymmetricPayload is the OAEP-SHA256 plaintext ceiling for a
	// 2048-bit modulus. Only symmetric key material is ever this small;
	// conversation content never goes through the asymmetric path.
	MaxAsymmetricPayload = rsaKeyBits/8 - 2*sha256.Size - 2
)

// GenerateKeyPair creates a fresh identity key pair.
func GenerateKeyPair() (*rsa.PublicKey, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, err
	}
	return &priv.PublicKey, priv, nil
}

// ExportPublic encodes a public key as PKIX DER for directory storage.
func ExportPublic(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, ErrMalformedKeyMaterial
	}
	return der, nil
}

// ImportPublic decodes a PKIX DER public key.
func ImportPublic(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrMalformedKeyMaterial
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrMalformedKeyMaterial
	}
	return pub, nil
}

// ExportPrivate encodes a private key as PKCS#8 DER so it can be wrapped as
// opaque bytes by the symmetric module.
func ExportPrivate(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, ErrMalformedKeyMaterial
	}
	return der, nil
}

// ImportPrivate decodes a PKCS#8 DER private key.
func ImportPrivate(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, ErrMalformedKeyMaterial
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrMalformedKeyMaterial
	}
	return priv, nil
}

// WrapForRecipient encrypts a small payload (key material only) to a
// recipient's public key with OAEP-SHA256.
func WrapForRecipient(pub *rsa.PublicKey, payload []byte) ([]byte, error) {
	if len(payload) > MaxAsymmetricPayload {
		return nil, ErrPayloadTooLarge
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, payload, nil)
}

// Unwrap decrypts a wrapped payload with the private key. Fails closed with
// ErrDecryptionFailed on any mismatch.
func Unwrap(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
