// Package session implements the encrypted per-worker channel: RSA
// handshake key wrap, AES-256-GCM payload encryption with nonce and
// timestamp anti-replay, session expiry, and payload signatures.
package session

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// RSAKeyBits is the asymmetric key size used for the handshake.
const RSAKeyBits = 2048

// SessionKeyBytes is the symmetric key size (AES-256).
const SessionKeyBytes = 32

// GenerateKeyPair creates a new 2048-bit RSA key pair.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return key, nil
}

// NewSessionKey creates a random 256-bit symmetric key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	return key, nil
}

// EncodePublicKey serializes an RSA public key as PEM.
func EncodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey parses a PEM-encoded RSA public key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in public key", models.ErrSecurityViolation)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", models.ErrSecurityViolation, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", models.ErrSecurityViolation)
	}
	return rsaPub, nil
}

// WrapKey encrypts a session key with the recipient's public key using
// OAEP/SHA-256.
func WrapKey(pub *rsa.PublicKey, sessionKey []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping session key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey decrypts a wrapped session key with the recipient's
// private key.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping session key: %v", models.ErrSecurityViolation, err)
	}
	if len(key) != SessionKeyBytes {
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", models.ErrSecurityViolation, len(key))
	}
	return key, nil
}

// Sign produces a PSS/SHA-256 signature over data.
func Sign(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}
	return sig, nil
}

// Verify checks a PSS/SHA-256 signature over data.
func Verify(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return fmt.Errorf("%w: signature verification: %v", models.ErrSecurityViolation, err)
	}
	return nil
}
