package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// PayloadNonceBytes is the anti-replay nonce carried inside every
// plaintext payload, distinct from the GCM nonce on the outside.
const PayloadNonceBytes = 16

// DefaultReplayWindow is the maximum accepted payload age.
const DefaultReplayWindow = 300 * time.Second

// envelope is the plaintext frame sealed by the cipher. JSON []byte
// fields are base64 on the wire.
type envelope struct {
	Nonce     []byte `json:"nonce"`
	Timestamp int64  `json:"ts"`
	Payload   []byte `json:"payload"`
}

// Cipher seals and opens payloads for one session. Both sides of a
// session hold one; each tracks the nonces it has accepted.
type Cipher struct {
	aead   cipher.AEAD
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewCipher creates a session cipher from a 256-bit key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != SessionKeyBytes {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", SessionKeyBytes, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{
		aead:   aead,
		window: DefaultReplayWindow,
		seen:   make(map[string]time.Time),
	}, nil
}

// WithReplayWindow overrides the accepted payload age. Used by tests.
func (c *Cipher) WithReplayWindow(window time.Duration) *Cipher {
	c.window = window
	return c
}

// Seal encrypts a payload. The plaintext carries a fresh 16-byte
// random nonce and the current Unix timestamp; the AEAD output is
// prefixed with the GCM nonce.
func (c *Cipher) Seal(payload []byte) ([]byte, error) {
	payloadNonce := make([]byte, PayloadNonceBytes)
	if _, err := rand.Read(payloadNonce); err != nil {
		return nil, fmt.Errorf("generating payload nonce: %w", err)
	}

	plaintext, err := json.Marshal(envelope{
		Nonce:     payloadNonce,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	gcmNonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(gcmNonce); err != nil {
		return nil, fmt.Errorf("generating GCM nonce: %w", err)
	}

	return c.aead.Seal(gcmNonce, gcmNonce, plaintext, nil), nil
}

// Open decrypts a sealed payload and enforces the anti-replay
// contract: tampered ciphertext, a previously seen nonce, or a
// timestamp older than the replay window all fail with
// ErrSecurityViolation.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", models.ErrSecurityViolation)
	}

	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting payload: %v", models.ErrSecurityViolation, err)
	}

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", models.ErrSecurityViolation, err)
	}
	if len(env.Nonce) != PayloadNonceBytes {
		return nil, fmt.Errorf("%w: payload nonce has %d bytes", models.ErrSecurityViolation, len(env.Nonce))
	}

	now := time.Now()
	sent := time.Unix(env.Timestamp, 0)
	if now.Sub(sent) > c.window {
		return nil, fmt.Errorf("%w: payload timestamp expired", models.ErrSecurityViolation)
	}

	key := string(env.Nonce)
	c.mu.Lock()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: replayed payload nonce", models.ErrSecurityViolation)
	}
	c.seen[key] = now
	c.mu.Unlock()

	return env.Payload, nil
}

// SweepNonces discards accepted nonces older than the replay window;
// payloads that old are rejected by the timestamp check regardless.
func (c *Cipher) SweepNonces(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for nonce, seenAt := range c.seen {
		if now.Sub(seenAt) > c.window {
			delete(c.seen, nonce)
			removed++
		}
	}
	return removed
}

// NonceCount returns the number of tracked nonces. Used by tests and
// the sweeper log line.
func (c *Cipher) NonceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
