package session

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/models"
)

// Session is one worker's symmetric key plus lifecycle metadata. Its
// lifecycle is independent of the worker's connection state so that a
// reconnect inside the expiry window resumes without a new handshake.
type Session struct {
	WorkerID  string
	Cipher    *Cipher
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Manager is the coordinator-side session cache. It owns the
// coordinator key pair, establishes sessions at handshake time, and
// lazily expires them on access. The cache is bounded; the oldest
// session is evicted when full.
type Manager struct {
	logger *slog.Logger
	key    *rsa.PrivateKey

	ttl          time.Duration
	cacheSize    int
	replayWindow time.Duration
	nonceSweep   time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	active   prometheus.Gauge
}

// NewManager creates a session manager with a fresh coordinator key
// pair.
func NewManager(logger *slog.Logger, cfg config.SessionConfig) (*Manager, error) {
	key, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 100
	}
	replayWindow := cfg.ReplayWindow
	if replayWindow == 0 {
		replayWindow = DefaultReplayWindow
	}
	nonceSweep := cfg.NonceSweep
	if nonceSweep == 0 {
		nonceSweep = 5 * time.Minute
	}

	return &Manager{
		logger:       logger,
		key:          key,
		ttl:          ttl,
		cacheSize:    cacheSize,
		replayWindow: replayWindow,
		nonceSweep:   nonceSweep,
		sessions:     make(map[string]*Session),
	}, nil
}

// SetActiveGauge attaches a gauge tracking the cached session count.
func (m *Manager) SetActiveGauge(g prometheus.Gauge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = g
	g.Set(float64(len(m.sessions)))
}

// trackLocked updates the session gauge. Caller holds the write lock.
func (m *Manager) trackLocked() {
	if m.active != nil {
		m.active.Set(float64(len(m.sessions)))
	}
}

// PublicKeyPEM returns the coordinator's public key for the handshake
// accept message.
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	return EncodePublicKey(&m.key.PublicKey)
}

// Establish creates a fresh session for the worker and returns the
// session key wrapped with the worker's public key. Any existing
// session for the worker is replaced.
func (m *Manager) Establish(workerID string, workerPublicKeyPEM []byte) ([]byte, error) {
	workerPub, err := ParsePublicKey(workerPublicKeyPEM)
	if err != nil {
		return nil, err
	}

	key, err := NewSessionKey()
	if err != nil {
		return nil, err
	}

	cipher, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipher.WithReplayWindow(m.replayWindow)

	wrapped, err := WrapKey(workerPub, key)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		WorkerID:  workerID,
		Cipher:    cipher,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[workerID]; !exists && len(m.sessions) >= m.cacheSize {
		m.evictOldestLocked()
	}
	m.sessions[workerID] = sess
	m.trackLocked()

	m.logger.Info("session established",
		slog.String("worker_id", workerID),
		slog.Time("expires_at", sess.ExpiresAt),
	)

	return wrapped, nil
}

// evictOldestLocked removes the session with the earliest creation
// time. Caller holds the write lock.
func (m *Manager) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, sess := range m.sessions {
		if oldestID == "" || sess.CreatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = sess.CreatedAt
		}
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
		m.logger.Warn("session cache full, evicted oldest",
			slog.String("worker_id", oldestID),
		)
	}
}

// get returns a live session, removing it if expired. ExpiresAt is
// read only under the lock; Resume writes it concurrently.
func (m *Manager) get(workerID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[workerID]
	var expiresAt time.Time
	if ok {
		expiresAt = sess.ExpiresAt
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no session for worker %s", models.ErrSessionExpired, workerID)
	}

	if time.Now().After(expiresAt) {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Re-check under the write lock; a handshake may have replaced
		// the session or a resume extended it.
		cur, ok := m.sessions[workerID]
		if ok && (cur != sess || !time.Now().After(cur.ExpiresAt)) {
			return cur, nil
		}
		if ok {
			delete(m.sessions, workerID)
			m.trackLocked()
		}
		return nil, fmt.Errorf("%w: worker %s", models.ErrSessionExpired, workerID)
	}

	return sess, nil
}

// Resume reports whether the worker has a live session, extending its
// expiry window on success.
func (m *Manager) Resume(workerID string) bool {
	sess, err := m.get(workerID)
	if err != nil {
		return false
	}

	m.mu.Lock()
	sess.ExpiresAt = time.Now().Add(m.ttl)
	m.mu.Unlock()
	return true
}

// EncryptFor seals a payload for the worker's session.
func (m *Manager) EncryptFor(workerID string, payload []byte) ([]byte, error) {
	sess, err := m.get(workerID)
	if err != nil {
		return nil, err
	}
	return sess.Cipher.Seal(payload)
}

// DecryptFrom opens a sealed payload from the worker's session,
// enforcing the anti-replay contract.
func (m *Manager) DecryptFrom(workerID string, sealed []byte) ([]byte, error) {
	sess, err := m.get(workerID)
	if err != nil {
		return nil, err
	}
	return sess.Cipher.Open(sealed)
}

// Sign signs a payload with the coordinator private key (PSS/SHA-256).
func (m *Manager) Sign(data []byte) ([]byte, error) {
	return Sign(m.key, data)
}

// Remove drops the worker's session. Used on explicit eviction, not on
// disconnect.
func (m *Manager) Remove(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, workerID)
	m.trackLocked()
}

// Count returns the number of cached sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartSweeper runs the periodic nonce purge until the context ends.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.nonceSweep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(time.Now())
			}
		}
	}()
}

// sweep purges stale nonces and expired sessions.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	ciphers := make([]*Cipher, 0, len(m.sessions))
	for _, sess := range m.sessions {
		ciphers = append(ciphers, sess.Cipher)
	}
	m.trackLocked()
	m.mu.Unlock()

	removed := 0
	for _, c := range ciphers {
		removed += c.SweepNonces(now)
	}

	if removed > 0 || len(expired) > 0 {
		m.logger.Debug("session sweep",
			slog.Int("nonces_removed", removed),
			slog.Int("sessions_expired", len(expired)),
		)
	}
}
