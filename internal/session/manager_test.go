package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg config.SessionConfig) *Manager {
	t.Helper()
	m, err := NewManager(testLogger(), cfg)
	require.NoError(t, err)
	return m
}

// establishWorker runs the worker half of the handshake: fresh key
// pair, session establishment, and unwrapping the session key.
func establishWorker(t *testing.T, m *Manager, workerID string) *Cipher {
	t.Helper()

	workerKey, err := GenerateKeyPair()
	require.NoError(t, err)
	pubPEM, err := EncodePublicKey(&workerKey.PublicKey)
	require.NoError(t, err)

	wrapped, err := m.Establish(workerID, pubPEM)
	require.NoError(t, err)

	sessionKey, err := UnwrapKey(workerKey, wrapped)
	require.NoError(t, err)

	cipher, err := NewCipher(sessionKey)
	require.NoError(t, err)
	return cipher
}

func TestEstablishAndExchange(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	workerCipher := establishWorker(t, m, "w-1")

	// Coordinator to worker.
	sealed, err := m.EncryptFor("w-1", []byte("assignment"))
	require.NoError(t, err)
	got, err := workerCipher.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("assignment"), got)

	// Worker to coordinator.
	sealed, err = workerCipher.Seal([]byte("result"))
	require.NoError(t, err)
	got, err = m.DecryptFrom("w-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), got)
}

func TestEstablishRejectsGarbageKey(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})

	_, err := m.Establish("w-1", []byte("not a pem key"))
	assert.ErrorIs(t, err, models.ErrSecurityViolation)
}

func TestSessionExpiry(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{TTL: time.Millisecond})
	establishWorker(t, m, "w-1")

	time.Sleep(10 * time.Millisecond)

	_, err := m.EncryptFor("w-1", []byte("late"))
	assert.ErrorIs(t, err, models.ErrSessionExpired)
	assert.False(t, m.Resume("w-1"))
}

func TestResumeExtendsSession(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{TTL: time.Hour})
	establishWorker(t, m, "w-1")

	assert.True(t, m.Resume("w-1"))
	assert.False(t, m.Resume("w-2"))
}

func TestCacheEvictsOldest(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{CacheSize: 2})
	establishWorker(t, m, "w-1")
	time.Sleep(2 * time.Millisecond)
	establishWorker(t, m, "w-2")
	time.Sleep(2 * time.Millisecond)
	establishWorker(t, m, "w-3")

	assert.Equal(t, 2, m.Count())
	assert.False(t, m.Resume("w-1"))
	assert.True(t, m.Resume("w-2"))
	assert.True(t, m.Resume("w-3"))
}

func TestReestablishReplacesSession(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	first := establishWorker(t, m, "w-1")
	establishWorker(t, m, "w-1")

	assert.Equal(t, 1, m.Count())

	// The old key no longer opens coordinator traffic.
	sealed, err := m.EncryptFor("w-1", []byte("fresh"))
	require.NoError(t, err)
	_, err = first.Open(sealed)
	assert.Error(t, err)
}

func TestResumeConcurrentWithTraffic(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{TTL: time.Hour})
	establishWorker(t, m, "w-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Resume("w-1")
				_, err := m.EncryptFor("w-1", []byte("ping"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestActiveGaugeTracksSessions(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "sessions_active"})
	m.SetActiveGauge(g)

	establishWorker(t, m, "w-1")
	establishWorker(t, m, "w-2")
	assert.Equal(t, 2.0, testutil.ToFloat64(g))

	m.Remove("w-1")
	assert.Equal(t, 1.0, testutil.ToFloat64(g))

	m.sweep(time.Now().Add(48 * time.Hour))
	assert.Zero(t, testutil.ToFloat64(g))
}

func TestSignVerify(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})

	sig, err := m.Sign([]byte("payload"))
	require.NoError(t, err)

	pubPEM, err := m.PublicKeyPEM()
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)

	assert.NoError(t, Verify(pub, []byte("payload"), sig))
	assert.ErrorIs(t, Verify(pub, []byte("other"), sig), models.ErrSecurityViolation)
}

func TestRemove(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	establishWorker(t, m, "w-1")

	m.Remove("w-1")
	assert.Zero(t, m.Count())
	_, err := m.EncryptFor("w-1", []byte("x"))
	assert.ErrorIs(t, err, models.ErrSessionExpired)
}
