package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmedia/upscaled/internal/models"
)

func newTestCipherPair(t *testing.T) (*Cipher, *Cipher) {
	t.Helper()
	key, err := NewSessionKey()
	require.NoError(t, err)
	a, err := NewCipher(key)
	require.NoError(t, err)
	b, err := NewCipher(key)
	require.NoError(t, err)
	return a, b
}

func TestCipherRoundTrip(t *testing.T) {
	sender, receiver := newTestCipherPair(t)

	sealed, err := sender.Seal([]byte("frame archive bytes"))
	require.NoError(t, err)

	got, err := receiver.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame archive bytes"), got)
}

func TestCipherRejectsReplay(t *testing.T) {
	sender, receiver := newTestCipherPair(t)

	sealed, err := sender.Seal([]byte("once"))
	require.NoError(t, err)

	_, err = receiver.Open(sealed)
	require.NoError(t, err)

	_, err = receiver.Open(sealed)
	require.ErrorIs(t, err, models.ErrSecurityViolation)
}

func TestCipherRejectsTampering(t *testing.T) {
	sender, receiver := newTestCipherPair(t)

	sealed, err := sender.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = receiver.Open(sealed)
	assert.ErrorIs(t, err, models.ErrSecurityViolation)
}

func TestCipherRejectsWrongKey(t *testing.T) {
	sender, _ := newTestCipherPair(t)
	_, other := newTestCipherPair(t)

	sealed, err := sender.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, models.ErrSecurityViolation)
}

func TestCipherRejectsExpiredTimestamp(t *testing.T) {
	sender, receiver := newTestCipherPair(t)
	receiver.WithReplayWindow(time.Nanosecond)

	sealed, err := sender.Seal([]byte("stale"))
	require.NoError(t, err)

	// The one-second Unix timestamp granularity guarantees the payload
	// is older than a nanosecond window by the time it is opened.
	time.Sleep(1100 * time.Millisecond)

	_, err = receiver.Open(sealed)
	assert.ErrorIs(t, err, models.ErrSecurityViolation)
}

func TestCipherNonceSweep(t *testing.T) {
	sender, receiver := newTestCipherPair(t)

	for i := 0; i < 3; i++ {
		sealed, err := sender.Seal([]byte("payload"))
		require.NoError(t, err)
		_, err = receiver.Open(sealed)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, receiver.NonceCount())

	// Nothing is stale yet.
	assert.Zero(t, receiver.SweepNonces(time.Now()))

	removed := receiver.SweepNonces(time.Now().Add(DefaultReplayWindow + time.Minute))
	assert.Equal(t, 3, removed)
	assert.Zero(t, receiver.NonceCount())
}

func TestCipherRequiresFullKey(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
}
