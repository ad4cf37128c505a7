package transport

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/metrics"
)

func TestConnectionRegistryTracksGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(logger, config.TransportConfig{}, nil, nil, nil, m, "test")

	a := &wsConn{workerID: "w-1"}
	b := &wsConn{workerID: "w-2"}
	s.register(a)
	s.register(b)
	assert.True(t, s.Connected("w-1"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkersConnected))

	s.deregister(a)
	assert.False(t, s.Connected("w-1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkersConnected))

	s.deregister(b)
	assert.Zero(t, testutil.ToFloat64(m.WorkersConnected))

	// A stale deregister after the connection already left is a no-op.
	s.deregister(b)
	assert.Zero(t, testutil.ToFloat64(m.WorkersConnected))
}
