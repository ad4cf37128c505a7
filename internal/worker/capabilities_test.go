package worker

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectCapabilities(t *testing.T) {
	caps := DetectCapabilities("/opt/upscaler/bin")

	assert.Equal(t, runtime.GOOS, caps.OS)
	assert.Equal(t, runtime.GOARCH, caps.Arch)
	assert.Equal(t, runtime.NumCPU(), caps.CPUCores)
	assert.Equal(t, "/opt/upscaler/bin", caps.UpscalerPath)
	assert.Equal(t, 1, caps.MaxConcurrentBatches)
	assert.NotEmpty(t, caps.Hostname)
}

func TestDeriveWorkerID(t *testing.T) {
	id := DeriveWorkerID()

	assert.True(t, strings.HasPrefix(id, "w-"), "id %q should carry the w- prefix", id)
	assert.Greater(t, len(id), len("w-"))
	// Stable across calls on the same host.
	assert.Equal(t, id, DeriveWorkerID())
}
