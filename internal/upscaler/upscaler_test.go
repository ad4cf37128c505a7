package upscaler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelmedia/upscaled/internal/models"
)

func TestArgs(t *testing.T) {
	cfg := models.DefaultBatchConfig()

	args := Args("/in", "/out", cfg)
	assert.Equal(t, []string{
		"-i", "/in",
		"-o", "/out",
		"-n", "realesrgan-x4plus",
		"-s", "4",
		"-t", "0",
		"-f", "png",
	}, args)
}

func TestArgsWithGPUAndThreads(t *testing.T) {
	cfg := models.BatchConfig{
		Model:    "realesr-animevideov3",
		Scale:    2,
		TileSize: 256,
		GPUID:    1,
		Threads:  "2:2:2",
	}

	args := Args("/in", "/out", cfg)
	assert.Equal(t, []string{
		"-i", "/in",
		"-o", "/out",
		"-n", "realesr-animevideov3",
		"-s", "2",
		"-t", "256",
		"-f", "png",
		"-g", "1",
		"-j", "2:2:2",
	}, args)
}

func TestArgsConservativeFallback(t *testing.T) {
	fallback := models.DefaultBatchConfig().Conservative()

	args := Args("/in", "/out", fallback)
	assert.Contains(t, args, "-g")
	assert.Contains(t, args, "-j")
	assert.Equal(t, "32", args[indexAfter(args, "-t")])
	assert.Equal(t, "1:1:1", args[indexAfter(args, "-j")])
	assert.Equal(t, "0", args[indexAfter(args, "-g")])
}

func indexAfter(args []string, flag string) int {
	for i, a := range args {
		if a == flag {
			return i + 1
		}
	}
	return -1
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\nc\nd", 2))
	assert.Equal(t, "a", tail("a\n", 5))
}
