// Package frameio converts between a video file and a set of per-frame
// PNG images plus sidecar audio and subtitle files, wrapping the
// external media tool (ffmpeg/ffprobe).
package frameio

import (
	"fmt"
	"os/exec"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/models"
)

// BinaryInfo holds the resolved media tool paths.
type BinaryInfo struct {
	FFmpegPath  string
	FFprobePath string
}

// DiscoverBinaries resolves the ffmpeg and ffprobe paths from config
// or PATH. A missing binary is a configuration error and fatal at
// startup.
func DiscoverBinaries(cfg config.MediaConfig) (*BinaryInfo, error) {
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg not found in PATH", models.ErrConfiguration)
		}
		ffmpeg = path
	} else if _, err := exec.LookPath(ffmpeg); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found at %s", models.ErrConfiguration, ffmpeg)
	}

	ffprobe := cfg.FFprobePath
	if ffprobe == "" {
		path, err := exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("%w: ffprobe not found in PATH", models.ErrConfiguration)
		}
		ffprobe = path
	} else if _, err := exec.LookPath(ffprobe); err != nil {
		return nil, fmt.Errorf("%w: ffprobe not found at %s", models.ErrConfiguration, ffprobe)
	}

	return &BinaryInfo{FFmpegPath: ffmpeg, FFprobePath: ffprobe}, nil
}
