package frameio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kestrelmedia/upscaled/internal/archive"
	"github.com/kestrelmedia/upscaled/internal/models"
)

// AssembleRequest describes one reassembly.
type AssembleRequest struct {
	FramesDir      string
	FrameRate      float64
	FrameCount     int
	AudioTracks    []models.MediaTrack
	SubtitleTracks []models.MediaTrack
	OutputPath     string

	// Force tolerates missing frames: the tool concatenates whatever
	// contiguous prefix exists. Without it a gap fails with
	// ErrIncompleteFrames.
	Force bool
}

// Assembler muxes upscaled frames and the original sidecar streams
// back into a video.
type Assembler struct {
	logger *slog.Logger
	bin    *BinaryInfo
}

// NewAssembler creates an assembler using the resolved media tool.
func NewAssembler(logger *slog.Logger, bin *BinaryInfo) *Assembler {
	return &Assembler{logger: logger, bin: bin}
}

// Assemble consumes frames in ascending index order, muxes them at the
// original frame rate, and attaches all sidecar streams in their
// original order.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) error {
	if req.FrameRate <= 0 {
		return fmt.Errorf("%w: frame rate not set", models.ErrAssemblyFailed)
	}

	if err := a.checkFrames(req); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("%w: creating output dir: %v", models.ErrAssemblyFailed, err)
	}

	args := []string{
		"-y",
		"-framerate", fmt.Sprintf("%.3f", req.FrameRate),
		"-i", filepath.Join(req.FramesDir, "frame_%06d.png"),
	}

	// Sidecars are attached in their original order: audio first, then
	// subtitles, matching extraction order within each kind.
	sidecars := make([]models.MediaTrack, 0, len(req.AudioTracks)+len(req.SubtitleTracks))
	sidecars = append(sidecars, req.AudioTracks...)
	sidecars = append(sidecars, req.SubtitleTracks...)

	for _, track := range sidecars {
		args = append(args, "-i", track.Path)
	}

	args = append(args, "-map", "0:v")
	for i, track := range sidecars {
		args = append(args, "-map", fmt.Sprintf("%d:0", i+1))
		var streamSel string
		if track.Type == models.MediaTrackAudio {
			streamSel = fmt.Sprintf("a:%d", audioOrdinal(sidecars, i))
		} else {
			streamSel = fmt.Sprintf("s:%d", subtitleOrdinal(sidecars, i))
		}
		if track.Language != "" {
			args = append(args, fmt.Sprintf("-metadata:s:%s", streamSel), "language="+track.Language)
		}
		disposition := "0"
		if track.IsDefault && track.IsForced {
			disposition = "default+forced"
		} else if track.IsDefault {
			disposition = "default"
		} else if track.IsForced {
			disposition = "forced"
		}
		args = append(args, fmt.Sprintf("-disposition:%s", streamSel), disposition)
	}

	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-crf", "18",
		"-c:a", "copy",
		"-c:s", "copy",
		req.OutputPath,
	)

	cmd := exec.CommandContext(ctx, a.bin.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: ffmpeg exited: %v: %s", models.ErrAssemblyFailed, err, lastLines(stderr.String(), 5))
	}

	a.logger.Info("assembly complete",
		slog.String("output", req.OutputPath),
		slog.Int("sidecar_tracks", len(sidecars)),
	)
	return nil
}

// checkFrames verifies frames 1..FrameCount are all present unless the
// force flag allows gaps.
func (a *Assembler) checkFrames(req AssembleRequest) error {
	if req.FrameCount <= 0 {
		return nil
	}

	var missing []string
	for i := 1; i <= req.FrameCount; i++ {
		name := archive.FrameName(i)
		if _, err := os.Stat(filepath.Join(req.FramesDir, name)); err != nil {
			missing = append(missing, name)
			if len(missing) >= 10 {
				break
			}
		}
	}

	if len(missing) == 0 {
		return nil
	}
	if req.Force {
		a.logger.Warn("assembling with missing frames",
			slog.Int("missing_at_least", len(missing)),
			slog.String("first_missing", missing[0]),
		)
		return nil
	}
	return fmt.Errorf("%w: %d or more frames missing, first %s", models.ErrIncompleteFrames, len(missing), missing[0])
}

func audioOrdinal(sidecars []models.MediaTrack, idx int) int {
	n := 0
	for i := 0; i < idx; i++ {
		if sidecars[i].Type == models.MediaTrackAudio {
			n++
		}
	}
	return n
}

func subtitleOrdinal(sidecars []models.MediaTrack, idx int) int {
	n := 0
	for i := 0; i < idx; i++ {
		if sidecars[i].Type == models.MediaTrackSubtitle {
			n++
		}
	}
	return n
}
