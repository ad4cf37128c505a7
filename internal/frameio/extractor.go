package frameio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// ExtractResult describes a completed extraction.
type ExtractResult struct {
	FramesDir      string
	FrameCount     int
	FrameRate      float64
	AudioTracks    []models.MediaTrack
	SubtitleTracks []models.MediaTrack

	// Warnings records sidecar extraction failures that degraded the
	// job to video-only assembly.
	Warnings []string
}

// Extractor demuxes a video into per-frame PNGs and sidecar streams.
type Extractor struct {
	logger *slog.Logger
	bin    *BinaryInfo
	prober *Prober
}

// NewExtractor creates an extractor using the resolved media tool.
func NewExtractor(logger *slog.Logger, bin *BinaryInfo) *Extractor {
	return &Extractor{
		logger: logger,
		bin:    bin,
		prober: NewProber(bin.FFprobePath),
	}
}

// audioExtensions maps codec names to sidecar container extensions.
// Matroska audio holds anything we do not recognize.
var audioExtensions = map[string]string{
	"aac":  "aac",
	"ac3":  "ac3",
	"eac3": "eac3",
	"mp3":  "mp3",
	"opus": "opus",
	"flac": "flac",
}

// subtitleExtensions maps subtitle codec names to file extensions.
var subtitleExtensions = map[string]string{
	"subrip":   "srt",
	"ass":      "ass",
	"ssa":      "ssa",
	"webvtt":   "vtt",
	"mov_text": "srt",
}

// Extract probes the source, writes frames named frame_%06d.png at a
// constant frame rate into jobDir/original_frames, and extracts each
// audio and subtitle track as a sidecar file. Sidecar failures degrade
// to a warning; a missing video stream fails with ErrSourceUnreadable.
func (e *Extractor) Extract(ctx context.Context, videoPath, jobDir string) (*ExtractResult, error) {
	probe, err := e.prober.Probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	frameRate := probe.FrameRate()
	if frameRate <= 0 {
		return nil, fmt.Errorf("%w: no frame rate in %s", models.ErrSourceUnreadable, videoPath)
	}

	framesDir := filepath.Join(jobDir, "original_frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating frames dir: %w", err)
	}

	// Quality 1 preserves as much information as possible for the
	// upscaler.
	args := []string{
		"-y",
		"-i", videoPath,
		"-q:v", "1",
		"-fps_mode", "cfr",
		"-r", fmt.Sprintf("%.3f", frameRate),
		filepath.Join(framesDir, "frame_%06d.png"),
	}

	if err := e.run(ctx, args); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExtractionFailed, err)
	}

	frameCount, err := countFrames(framesDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExtractionFailed, err)
	}
	if frameCount == 0 {
		return nil, fmt.Errorf("%w: extraction produced no frames", models.ErrExtractionFailed)
	}

	result := &ExtractResult{
		FramesDir:  framesDir,
		FrameCount: frameCount,
		FrameRate:  frameRate,
	}

	for _, stream := range probe.StreamsByType("audio") {
		track, err := e.extractSidecar(ctx, videoPath, jobDir, stream, models.MediaTrackAudio)
		if err != nil {
			msg := fmt.Sprintf("audio track %d (%s) extraction failed: %v", stream.Index, stream.Language(), err)
			e.logger.Warn("sidecar extraction failed", slog.String("detail", msg))
			result.Warnings = append(result.Warnings, msg)
			continue
		}
		result.AudioTracks = append(result.AudioTracks, track)
	}

	for _, stream := range probe.StreamsByType("subtitle") {
		track, err := e.extractSidecar(ctx, videoPath, jobDir, stream, models.MediaTrackSubtitle)
		if err != nil {
			msg := fmt.Sprintf("subtitle track %d (%s) extraction failed: %v", stream.Index, stream.Language(), err)
			e.logger.Warn("sidecar extraction failed", slog.String("detail", msg))
			result.Warnings = append(result.Warnings, msg)
			continue
		}
		result.SubtitleTracks = append(result.SubtitleTracks, track)
	}

	e.logger.Info("extraction complete",
		slog.String("source", videoPath),
		slog.Int("frames", frameCount),
		slog.Float64("frame_rate", frameRate),
		slog.Int("audio_tracks", len(result.AudioTracks)),
		slog.Int("subtitle_tracks", len(result.SubtitleTracks)),
	)

	return result, nil
}

// extractSidecar copies one audio or subtitle stream out of the source
// without transcoding.
func (e *Extractor) extractSidecar(ctx context.Context, videoPath, jobDir string, stream ProbeStream, kind models.MediaTrackType) (models.MediaTrack, error) {
	lang := stream.Language()

	var prefix, ext string
	switch kind {
	case models.MediaTrackAudio:
		prefix = "audio"
		ext = audioExtensions[stream.CodecName]
		if ext == "" {
			ext = "mka"
		}
	case models.MediaTrackSubtitle:
		prefix = "subs"
		ext = subtitleExtensions[stream.CodecName]
		if ext == "" {
			ext = "mks"
		}
	}

	// Stream index disambiguates when multiple tracks share a language.
	path := filepath.Join(jobDir, fmt.Sprintf("%s_%s_%d.%s", prefix, lang, stream.Index, ext))

	args := []string{
		"-y",
		"-i", videoPath,
		"-map", fmt.Sprintf("0:%d", stream.Index),
		"-c", "copy",
		path,
	}
	if err := e.run(ctx, args); err != nil {
		return models.MediaTrack{}, err
	}

	return models.MediaTrack{
		Type:      kind,
		Index:     stream.Index,
		Codec:     stream.CodecName,
		Language:  lang,
		Title:     stream.Tags["title"],
		IsDefault: stream.Disposition.Default == 1,
		IsForced:  stream.Disposition.Forced == 1,
		Path:      path,
	}, nil
}

// run executes the media tool, surfacing stderr on nonzero exit.
func (e *Extractor) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, e.bin.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg exited: %v: %s", err, lastLines(stderr.String(), 5))
	}
	return nil
}

// countFrames counts frame_%06d.png files in dir.
func countFrames(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "frame_*.png"))
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// lastLines returns at most n trailing lines of s.
func lastLines(s string, n int) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}
