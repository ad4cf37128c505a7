package frameio

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// ProbeResult contains the media tool's probe output.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	NumStreams int    `json:"nb_streams"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index        int               `json:"index"`
	CodecName    string            `json:"codec_name"`
	CodecType    string            `json:"codec_type"` // video, audio, subtitle
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	RFrameRate   string            `json:"r_frame_rate,omitempty"`
	AvgFrameRate string            `json:"avg_frame_rate,omitempty"`
	NumFrames    string            `json:"nb_frames,omitempty"`
	Disposition  ProbeDisposition  `json:"disposition,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// ProbeDisposition contains stream disposition flags.
type ProbeDisposition struct {
	Default int `json:"default"`
	Forced  int `json:"forced"`
}

// Prober handles media probe operations.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a new prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe probes a video file. A probe with no video stream fails with
// ErrSourceUnreadable.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: probe timeout after %v", models.ErrSourceUnreadable, p.timeout)
		}
		return nil, fmt.Errorf("%w: ffprobe failed: %v", models.ErrSourceUnreadable, err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("%w: parsing ffprobe output: %v", models.ErrSourceUnreadable, err)
	}

	if result.VideoStream() == nil {
		return nil, fmt.Errorf("%w: no video stream in %s", models.ErrSourceUnreadable, path)
	}

	return &result, nil
}

// VideoStream returns the first video stream, nil if none.
func (r *ProbeResult) VideoStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" {
			return &r.Streams[i]
		}
	}
	return nil
}

// StreamsByType returns all streams of a given type in container
// order.
func (r *ProbeResult) StreamsByType(codecType string) []ProbeStream {
	var streams []ProbeStream
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			streams = append(streams, s)
		}
	}
	return streams
}

// FrameRate returns the video frame rate rounded to three decimals.
func (r *ProbeResult) FrameRate() float64 {
	v := r.VideoStream()
	if v == nil {
		return 0
	}
	if v.AvgFrameRate != "" && v.AvgFrameRate != "0/0" {
		return parseFrameRate(v.AvgFrameRate)
	}
	return parseFrameRate(v.RFrameRate)
}

// FrameCount returns the declared frame count, or an estimate from
// duration and frame rate when the container does not carry one.
func (r *ProbeResult) FrameCount() int {
	v := r.VideoStream()
	if v == nil {
		return 0
	}
	if v.NumFrames != "" {
		if n, err := strconv.Atoi(v.NumFrames); err == nil && n > 0 {
			return n
		}
	}
	if r.Format.Duration != "" {
		if dur, err := strconv.ParseFloat(r.Format.Duration, 64); err == nil {
			return int(math.Round(dur * r.FrameRate()))
		}
	}
	return 0
}

// Language returns the stream's language tag, "und" when untagged.
func (s *ProbeStream) Language() string {
	if lang, ok := s.Tags["language"]; ok && lang != "" {
		return lang
	}
	return "und"
}

// parseFrameRate parses the tool's rational form "num/den" and rounds
// to three decimals.
func parseFrameRate(fr string) float64 {
	parts := strings.Split(fr, "/")
	if len(parts) != 2 {
		if f, err := strconv.ParseFloat(fr, 64); err == nil {
			return math.Round(f*1000) / 1000
		}
		return 0
	}

	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}

	return math.Round(num/den*1000) / 1000
}
