// Package upscaler wraps the external super-resolution binary. Each
// run consumes a directory of PNG frames and produces the upscaled
// frames under the same names in the output directory.
package upscaler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// DefaultTimeout is the wall-clock ceiling for one run.
const DefaultTimeout = 30 * time.Minute

// MinOutputRatio is the fraction of expected output frames that must
// exist for a run to count as successful even when the binary exits 0.
const MinOutputRatio = 0.8

// Runner executes the upscaler binary.
type Runner struct {
	logger  *slog.Logger
	binPath string
	timeout time.Duration
}

// NewRunner resolves the upscaler binary from the explicit path or
// PATH. A missing binary is a configuration error.
func NewRunner(logger *slog.Logger, binPath string, timeout time.Duration) (*Runner, error) {
	if binPath == "" {
		for _, candidate := range []string{"realesrgan-ncnn-vulkan", "upscayl-bin"} {
			if path, err := exec.LookPath(candidate); err == nil {
				binPath = path
				break
			}
		}
		if binPath == "" {
			return nil, fmt.Errorf("%w: upscaler binary not found in PATH", models.ErrConfiguration)
		}
	} else if _, err := exec.LookPath(binPath); err != nil {
		return nil, fmt.Errorf("%w: upscaler binary not found at %s", models.ErrConfiguration, binPath)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{logger: logger, binPath: binPath, timeout: timeout}, nil
}

// BinaryPath returns the resolved binary location.
func (r *Runner) BinaryPath() string {
	return r.binPath
}

// Args builds the argument list for one run.
func Args(inDir, outDir string, cfg models.BatchConfig) []string {
	args := []string{
		"-i", inDir,
		"-o", outDir,
		"-n", cfg.Model,
		"-s", strconv.Itoa(cfg.Scale),
		"-t", strconv.Itoa(cfg.TileSize),
		"-f", "png",
	}
	if cfg.GPUID >= 0 {
		args = append(args, "-g", strconv.Itoa(cfg.GPUID))
	}
	if cfg.Threads != "" {
		args = append(args, "-j", cfg.Threads)
	}
	return args
}

// Run executes the upscaler over inDir, writing results to outDir. The
// run fails when the binary exits nonzero, the wall-clock ceiling is
// hit, or fewer than MinOutputRatio of the expected frames appear.
func (r *Runner) Run(ctx context.Context, inDir, outDir string, expectedFrames int, cfg models.BatchConfig) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := Args(inDir, outDir, cfg)
	cmd := exec.CommandContext(ctx, r.binPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: upscaler timed out after %v", models.ErrBatchTimeout, r.timeout)
		}
		return fmt.Errorf("%w: upscaler exited: %v: %s", models.ErrBatchProcessing, err, tail(stderr.String(), 5))
	}

	produced, err := countPNGs(outDir)
	if err != nil {
		return fmt.Errorf("%w: checking output: %v", models.ErrBatchProcessing, err)
	}
	if expectedFrames > 0 && float64(produced) < MinOutputRatio*float64(expectedFrames) {
		return fmt.Errorf("%w: upscaler produced %d of %d frames", models.ErrBatchProcessing, produced, expectedFrames)
	}

	r.logger.Info("upscale run complete",
		slog.String("input", inDir),
		slog.Int("frames", produced),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func countPNGs(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".png" {
			n++
		}
	}
	return n, nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
