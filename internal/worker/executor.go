package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kestrelmedia/upscaled/internal/archive"
	"github.com/kestrelmedia/upscaled/internal/session"
	"github.com/kestrelmedia/upscaled/internal/transport"
	"github.com/kestrelmedia/upscaled/internal/upscaler"
)

// Executor runs one batch at a time: decrypt, unpack, upscale, pack,
// encrypt. Scratch directories are removed regardless of outcome.
type Executor struct {
	logger  *slog.Logger
	runner  *upscaler.Runner
	workDir string
}

// NewExecutor creates an executor rooted at workDir.
func NewExecutor(logger *slog.Logger, runner *upscaler.Runner, workDir string) *Executor {
	return &Executor{logger: logger, runner: runner, workDir: workDir}
}

// Process executes an assignment and builds the batch_result. Errors
// are folded into a failed result rather than returned; the transport
// always has something to report.
func (e *Executor) Process(ctx context.Context, assignment *transport.BatchAssignment, cipher *session.Cipher) *transport.BatchResult {
	fail := func(format string, args ...any) *transport.BatchResult {
		msg := fmt.Sprintf(format, args...)
		e.logger.Warn("batch failed",
			slog.String("batch_id", assignment.BatchID.String()),
			slog.String("error", msg),
		)
		return &transport.BatchResult{
			BatchID:      assignment.BatchID,
			Status:       transport.ResultFailed,
			ErrorMessage: msg,
		}
	}

	sealed, err := transport.DecodeBinary(assignment.BatchData)
	if err != nil {
		return fail("decoding batch data: %v", err)
	}
	frames, err := cipher.Open(sealed)
	if err != nil {
		return fail("decrypting batch data: %v", err)
	}

	scratch, err := os.MkdirTemp(e.workDir, "batch-*")
	if err != nil {
		return fail("creating scratch dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn("removing scratch dir failed",
				slog.String("dir", scratch),
				slog.String("error", err.Error()),
			)
		}
	}()

	inDir := filepath.Join(scratch, "in")
	outDir := filepath.Join(scratch, "out")

	names, err := archive.Unpack(frames, inDir)
	if err != nil {
		return fail("unpacking batch: %v", err)
	}
	expected := assignment.EndFrame - assignment.StartFrame + 1
	if len(names) != expected {
		return fail("batch archive has %d frames, assignment covers %d", len(names), expected)
	}

	runErr := e.runner.Run(ctx, inDir, outDir, expected, assignment.BatchConfig)
	if runErr != nil && ctx.Err() == nil {
		// One conservative fallback attempt: smaller tiles, single
		// threads, GPU 0.
		e.logger.Warn("upscale run failed, retrying with conservative settings",
			slog.String("batch_id", assignment.BatchID.String()),
			slog.String("error", runErr.Error()),
		)
		_ = os.RemoveAll(outDir)
		runErr = e.runner.Run(ctx, inDir, outDir, expected, assignment.BatchConfig.Conservative())
	}
	if runErr != nil {
		return fail("upscaler: %v", runErr)
	}

	packed, err := archive.PackDir(outDir)
	if err != nil {
		return fail("packing result: %v", err)
	}
	sealedResult, err := cipher.Seal(packed)
	if err != nil {
		return fail("encrypting result: %v", err)
	}

	e.logger.Info("batch processed",
		slog.String("batch_id", assignment.BatchID.String()),
		slog.Int("frames", expected),
	)
	return &transport.BatchResult{
		BatchID:    assignment.BatchID,
		Status:     transport.ResultCompleted,
		ResultData: transport.EncodeBinary(sealedResult),
	}
}
