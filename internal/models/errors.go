package models

import "errors"

// Domain error kinds. Callers wrap these with context via fmt.Errorf
// and test with errors.Is.
var (
	// ErrConfiguration indicates a missing executable or unreadable
	// directory. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrSourceUnreadable indicates the source probe produced no video
	// stream. Fails the job immediately.
	ErrSourceUnreadable = errors.New("source unreadable")

	// ErrExtractionFailed indicates the media tool exited nonzero
	// during frame extraction.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrAssemblyFailed indicates the media tool exited nonzero during
	// reassembly.
	ErrAssemblyFailed = errors.New("assembly failed")

	// ErrIncompleteFrames indicates assembly was attempted with missing
	// frames and the force flag unset.
	ErrIncompleteFrames = errors.New("incomplete frames")

	// ErrSecurityViolation indicates a decrypt, signature or nonce
	// check failed. Fails the single message and counts toward the
	// worker's consecutive-failure counter.
	ErrSecurityViolation = errors.New("security violation")

	// ErrBatchProcessing indicates the upscaler exited nonzero or
	// produced too few output frames. Retry policy applies.
	ErrBatchProcessing = errors.New("batch processing error")

	// ErrBatchTimeout indicates a batch exceeded its wall-clock
	// ceiling. Same treatment as ErrBatchProcessing.
	ErrBatchTimeout = errors.New("batch timeout")

	// ErrAlreadySettled indicates a racing completion on a batch whose
	// original or duplicate already completed. Swallowed silently.
	ErrAlreadySettled = errors.New("batch already settled")

	// ErrWorkerUnavailable indicates a claim or assignment targeted a
	// worker that is not connected and idle.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrSessionExpired indicates the session key passed its 24h
	// window and a new handshake is required.
	ErrSessionExpired = errors.New("session expired")

	ErrJobNotFound    = errors.New("job not found")
	ErrBatchNotFound  = errors.New("batch not found")
	ErrWorkerNotFound = errors.New("worker not found")
)
