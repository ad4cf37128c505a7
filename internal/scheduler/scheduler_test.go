package scheduler

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmedia/upscaled/internal/archive"
	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/events"
	"github.com/kestrelmedia/upscaled/internal/frameio"
	"github.com/kestrelmedia/upscaled/internal/metrics"
	"github.com/kestrelmedia/upscaled/internal/models"
	"github.com/kestrelmedia/upscaled/internal/store"
	"github.com/kestrelmedia/upscaled/internal/transport"
)

type sentAssignment struct {
	workerID string
	batchID  models.ULID
}

type sentCancel struct {
	workerID string
	batchID  models.ULID
}

// fakeTransport records sends and "decrypts" results by base64-decoding
// the result data field.
type fakeTransport struct {
	mu           sync.Mutex
	assignments  []sentAssignment
	cancels      []sentCancel
	failSend     bool
	disconnected map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{disconnected: make(map[string]bool)}
}

func (f *fakeTransport) SendAssignment(workerID string, batch *models.Batch, data []byte, cfg models.BatchConfig, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return assert.AnError
	}
	f.assignments = append(f.assignments, sentAssignment{workerID, batch.ID})
	return nil
}

func (f *fakeTransport) SendCancel(workerID string, batchID models.ULID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sentCancel{workerID, batchID})
	return nil
}

func (f *fakeTransport) Connected(workerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.disconnected[workerID]
}

func (f *fakeTransport) DecryptResult(workerID string, result *transport.BatchResult) ([]byte, error) {
	return transport.DecodeBinary(result.ResultData)
}

func (f *fakeTransport) sentTo() []sentAssignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentAssignment(nil), f.assignments...)
}

func (f *fakeTransport) cancelled() []sentCancel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCancel(nil), f.cancels...)
}

// fakeAssembler records assembly requests instead of running ffmpeg.
type fakeAssembler struct {
	mu       sync.Mutex
	requests []frameio.AssembleRequest
	err      error
}

func (f *fakeAssembler) Assemble(ctx context.Context, req frameio.AssembleRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

func (f *fakeAssembler) recorded() []frameio.AssembleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frameio.AssembleRequest(nil), f.requests...)
}

type fakeHistory struct {
	mu       sync.Mutex
	recorded []models.ULID
}

func (f *fakeHistory) Record(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, job.ID)
	return nil
}

type schedFixture struct {
	sched     *Scheduler
	store     *store.Store
	transport *fakeTransport
	assembler *fakeAssembler
	history   *fakeHistory
}

func newFixture(t *testing.T) *schedFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(logger)
	ft := newFakeTransport()
	fa := &fakeAssembler{}
	fh := &fakeHistory{}

	cfg := config.SchedulerConfig{
		BatchSize:          50,
		MaxRetries:         models.DefaultMaxRetries,
		BatchTimeout:       30 * time.Minute,
		AssignmentWake:     time.Second,
		TimeoutSweep:       30 * time.Second,
		DuplicateThreshold: 5,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatMisses:    3,
	}

	s := New(logger, cfg, config.StorageConfig{WorkDir: t.TempDir()},
		st, nil, fa, events.NewBus(), metrics.New(prometheus.NewRegistry()),
		fh, models.DefaultBatchConfig())
	s.SetTransport(ft)

	return &schedFixture{sched: s, store: st, transport: ft, assembler: fa, history: fh}
}

// makeBatch writes real frame files and registers a batch over them so
// dispatch can pack an archive.
func makeBatch(t *testing.T, st *store.Store, jobID models.ULID, start, end int) *models.Batch {
	t.Helper()
	dir := t.TempDir()
	names := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		name := archive.FrameName(i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("png"), 0o644))
		names = append(names, name)
	}
	batch, err := st.CreateBatch(jobID, start, end, names, dir)
	require.NoError(t, err)
	return batch
}

func makeJob(t *testing.T, st *store.Store, workDir string, batches int) (*models.Job, []*models.Batch) {
	t.Helper()
	job := st.CreateJob("/in.mkv", "/out.mkv", workDir)
	require.NoError(t, st.SetJobStatus(job.ID, models.JobStatusProcessing))

	out := make([]*models.Batch, 0, batches)
	for i := 0; i < batches; i++ {
		out = append(out, makeBatch(t, st, job.ID, i*5+1, i*5+5))
	}
	return job, out
}

// packResult builds the archive a worker would return for the batch's
// frame range.
func packResult(t *testing.T, start, end int) string {
	t.Helper()
	dir := t.TempDir()
	for i := start; i <= end; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, archive.FrameName(i)), []byte("upscaled"), 0o644))
	}
	data, err := archive.PackDir(dir)
	require.NoError(t, err)
	return transport.EncodeBinary(data)
}

func TestAssignPassPairsPendingWithWorkers(t *testing.T) {
	f := newFixture(t)
	_, batches := makeJob(t, f.store, t.TempDir(), 2)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})

	f.sched.assignPass(context.Background())

	sent := f.transport.sentTo()
	require.Len(t, sent, 1)
	assert.Equal(t, "w-1", sent[0].workerID)
	assert.Equal(t, batches[0].ID, sent[0].batchID)

	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusAssigned, got.Status)

	// The second batch stays pending with no worker free.
	got, err = f.store.GetBatch(batches[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)
}

func TestAssignPassSkipsDisconnectedWorkers(t *testing.T) {
	f := newFixture(t)
	makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	f.transport.disconnected["w-1"] = true

	f.sched.assignPass(context.Background())
	assert.Empty(t, f.transport.sentTo())
}

func TestDispatchSendFailureReleasesBatch(t *testing.T) {
	f := newFixture(t)
	_, batches := makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	f.transport.failSend = true

	f.sched.assignPass(context.Background())

	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	w, err := f.store.GetWorker("w-1")
	require.NoError(t, err)
	assert.True(t, w.CurrentBatchID.IsZero())
}

func TestAssignPassIssuesDuplicates(t *testing.T) {
	f := newFixture(t)
	_, batches := makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	f.store.RegisterWorker("w-2", "addr", models.Capabilities{})
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))

	// No pending work and an idle second worker: the in-flight batch
	// gets a racing copy.
	f.sched.assignPass(context.Background())

	sent := f.transport.sentTo()
	require.Len(t, sent, 1)
	assert.Equal(t, "w-2", sent[0].workerID)
	assert.NotEqual(t, batches[0].ID, sent[0].batchID)

	dup, err := f.store.GetBatch(sent[0].batchID)
	require.NoError(t, err)
	assert.True(t, dup.IsDuplicate())
	assert.Equal(t, batches[0].ID, dup.OriginalID)

	// A second pass must not stack another copy on the same group.
	f.store.RegisterWorker("w-3", "addr", models.Capabilities{})
	f.sched.assignPass(context.Background())
	assert.Len(t, f.transport.sentTo(), 1)
}

func TestHandleResultCompletion(t *testing.T) {
	f := newFixture(t)
	workDir := t.TempDir()
	job, batches := makeJob(t, f.store, workDir, 2)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))

	f.sched.HandleResult("w-1", &transport.BatchResult{
		BatchID:    batches[0].ID,
		Status:     transport.ResultCompleted,
		ResultData: packResult(t, 1, 5),
	})

	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)

	// Upscaled frames land in the job's final tree.
	for i := 1; i <= 5; i++ {
		content, err := os.ReadFile(filepath.Join(workDir, "upscaled_final", archive.FrameName(i)))
		require.NoError(t, err)
		assert.Equal(t, []byte("upscaled"), content)
	}

	gotJob, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, gotJob.Status)
	assert.Equal(t, 1, gotJob.CompletedBatches)

	// Staging happened inside the work dir and left nothing behind.
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "upscaled_final", entries[0].Name())
}

func TestHandleResultShortArchiveFails(t *testing.T) {
	f := newFixture(t)
	_, batches := makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))

	// Three of five expected frames.
	f.sched.HandleResult("w-1", &transport.BatchResult{
		BatchID:    batches[0].ID,
		Status:     transport.ResultCompleted,
		ResultData: packResult(t, 1, 3),
	})

	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestHandleResultFailure(t *testing.T) {
	f := newFixture(t)
	_, batches := makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))

	f.sched.HandleResult("w-1", &transport.BatchResult{
		BatchID:      batches[0].ID,
		Status:       transport.ResultFailed,
		ErrorMessage: "upscaler exited 1",
	})

	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	w, err := f.store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.ConsecutiveFailures)
}

func TestExhaustedRetriesFailJob(t *testing.T) {
	f := newFixture(t)
	job, batches := makeJob(t, f.store, t.TempDir(), 1)
	require.NoError(t, f.store.SetBatchMaxRetries(batches[0].ID, 0))
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))

	f.sched.HandleResult("w-1", &transport.BatchResult{
		BatchID:      batches[0].ID,
		Status:       transport.ResultFailed,
		ErrorMessage: "upscaler exited 1",
	})

	gotJob, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, gotJob.Status)
	assert.Contains(t, gotJob.Error, "exhausted retries")

	f.history.mu.Lock()
	defer f.history.mu.Unlock()
	assert.Equal(t, []models.ULID{job.ID}, f.history.recorded)
}

func TestForceAssembleJobWithFailedBatches(t *testing.T) {
	f := newFixture(t)
	workDir := t.TempDir()
	job, batches := makeJob(t, f.store, workDir, 2)
	require.NoError(t, f.store.SetBatchMaxRetries(batches[1].ID, 0))
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})

	// One batch completes; the other exhausts its retries and fails the
	// job.
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))
	f.sched.HandleResult("w-1", &transport.BatchResult{
		BatchID:    batches[0].ID,
		Status:     transport.ResultCompleted,
		ResultData: packResult(t, 1, 5),
	})
	require.NoError(t, f.store.AssignBatch(batches[1].ID, "w-1"))
	f.sched.HandleResult("w-1", &transport.BatchResult{
		BatchID:      batches[1].ID,
		Status:       transport.ResultFailed,
		ErrorMessage: "upscaler exited 1",
	})

	gotJob, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, gotJob.Status)

	// Without force the failed batches block assembly.
	err = f.sched.AssembleJob(job.ID, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires force")
	assert.Empty(t, f.assembler.recorded())

	require.NoError(t, f.sched.AssembleJob(job.ID, true))
	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(job.ID)
		return err == nil && j.Status == models.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	reqs := f.assembler.recorded()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Force)
	assert.Equal(t, filepath.Join(workDir, "upscaled_final"), reqs[0].FramesDir)
	assert.Equal(t, "/out.mkv", reqs[0].OutputPath)

	// A completed job never assembles again.
	err = f.sched.AssembleJob(job.ID, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot assemble")
}

func TestCompletionCancelsRacingPeer(t *testing.T) {
	f := newFixture(t)
	workDir := t.TempDir()
	_, batches := makeJob(t, f.store, workDir, 2)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	f.store.RegisterWorker("w-2", "addr", models.Capabilities{})

	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))
	dup, err := f.store.DuplicateBatch(batches[0].ID)
	require.NoError(t, err)
	require.NoError(t, f.store.AssignBatch(dup.ID, "w-2"))

	f.sched.HandleResult("w-2", &transport.BatchResult{
		BatchID:    dup.ID,
		Status:     transport.ResultCompleted,
		ResultData: packResult(t, 1, 5),
	})

	cancels := f.transport.cancelled()
	require.Len(t, cancels, 1)
	assert.Equal(t, "w-1", cancels[0].workerID)
	assert.Equal(t, batches[0].ID, cancels[0].batchID)

	// The loser's late result is discarded without touching its stats.
	f.sched.HandleResult("w-1", &transport.BatchResult{
		BatchID:    batches[0].ID,
		Status:     transport.ResultCompleted,
		ResultData: packResult(t, 1, 5),
	})
	w1, err := f.store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Zero(t, w1.BatchesCompleted)
}

func TestTimeoutPass(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.BatchTimeout = time.Millisecond
	_, batches := makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))

	time.Sleep(5 * time.Millisecond)
	f.sched.timeoutPass()

	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	cancels := f.transport.cancelled()
	require.Len(t, cancels, 1)
	assert.Equal(t, "w-1", cancels[0].workerID)
}

func TestHandleHeartbeatUpdatesProgress(t *testing.T) {
	f := newFixture(t)
	_, batches := makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))

	f.sched.HandleHeartbeat("w-1", &transport.Heartbeat{ClientStatus: "processing", Progress: 0.4})

	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Progress, 1e-9)
}

func TestHandleHeartbeatMarksBatchProcessing(t *testing.T) {
	f := newFixture(t)
	_, batches := makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	f.sched.assignPass(context.Background())

	// An idle heartbeat leaves the fresh assignment untouched.
	f.sched.HandleHeartbeat("w-1", &transport.Heartbeat{ClientStatus: "idle"})
	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusAssigned, got.Status)
	assert.Nil(t, got.StartedAt)

	// The first processing report confirms execution started.
	f.sched.HandleHeartbeat("w-1", &transport.Heartbeat{ClientStatus: "processing", Progress: 42})
	got, err = f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.InDelta(t, 42, got.Progress, 1e-9)

	// Later reports keep the original start time.
	started := *got.StartedAt
	f.sched.HandleHeartbeat("w-1", &transport.Heartbeat{ClientStatus: "processing", Progress: 60})
	got, err = f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, started, *got.StartedAt)
	assert.InDelta(t, 60, got.Progress, 1e-9)
}

func TestHandleDisconnectReleasesBatch(t *testing.T) {
	f := newFixture(t)
	_, batches := makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))

	f.sched.HandleDisconnect("w-1")

	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	w, err := f.store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDisconnected, w.Status)
}

func TestLivenessPassReapsStaleWorkers(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.HeartbeatInterval = time.Millisecond
	f.sched.cfg.HeartbeatMisses = 1
	_, batches := makeJob(t, f.store, t.TempDir(), 1)
	f.store.RegisterWorker("w-1", "addr", models.Capabilities{})
	require.NoError(t, f.store.AssignBatch(batches[0].ID, "w-1"))

	time.Sleep(5 * time.Millisecond)
	f.sched.livenessPass()

	w, err := f.store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDisconnected, w.Status)

	got, err := f.store.GetBatch(batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)
}
