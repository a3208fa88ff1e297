package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lessonflow/internal/batch"
	"lessonflow/internal/engine"
	"lessonflow/internal/lifecycle"
	"lessonflow/internal/metrics"
	"lessonflow/internal/models"
	"lessonflow/internal/notify"
	"lessonflow/internal/preset"
	"lessonflow/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []engine.StageInput
	fn    func(in engine.StageInput, call int) engine.StageResult
}

func (r *fakeRunner) RunStage(ctx context.Context, in engine.StageInput, cfg preset.EffectiveConfig) engine.StageResult {
	r.mu.Lock()
	r.calls = append(r.calls, in)
	n := len(r.calls)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return engine.StageResult{Success: true, Plan: engine.Plan{Stage: in.Stage, Preset: cfg.Preset()}}
	}
	res := fn(in, n)
	res.Plan = engine.Plan{Stage: in.Stage, Preset: cfg.Preset()}
	return res
}

func (r *fakeRunner) Calls() []engine.StageInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.StageInput(nil), r.calls...)
}

type recorder struct {
	mu      sync.Mutex
	updates []notify.StatusUpdate
}

func (r *recorder) Notify(ctx context.Context, u notify.StatusUpdate) error {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	return nil
}

func (r *recorder) For(lessonID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.updates {
		if u.LessonID == lessonID {
			out = append(out, u.Status)
		}
	}
	return out
}

type fixture struct {
	db        *storage.DB
	clock     *clock
	coord     *batch.Coordinator
	jobs      *storage.JobRepository
	logs      *storage.ProcessingLogRepository
	runner    *fakeRunner
	notes     *recorder
	collector *metrics.Collector
	pool      *Pool
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "lessonflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	db.SetClock(clk.Now)

	store, err := preset.LoadDefaults()
	require.NoError(t, err)
	resolver := preset.NewResolver(store, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		db:        db,
		clock:     clk,
		coord:     batch.NewCoordinator(db, batch.WithResolver(resolver), batch.WithWorkRoot("/data/work"), batch.WithLogger(logger)),
		jobs:      storage.NewJobRepository(db),
		logs:      storage.NewProcessingLogRepository(db),
		runner:    &fakeRunner{},
		notes:     &recorder{},
		collector: metrics.NewCollector(),
	}
	f.pool = New(cfg, Deps{
		DB:          db,
		Coordinator: f.coord,
		Resolver:    resolver,
		Runner:      f.runner,
		Notifier:    f.notes,
		Collector:   f.collector,
		Logger:      logger,
	})
	return f
}

func (f *fixture) createBatch(t *testing.T, n, concurrency int) string {
	t.Helper()
	units := make([]batch.Unit, n)
	for i := range units {
		units[i] = batch.Unit{
			LessonID:   fmt.Sprintf("lesson-%02d", i),
			Title:      fmt.Sprintf("Lesson %d", i),
			SourcePath: fmt.Sprintf("/media/%02d.mp4", i),
		}
	}
	id, err := f.coord.CreateBatch(context.Background(), batch.CreateParams{Name: "week 1", Units: units, ConcurrencyCap: concurrency})
	require.NoError(t, err)
	return id
}

// drain processes jobs until none is ready.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		ok, err := f.pool.ProcessNext(context.Background())
		require.NoError(t, err)
		if !ok {
			return n
		}
		n++
	}
}

func (f *fixture) status(t *testing.T, lessonID string) models.UnitStatus {
	t.Helper()
	l, err := f.logs.Get(context.Background(), lessonID)
	require.NoError(t, err)
	require.NotNil(t, l)
	return l.Status
}

func failWith(msg string) engine.StageResult {
	return engine.StageResult{Error: errors.New(msg)}
}

func TestPool_ProcessesEveryStage(t *testing.T) {
	f := newFixture(t, Config{})
	batchID := f.createBatch(t, 2, 3)

	assert.Equal(t, 6, f.drain(t))

	for _, id := range []string{"lesson-00", "lesson-01"} {
		assert.Equal(t, models.StatusCompleted, f.status(t, id))
		assert.Equal(t, []string{"extract_audio", "transcribe", "completed"}, f.notes.For(id))
	}

	calls := f.runner.Calls()
	require.Len(t, calls, 6)
	assert.Equal(t, models.StageExtractAudio, calls[0].Stage)
	assert.Equal(t, "/media/00.mp4", calls[0].InputPath)
	assert.Equal(t, filepath.Join("/data/work/lesson-00", engine.AudioFile), calls[2].InputPath)
	assert.Equal(t, "Lesson 0", calls[0].Context.LessonTitle)

	s, err := f.coord.Status(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, s.Status)
	assert.Equal(t, 0, s.Batch.InFlight)

	jobs, err := f.jobs.ListByBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPool_RetriesRecoverableFailure(t *testing.T) {
	f := newFixture(t, Config{BackoffInitial: 10 * time.Second})
	f.runner.fn = func(in engine.StageInput, call int) engine.StageResult {
		if in.Stage == models.StageTranscribe && call == 2 {
			return failWith("dial tcp 10.0.0.5:443: connection refused")
		}
		return engine.StageResult{Success: true}
	}
	f.createBatch(t, 1, 1)

	assert.Equal(t, 2, f.drain(t))
	assert.Equal(t, models.StatusTranscribing, f.status(t, "lesson-00"))
	assert.Equal(t, 0, f.drain(t), "retry waits for its backoff")

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 2, f.drain(t))
	assert.Equal(t, models.StatusCompleted, f.status(t, "lesson-00"))
	assert.Equal(t, []string{"extract_audio", "transcribe", "transcribe", "completed"}, f.notes.For("lesson-00"))
	assert.EqualValues(t, 1, f.collector.Snapshot().Retries)
}

func TestPool_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2, BackoffInitial: time.Second})
	f.runner.fn = func(in engine.StageInput, call int) engine.StageResult {
		if in.Stage == models.StageTranscribe {
			return failWith("connection reset by peer")
		}
		return engine.StageResult{Success: true}
	}
	batchID := f.createBatch(t, 1, 1)

	f.drain(t)
	f.clock.Advance(time.Second)
	f.drain(t)

	assert.Equal(t, models.StatusFailed, f.status(t, "lesson-00"))
	dead, err := f.jobs.LatestFailedByLesson(context.Background(), "lesson-00")
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.Equal(t, 2, dead.Attempts)
	assert.Equal(t, models.StageTranscribe, dead.Stage)
	assert.Contains(t, dead.Error, "connection reset")

	s, err := f.coord.Status(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, s.Status)

	assert.Equal(t, []string{"extract_audio", "transcribe", "failed"}, f.notes.For("lesson-00"))
	snap := f.collector.Snapshot()
	assert.EqualValues(t, 1, snap.Retries)
	assert.EqualValues(t, 1, snap.DeadLettered)
}

func TestPool_UnrecoverableFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, Config{})
	f.runner.fn = func(in engine.StageInput, call int) engine.StageResult {
		return failWith("ffmpeg: exit status 1")
	}
	f.createBatch(t, 1, 1)

	assert.Equal(t, 1, f.drain(t))
	assert.Equal(t, models.StatusFailed, f.status(t, "lesson-00"))
	assert.Len(t, f.runner.Calls(), 1)

	l, err := f.logs.Get(context.Background(), "lesson-00")
	require.NoError(t, err)
	assert.Contains(t, l.ErrorMessage, "exit status 1")
}

func TestPool_RetriedBatchRunsAgain(t *testing.T) {
	f := newFixture(t, Config{})
	fail := true
	f.runner.fn = func(in engine.StageInput, call int) engine.StageResult {
		if fail && in.Stage == models.StageRecognizeTerms {
			return failWith("segfault in matcher")
		}
		return engine.StageResult{Success: true}
	}
	batchID := f.createBatch(t, 1, 1)
	f.drain(t)
	require.Equal(t, models.StatusFailed, f.status(t, "lesson-00"))

	fail = false
	retried, err := f.coord.Retry(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, []string{"lesson-00"}, retried)

	assert.Equal(t, 3, f.drain(t))
	assert.Equal(t, models.StatusCompleted, f.status(t, "lesson-00"))
}

func TestPool_StopsCancelledBatch(t *testing.T) {
	f := newFixture(t, Config{})
	var batchID string
	f.runner.fn = func(in engine.StageInput, call int) engine.StageResult {
		if call == 1 {
			_, err := f.coord.Cancel(context.Background(), batchID)
			require.NoError(t, err)
		}
		return engine.StageResult{Success: true}
	}
	batchID = f.createBatch(t, 2, 1)

	assert.Equal(t, 1, f.drain(t))
	assert.Len(t, f.runner.Calls(), 1)

	l, err := f.logs.Get(context.Background(), "lesson-00")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, l.Status)
	assert.NotNil(t, l.Extract.CompletedAt, "the running stage is recorded before stopping")
	assert.Equal(t, models.StatusCancelled, f.status(t, "lesson-01"))

	jobs, err := f.jobs.ListByBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	s, err := f.coord.Status(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, s.Status)
	assert.Equal(t, []string{"cancelled"}, f.notes.For("lesson-00"))
}

func TestPool_StopsJobRequeuedAfterCancel(t *testing.T) {
	tests := []struct {
		name string
		// requeue finishes the in-flight job the way a worker does after the
		// post-stage cancellation check has passed
		requeue  func(t *testing.T, f *fixture, job *models.Job)
		finished bool
	}{
		{
			name: "retry",
			requeue: func(t *testing.T, f *fixture, job *models.Job) {
				require.NoError(t, f.jobs.Release(context.Background(), job.ID, storage.Outcome{Kind: storage.OutcomeRetry, Delay: 10 * time.Second}))
			},
		},
		{
			name: "next stage",
			requeue: func(t *testing.T, f *fixture, job *models.Job) {
				ctx := context.Background()
				_, err := lifecycle.NewMachine(f.logs, f.db.Now).CompleteStage(ctx, job.LessonID, job.Stage)
				require.NoError(t, err)
				payload, err := job.DecodePayload()
				require.NoError(t, err)
				next := payload.ForStage(models.StageTranscribe)
				data, err := next.Encode()
				require.NoError(t, err)
				_, err = f.jobs.Push(ctx, storage.PushParams{
					Queue: job.Queue, BatchID: job.BatchID, LessonID: job.LessonID,
					Stage: models.StageTranscribe, Payload: data,
				})
				require.NoError(t, err)
				require.NoError(t, f.jobs.Release(ctx, job.ID, storage.Outcome{Kind: storage.OutcomeSuccess}))
			},
			finished: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			batchID := f.createBatch(t, 1, 1)
			ctx := context.Background()

			job, held, err := f.coord.Claim(ctx, models.DefaultQueue, nil)
			require.NoError(t, err)
			require.NotNil(t, job)
			require.True(t, held)
			_, err = lifecycle.NewMachine(f.logs, f.db.Now).BeginStage(ctx, job.LessonID, job.Stage, "standard")
			require.NoError(t, err)

			dequeued, err := f.coord.Cancel(ctx, batchID)
			require.NoError(t, err)
			assert.Empty(t, dequeued)

			tt.requeue(t, f, job)
			require.NoError(t, f.coord.ReleaseSlot(ctx, batchID))

			f.clock.Advance(time.Minute)
			assert.Equal(t, 1, f.drain(t))
			assert.Empty(t, f.runner.Calls())

			l, err := f.logs.Get(ctx, "lesson-00")
			require.NoError(t, err)
			assert.Equal(t, models.StatusCancelled, l.Status)
			assert.Equal(t, tt.finished, l.Extract.CompletedAt != nil)

			jobs, err := f.jobs.ListByBatch(ctx, batchID)
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.Equal(t, []string{"cancelled"}, f.notes.For("lesson-00"))
		})
	}
}

func TestPool_ReconcileDuringClaimKeepsOneSlot(t *testing.T) {
	f := newFixture(t, Config{})
	batchID := f.createBatch(t, 2, 2)
	ctx := context.Background()

	job, held, err := f.coord.Claim(ctx, models.DefaultQueue, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.True(t, held)

	// the janitor sees the reservation and its slot together
	f.pool.Sweep(ctx)

	s, err := f.coord.Status(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Batch.InFlight)

	processed, err := f.pool.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	s, err = f.coord.Status(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Batch.InFlight, "only the first claim still holds a slot")
}

func TestPool_ClaimLeavesFullBatchQueued(t *testing.T) {
	f := newFixture(t, Config{})
	batchID := f.createBatch(t, 2, 1)
	ctx := context.Background()

	ok, err := f.coord.Acquire(ctx, batchID)
	require.NoError(t, err)
	require.True(t, ok)

	// the batch filled up after the saturated list was read
	job, held, err := f.coord.Claim(ctx, models.DefaultQueue, nil)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.False(t, held)

	jobs, err := f.jobs.ListByBatch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.False(t, j.IsReserved())
		assert.Equal(t, 0, j.Attempts, "a rolled back claim does not count an attempt")
	}
}

func TestPool_RespectsConcurrencyCap(t *testing.T) {
	f := newFixture(t, Config{})
	batchID := f.createBatch(t, 2, 1)
	ctx := context.Background()

	ok, err := f.coord.Acquire(ctx, batchID)
	require.NoError(t, err)
	require.True(t, ok)

	processed, err := f.pool.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "a saturated batch is skipped")
	assert.Empty(t, f.runner.Calls())

	require.NoError(t, f.coord.ReleaseSlot(ctx, batchID))
	processed, err = f.pool.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestPool_SweepReleasesStaleReservations(t *testing.T) {
	f := newFixture(t, Config{ReservationTimeout: time.Minute})
	batchID := f.createBatch(t, 1, 1)
	ctx := context.Background()

	job, err := f.jobs.Pop(ctx, models.DefaultQueue, storage.PopOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)
	ok, err := f.coord.Acquire(ctx, batchID)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(2 * time.Minute)
	f.pool.Sweep(ctx)

	job, err = f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, job.IsReserved())

	s, err := f.coord.Status(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Batch.InFlight)

	assert.Equal(t, 3, f.drain(t))
}

func TestPool_StartStop(t *testing.T) {
	f := newFixture(t, Config{Workers: 2, PollInterval: 10 * time.Millisecond})
	f.createBatch(t, 3, 2)

	f.pool.Start(context.Background())
	require.Eventually(t, func() bool {
		for _, id := range []string{"lesson-00", "lesson-01", "lesson-02"} {
			l, err := f.logs.Get(context.Background(), id)
			if err != nil || l == nil || l.Status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, f.pool.Stop())
	require.NoError(t, f.pool.Stop(), "stopping twice is a no-op")
}

func TestPool_RetryDelay(t *testing.T) {
	p := New(Config{BackoffInitial: 10 * time.Second, BackoffMax: time.Minute}, Deps{DB: &storage.DB{}})
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, time.Minute, time.Minute}
	for i, d := range want {
		assert.Equal(t, d, p.retryDelay(i+1), "attempt %d", i+1)
	}
}
