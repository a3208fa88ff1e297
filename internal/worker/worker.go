// Package worker runs the lesson pipeline: independent loops pop stage jobs
// from the queue, run them through the engine and record the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"lessonflow/internal/batch"
	"lessonflow/internal/engine"
	"lessonflow/internal/failure"
	"lessonflow/internal/lifecycle"
	"lessonflow/internal/metrics"
	"lessonflow/internal/models"
	"lessonflow/internal/notify"
	"lessonflow/internal/preset"
	"lessonflow/internal/storage"
)

// StageRunner runs one stage of a lesson.
type StageRunner interface {
	RunStage(ctx context.Context, in engine.StageInput, cfg preset.EffectiveConfig) engine.StageResult
}

// Config controls the pool.
type Config struct {
	Queue                string
	Workers              int
	PollInterval         time.Duration
	MaxAttempts          int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	BackoffRandomization float64
	// ReservationTimeout must exceed the longest stage run, fallback included.
	ReservationTimeout time.Duration
	JanitorInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = models.DefaultQueue
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 10 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if c.ReservationTimeout <= 0 {
		c.ReservationTimeout = 30 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	return c
}

// Deps are the collaborators of a Pool.
type Deps struct {
	DB          *storage.DB
	Coordinator *batch.Coordinator
	Resolver    *preset.Resolver
	Runner      StageRunner
	Classifier  *failure.Classifier
	Notifier    notify.Notifier
	Collector   *metrics.Collector
	Logger      *slog.Logger
}

// Pool processes jobs from one queue.
type Pool struct {
	cfg        Config
	db         *storage.DB
	jobs       *storage.JobRepository
	coord      *batch.Coordinator
	machine    *lifecycle.Machine
	resolver   *preset.Resolver
	runner     StageRunner
	classifier *failure.Classifier
	notifier   notify.Notifier
	collector  *metrics.Collector
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// New creates a Pool.
func New(cfg Config, d Deps) *Pool {
	p := &Pool{
		cfg:        cfg.withDefaults(),
		db:         d.DB,
		jobs:       storage.NewJobRepository(d.DB),
		coord:      d.Coordinator,
		machine:    lifecycle.NewMachine(storage.NewProcessingLogRepository(d.DB), d.DB.Now),
		resolver:   d.Resolver,
		runner:     d.Runner,
		classifier: d.Classifier,
		notifier:   d.Notifier,
		collector:  d.Collector,
		logger:     d.Logger,
	}
	if p.coord == nil {
		p.coord = batch.NewCoordinator(d.DB, batch.WithQueue(p.cfg.Queue))
	}
	if p.classifier == nil {
		p.classifier = failure.NewClassifier(nil)
	}
	if p.notifier == nil {
		p.notifier = notify.Multi{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Run blocks until ctx is done, running the worker loops and the janitor.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		g.Go(func() error {
			p.loop(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		p.janitor(ctx)
		return nil
	})
	p.logger.Info("worker pool started", "queue", p.cfg.Queue, "workers", p.cfg.Workers)
	err := g.Wait()
	p.logger.Info("worker pool stopped", "queue", p.cfg.Queue)
	return err
}

// Start runs the pool in the background until Stop is called or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan error, 1)
	go func() { p.done <- p.Run(ctx) }()
}

// Stop stops a pool started with Start and waits for in-flight stages to finish.
func (p *Pool) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return <-done
}

func (p *Pool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain ready work before sleeping
		for ctx.Err() == nil {
			processed, err := p.ProcessNext(ctx)
			if err != nil {
				p.logger.Error("process job", "worker", id, "error", err)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep returns reservations older than the reservation timeout to the queue
// and corrects batch in-flight counters.
func (p *Pool) Sweep(ctx context.Context) {
	n, err := p.jobs.ReleaseStale(ctx, p.cfg.ReservationTimeout)
	if err != nil {
		p.logger.Error("release stale reservations", "error", err)
		return
	}
	if n > 0 {
		p.logger.Warn("released stale reservations", "count", n)
	}
	if _, err := p.coord.Reconcile(ctx); err != nil {
		p.logger.Error("reconcile in-flight counters", "error", err)
	}
}

// ProcessNext pops and processes one job. It reports whether a job was handled.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	excluded, err := p.coord.Saturated(ctx)
	if err != nil {
		return false, fmt.Errorf("list saturated batches: %w", err)
	}
	job, held, err := p.coord.Claim(ctx, p.cfg.Queue, excluded)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// bookkeeping outlives shutdown so a reservation is never left behind
	bctx := context.WithoutCancel(ctx)
	log := p.logger.With("job_id", job.ID, "lesson_id", job.LessonID, "stage", job.Stage)
	if job.BatchID != nil {
		log = log.With("batch_id", *job.BatchID)
		if !held {
			p.stopCancelled(bctx, log, job, "")
			return true, nil
		}
		defer func() {
			if err := p.coord.ReleaseSlot(bctx, *job.BatchID); err != nil {
				log.Error("release batch slot", "error", err)
			}
		}()
	}

	p.process(ctx, bctx, log, job)
	return true, nil
}

func (p *Pool) process(ctx, bctx context.Context, log *slog.Logger, job *models.Job) {
	payload, err := job.DecodePayload()
	if err != nil {
		p.giveUp(bctx, log, job, err.Error())
		return
	}

	if job.BatchID != nil {
		cancelled, err := p.coord.IsCancelled(bctx, *job.BatchID)
		if err != nil {
			log.Error("check batch cancellation", "error", err)
			p.unreserve(bctx, log, job)
			return
		}
		if cancelled {
			p.stopCancelled(bctx, log, job, "")
			return
		}
	}

	cfg, err := p.resolver.Resolve(payload.Stage, payload.PresetFor(payload.Stage), payload.OverridesFor(payload.Stage))
	if err != nil {
		p.giveUp(bctx, log, job, fmt.Sprintf("resolve preset: %v", err))
		return
	}

	if _, err := p.machine.BeginStage(bctx, job.LessonID, payload.Stage, cfg.Preset()); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			// the lesson moved on without this job (cancelled or restarted); drop it
			log.Warn("dropping job for lesson in unexpected status", "error", err)
			if err := p.jobs.Release(bctx, job.ID, storage.Outcome{Kind: storage.OutcomeSuccess}); err != nil {
				log.Error("drop job", "error", err)
			}
			return
		}
		p.giveUp(bctx, log, job, err.Error())
		return
	}

	log.Info("running stage", "preset", cfg.Preset(), "attempt", job.Attempts)
	res := p.runner.RunStage(ctx, engine.StageInput{
		LessonID:  job.LessonID,
		Stage:     payload.Stage,
		InputPath: engine.InputPath(payload.Stage, payload.SourcePath, payload.WorkDir),
		WorkDir:   payload.WorkDir,
		Context:   payload.Context,
	}, cfg)

	if se := res.StageError(); se != nil && se.Kind == engine.FailureCancelled && ctx.Err() != nil {
		// shutdown interrupted the stage; the next worker starts it over
		log.Warn("stage interrupted by shutdown")
		p.unreserve(bctx, log, job)
		return
	}
	if job.BatchID != nil {
		// the batch may have been cancelled while the stage ran
		if cancelled, err := p.coord.IsCancelled(bctx, *job.BatchID); err == nil && cancelled {
			var finished models.Stage
			if res.Success {
				finished = payload.Stage
			}
			p.stopCancelled(bctx, log, job, finished)
			return
		}
	}
	if res.Success {
		p.succeed(bctx, log, job, payload, res)
		return
	}
	p.fail(bctx, log, job, payload, res)
}

func (p *Pool) succeed(ctx context.Context, log *slog.Logger, job *models.Job, payload *models.JobPayload, res engine.StageResult) {
	next, hasNext := payload.Stage.Next()
	err := p.db.InTx(ctx, func(tx *storage.Tx) error {
		machine := p.machine.WithStore(tx.Logs())
		if _, err := machine.CompleteStage(ctx, job.LessonID, payload.Stage); err != nil {
			return err
		}
		var err error
		if hasNext {
			err = p.pushNext(ctx, tx.Jobs(), job, payload.ForStage(next))
		} else {
			_, err = machine.Complete(ctx, job.LessonID)
		}
		if err != nil {
			return err
		}
		return tx.Jobs().Release(ctx, job.ID, storage.Outcome{Kind: storage.OutcomeSuccess})
	})
	if err != nil {
		log.Error("record stage success", "error", err)
		p.unreserve(ctx, log, job)
		return
	}

	log.Info("stage completed", "seconds", res.Metrics.DurationSeconds, "degraded", res.Degraded)
	u := notify.StatusUpdate{
		LessonID: job.LessonID, BatchID: job.BatchID, Status: string(payload.Stage),
		ResponseData: responseData(job, res),
	}
	if !hasNext {
		log.Info("lesson completed")
		now := p.db.Now()
		u.Status = string(models.StatusCompleted)
		u.CompletedAt = &now
	}
	p.notify(ctx, log, u)
}

func (p *Pool) pushNext(ctx context.Context, jobs *storage.JobRepository, job *models.Job, next models.JobPayload) error {
	data, err := next.Encode()
	if err != nil {
		return err
	}
	_, err = jobs.Push(ctx, storage.PushParams{
		Queue:    job.Queue,
		BatchID:  job.BatchID,
		LessonID: job.LessonID,
		Stage:    next.Stage,
		Payload:  data,
		Priority: job.Priority,
	})
	return err
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, job *models.Job, payload *models.JobPayload, res engine.StageResult) {
	msg := "stage failed"
	if res.Error != nil {
		msg = res.Error.Error()
	}
	class := p.classifier.Classify(msg)
	log = log.With("category", class.Category, "recoverable", class.Recoverable)

	if class.Recoverable && job.Attempts < p.cfg.MaxAttempts {
		delay := p.retryDelay(job.Attempts)
		if err := p.jobs.Release(ctx, job.ID, storage.Outcome{Kind: storage.OutcomeRetry, Delay: delay}); err != nil {
			log.Error("requeue job", "error", err)
			return
		}
		p.count(func(c *metrics.Collector) { c.RecordRetry() })
		log.Warn("stage failed, retrying", "error", msg, "attempt", job.Attempts, "max_attempts", p.cfg.MaxAttempts, "delay", delay)

		data := responseData(job, res)
		data["retry_in_seconds"] = delay.Seconds()
		p.notify(ctx, log, notify.StatusUpdate{
			LessonID: job.LessonID, BatchID: job.BatchID, Status: string(payload.Stage),
			ResponseData: data, ErrorMessage: msg,
		})
		return
	}

	p.giveUp(ctx, log, job, msg)
}

// giveUp dead-letters the job and fails the lesson.
func (p *Pool) giveUp(ctx context.Context, log *slog.Logger, job *models.Job, msg string) {
	err := p.db.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Jobs().Release(ctx, job.ID, storage.Outcome{Kind: storage.OutcomeExhausted, Error: msg}); err != nil {
			return err
		}
		_, err := p.machine.WithStore(tx.Logs()).Fail(ctx, job.LessonID, msg)
		if errors.Is(err, lifecycle.ErrNotFound) || errors.Is(err, lifecycle.ErrInvalidTransition) {
			log.Warn("lesson not failed", "error", err)
			return nil
		}
		return err
	})
	if err != nil {
		log.Error("dead-letter job", "error", err)
		return
	}

	p.count(func(c *metrics.Collector) { c.RecordDeadLetter() })
	log.Error("lesson failed", "error", msg, "attempts", job.Attempts)
	p.notify(ctx, log, notify.StatusUpdate{
		LessonID: job.LessonID, BatchID: job.BatchID, Status: string(models.StatusFailed), ErrorMessage: msg,
	})
}

// stopCancelled drops a job of a cancelled batch and cancels its lesson.
// A non-empty finished stage is recorded as completed first.
func (p *Pool) stopCancelled(ctx context.Context, log *slog.Logger, job *models.Job, finished models.Stage) {
	err := p.db.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Jobs().Release(ctx, job.ID, storage.Outcome{Kind: storage.OutcomeSuccess}); err != nil {
			return err
		}
		machine := p.machine.WithStore(tx.Logs())
		if finished != "" {
			if _, err := machine.CompleteStage(ctx, job.LessonID, finished); err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
				return err
			}
		}
		_, err := machine.Cancel(ctx, job.LessonID)
		if errors.Is(err, lifecycle.ErrNotFound) || errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil
		}
		return err
	})
	if err != nil {
		log.Error("stop cancelled lesson", "error", err)
		return
	}

	p.count(func(c *metrics.Collector) { c.RecordCancelled() })
	log.Info("lesson stopped, batch cancelled")
	p.notify(ctx, log, notify.StatusUpdate{LessonID: job.LessonID, BatchID: job.BatchID, Status: string(models.StatusCancelled)})
}

func (p *Pool) unreserve(ctx context.Context, log *slog.Logger, job *models.Job) {
	if err := p.jobs.Unreserve(ctx, job.ID); err != nil {
		log.Error("unreserve job", "error", err)
	}
}

// notify delivers a status update. Failures are logged and otherwise ignored.
func (p *Pool) notify(ctx context.Context, log *slog.Logger, u notify.StatusUpdate) {
	if err := p.notifier.Notify(ctx, u); err != nil {
		p.count(func(c *metrics.Collector) { c.RecordNotifyError() })
		log.Warn("status notification failed", "error", err)
	}
}

func (p *Pool) count(f func(*metrics.Collector)) {
	if p.collector != nil {
		f(p.collector)
	}
}

// retryDelay is the exponential backoff after the given attempt (1-based).
func (p *Pool) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BackoffInitial
	b.MaxInterval = p.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = p.cfg.BackoffRandomization
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func responseData(job *models.Job, res engine.StageResult) map[string]any {
	data := map[string]any{
		"stage":            string(job.Stage),
		"preset":           res.Plan.Preset,
		"degraded":         res.Degraded,
		"attempt":          job.Attempts,
		"duration_seconds": res.Metrics.DurationSeconds,
	}
	if res.OutputPath != "" {
		data["output_path"] = res.OutputPath
	}
	if res.Metrics.AudioSeconds > 0 {
		data["audio_seconds"] = res.Metrics.AudioSeconds
	}
	if res.Metrics.Words > 0 {
		data["words"] = res.Metrics.Words
	}
	if res.Metrics.Terms > 0 {
		data["terms"] = res.Metrics.Terms
	}
	if res.Metrics.Segments > 0 {
		data["segments"] = res.Metrics.Segments
	}
	return data
}
