// Package batch groups lessons submitted together, enforces their concurrency
// cap and derives the batch status from member processing logs.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"lessonflow/internal/lifecycle"
	"lessonflow/internal/models"
	"lessonflow/internal/notify"
	"lessonflow/internal/preset"
	"lessonflow/internal/storage"
)

// DefaultConcurrencyCap is used when a batch is created without a cap.
const DefaultConcurrencyCap = 3

var (
	ErrNotFound  = errors.New("batch not found")
	ErrCancelled = errors.New("batch is cancelled")
	ErrNoUnits   = errors.New("batch has no units")
	// ErrInvalidRequest is returned for malformed units or scheduling options.
	ErrInvalidRequest = errors.New("invalid batch request")

	errBatchFull = errors.New("batch at capacity")
)

// Unit is one lesson to process.
type Unit struct {
	LessonID   string               `json:"lesson_id,omitempty"`
	Title      string               `json:"title"`
	Course     string               `json:"course,omitempty"`
	SourcePath string               `json:"source_path"`
	WorkDir    string               `json:"work_dir,omitempty"`
	Context    models.LessonContext `json:"context"`
}

// CreateParams describes a new batch.
type CreateParams struct {
	Name           string                          `json:"name"`
	Units          []Unit                          `json:"units"`
	ConcurrencyCap int                             `json:"concurrency_cap"`
	Urgency        models.Urgency                  `json:"urgency,omitempty"`
	Priority       *int                            `json:"priority,omitempty"`
	FailFast       bool                            `json:"fail_fast"`
	Presets        map[models.Stage]string         `json:"presets,omitempty"`
	Overrides      map[models.Stage]map[string]any `json:"overrides,omitempty"`
}

// Summary is the derived view of a batch.
type Summary struct {
	Batch      models.Batch              `json:"batch"`
	Status     models.BatchStatus        `json:"status"`
	Counts     map[models.UnitStatus]int `json:"counts"`
	Completed  int                       `json:"completed"`
	Failed     int                       `json:"failed"`
	Cancelled  int                       `json:"cancelled"`
	InProgress int                       `json:"in_progress"`
	Queued     int                       `json:"queued"`
}

// Coordinator creates, cancels and retries batches.
type Coordinator struct {
	db       *storage.DB
	batches  *storage.BatchRepository
	logs     *storage.ProcessingLogRepository
	machine  *lifecycle.Machine
	resolver *preset.Resolver
	queue    string
	workRoot string
	notifier notify.Notifier
	logger   *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithResolver validates preset selections when a batch is created.
func WithResolver(r *preset.Resolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithQueue sets the queue member jobs are pushed to.
func WithQueue(name string) Option {
	return func(c *Coordinator) { c.queue = name }
}

// WithWorkRoot sets the directory under which per-lesson work dirs are created.
func WithWorkRoot(dir string) Option {
	return func(c *Coordinator) { c.workRoot = dir }
}

// WithNotifier receives a "cancelled" update for every lesson Cancel dequeues.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a Coordinator over db.
func NewCoordinator(db *storage.DB, opts ...Option) *Coordinator {
	logs := storage.NewProcessingLogRepository(db)
	c := &Coordinator{
		db:       db,
		batches:  storage.NewBatchRepository(db),
		logs:     logs,
		machine:  lifecycle.NewMachine(logs, db.Now),
		queue:    models.DefaultQueue,
		workRoot: "work",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateBatch stores the batch, a lesson and processing log per unit and one
// first-stage job per unit in a single transaction.
func (c *Coordinator) CreateBatch(ctx context.Context, p CreateParams) (string, error) {
	if len(p.Units) == 0 {
		return "", ErrNoUnits
	}
	if err := c.validatePresets(p); err != nil {
		return "", err
	}
	urgency, err := models.ParseUrgency(string(p.Urgency))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	priority := models.PriorityFor(urgency)
	if p.Priority != nil {
		priority = *p.Priority
	}
	capacity := p.ConcurrencyCap
	if capacity <= 0 {
		capacity = DefaultConcurrencyCap
	}

	b := &models.Batch{
		ID:             uuid.New().String(),
		Name:           p.Name,
		TotalUnits:     len(p.Units),
		ConcurrencyCap: capacity,
		Priority:       priority,
		FailFast:       p.FailFast,
		Status:         models.BatchStatusPending,
	}

	err = c.db.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Batches().Create(ctx, b); err != nil {
			return err
		}
		machine := c.machine.WithStore(tx.Logs())
		for i, u := range p.Units {
			if u.SourcePath == "" {
				return fmt.Errorf("%w: unit %d: source path is required", ErrInvalidRequest, i)
			}
			lesson := &models.Lesson{ID: u.LessonID, Title: u.Title, Course: u.Course, SourcePath: u.SourcePath}
			if err := tx.Lessons().Create(ctx, lesson); err != nil {
				return err
			}
			if _, err := machine.Enqueue(ctx, lesson.ID, &b.ID); err != nil {
				return err
			}

			payload := models.JobPayload{
				LessonID:   lesson.ID,
				Stage:      models.First(),
				SourcePath: u.SourcePath,
				WorkDir:    u.WorkDir,
				Presets:    p.Presets,
				Overrides:  p.Overrides,
				Urgency:    urgency,
				Context:    u.Context,
			}
			if payload.WorkDir == "" {
				payload.WorkDir = filepath.Join(c.workRoot, lesson.ID)
			}
			if payload.Context.LessonTitle == "" {
				payload.Context.LessonTitle = u.Title
			}
			if payload.Context.CourseTitle == "" {
				payload.Context.CourseTitle = u.Course
			}
			if err := c.push(ctx, tx.Jobs(), b, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}

	c.logger.Info("batch created", "batch_id", b.ID, "units", b.TotalUnits, "cap", b.ConcurrencyCap, "priority", b.Priority)
	return b.ID, nil
}

func (c *Coordinator) validatePresets(p CreateParams) error {
	if c.resolver == nil {
		return nil
	}
	for st := range p.Presets {
		if st.Index() < 0 {
			return fmt.Errorf("%w: %s", preset.ErrUnknownStage, st)
		}
	}
	for st := range p.Overrides {
		if st.Index() < 0 {
			return fmt.Errorf("%w: %s", preset.ErrUnknownStage, st)
		}
	}
	for _, st := range models.Stages {
		if _, err := c.resolver.Resolve(st, p.Presets[st], p.Overrides[st]); err != nil {
			return fmt.Errorf("stage %s: %w", st, err)
		}
	}
	return nil
}

func (c *Coordinator) push(ctx context.Context, jobs *storage.JobRepository, b *models.Batch, payload models.JobPayload) error {
	data, err := payload.Encode()
	if err != nil {
		return err
	}
	_, err = jobs.Push(ctx, storage.PushParams{
		Queue:    c.queue,
		BatchID:  &b.ID,
		LessonID: payload.LessonID,
		Stage:    payload.Stage,
		Payload:  data,
		Priority: b.Priority,
	})
	return err
}

// Saturated returns the batches whose jobs must not be popped right now.
func (c *Coordinator) Saturated(ctx context.Context) ([]string, error) {
	return c.batches.ListSaturated(ctx)
}

// Claim reserves the next job of queue, skipping the excluded batches, and
// takes its batch slot in the same transaction. held reports whether a slot
// was taken; a job of a cancelled batch comes back without one. When the
// batch filled up in the meantime nothing is reserved and job is nil.
func (c *Coordinator) Claim(ctx context.Context, queue string, excluded []string) (job *models.Job, held bool, err error) {
	err = c.db.InTx(ctx, func(tx *storage.Tx) error {
		j, err := tx.Jobs().Pop(ctx, queue, storage.PopOptions{ExcludeBatches: excluded})
		if err != nil || j == nil || j.BatchID == nil {
			job = j
			return err
		}
		ok, err := tx.Batches().TryAcquireSlot(ctx, *j.BatchID)
		if err != nil {
			return err
		}
		if !ok {
			b, err := tx.Batches().GetByID(ctx, *j.BatchID)
			if err != nil {
				return err
			}
			if b != nil && !b.IsCancelled() {
				return errBatchFull
			}
		}
		job, held = j, ok
		return nil
	})
	if errors.Is(err, errBatchFull) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, held, nil
}

// Acquire takes one in-flight slot of the batch. It reports false when the
// batch is at its cap or cancelled.
func (c *Coordinator) Acquire(ctx context.Context, batchID string) (bool, error) {
	return c.batches.TryAcquireSlot(ctx, batchID)
}

// ReleaseSlot gives back a slot taken by Acquire.
func (c *Coordinator) ReleaseSlot(ctx context.Context, batchID string) error {
	return c.batches.ReleaseSlot(ctx, batchID)
}

// Reconcile resets in-flight counters to the number of reserved jobs.
func (c *Coordinator) Reconcile(ctx context.Context) (int64, error) {
	return c.batches.ReconcileInFlight(ctx)
}

// IsCancelled reports whether the batch was cancelled. Unknown batches are
// reported as cancelled so their remaining work stops.
func (c *Coordinator) IsCancelled(ctx context.Context, batchID string) (bool, error) {
	b, err := c.batches.GetByID(ctx, batchID)
	if err != nil {
		return false, err
	}
	return b == nil || b.IsCancelled(), nil
}

// Cancel marks the batch cancelled, removes its unreserved jobs and cancels
// their lessons. Lessons in flight stop at their next stage boundary.
// It returns the lessons cancelled immediately.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) ([]string, error) {
	var cancelled []string
	err := c.db.InTx(ctx, func(tx *storage.Tx) error {
		b, err := tx.Batches().GetByID(ctx, batchID)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, batchID)
		}
		if _, err := tx.Batches().UpdateStatus(ctx, batchID, models.BatchStatusCancelled); err != nil {
			return err
		}

		lessons, err := tx.Jobs().DeleteUnreservedByBatch(ctx, batchID)
		if err != nil {
			return err
		}
		machine := c.machine.WithStore(tx.Logs())
		for _, id := range lessons {
			if _, err := machine.Cancel(ctx, id); err != nil {
				if errors.Is(err, lifecycle.ErrInvalidTransition) {
					continue
				}
				return err
			}
			if err := tx.Lessons().ApplyStatus(ctx, id, storage.StatusUpdate{Status: string(models.StatusCancelled)}); err != nil {
				return err
			}
			cancelled = append(cancelled, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("batch cancelled", "batch_id", batchID, "dequeued", len(cancelled))
	if c.notifier != nil {
		for _, id := range cancelled {
			u := notify.StatusUpdate{LessonID: id, BatchID: &batchID, Status: string(models.StatusCancelled)}
			if err := c.notifier.Notify(ctx, u); err != nil {
				c.logger.Warn("status notification failed", "lesson_id", id, "error", err)
			}
		}
	}
	return cancelled, nil
}

// Retry re-enqueues every member whose processing log is failed, from the
// first stage with a fresh attempt count. Completed members are untouched.
// It returns the lessons re-enqueued.
func (c *Coordinator) Retry(ctx context.Context, batchID string) ([]string, error) {
	var retried []string
	err := c.db.InTx(ctx, func(tx *storage.Tx) error {
		b, err := tx.Batches().GetByID(ctx, batchID)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, batchID)
		}
		if b.IsCancelled() {
			return fmt.Errorf("%w: %s", ErrCancelled, batchID)
		}

		logs, err := tx.Logs().ListByBatch(ctx, batchID)
		if err != nil {
			return err
		}
		machine := c.machine.WithStore(tx.Logs())
		for _, l := range logs {
			if l.Status != models.StatusFailed {
				continue
			}
			payload, err := c.retryPayload(ctx, tx, l.LessonID)
			if err != nil {
				return err
			}
			if _, err := machine.Restart(ctx, l.LessonID); err != nil {
				return err
			}
			if err := c.push(ctx, tx.Jobs(), b, payload); err != nil {
				return err
			}
			if err := tx.Lessons().ApplyStatus(ctx, l.LessonID, storage.StatusUpdate{Status: string(models.StatusQueued)}); err != nil {
				return err
			}
			retried = append(retried, l.LessonID)
		}

		if len(retried) > 0 {
			if _, err := tx.Batches().UpdateStatus(ctx, batchID, models.BatchStatusProcessing); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("batch retried", "batch_id", batchID, "requeued", len(retried))
	return retried, nil
}

// retryPayload rebuilds the first-stage payload of a failed lesson from its
// latest dead-lettered job, or from the lesson record when there is none.
func (c *Coordinator) retryPayload(ctx context.Context, tx *storage.Tx, lessonID string) (models.JobPayload, error) {
	f, err := tx.Jobs().LatestFailedByLesson(ctx, lessonID)
	if err != nil {
		return models.JobPayload{}, err
	}
	if f != nil {
		job := models.Job{ID: f.JobID, Payload: f.Payload}
		p, err := job.DecodePayload()
		if err == nil {
			return p.ForStage(models.First()), nil
		}
		c.logger.Warn("dead-lettered payload unusable, rebuilding", "lesson_id", lessonID, "error", err)
	}

	lesson, err := tx.Lessons().GetByID(ctx, lessonID)
	if err != nil {
		return models.JobPayload{}, err
	}
	if lesson == nil {
		return models.JobPayload{}, fmt.Errorf("lesson %s not found", lessonID)
	}
	return models.JobPayload{
		LessonID:   lesson.ID,
		Stage:      models.First(),
		SourcePath: lesson.SourcePath,
		WorkDir:    filepath.Join(c.workRoot, lesson.ID),
		Context:    models.LessonContext{CourseTitle: lesson.Course, LessonTitle: lesson.Title},
	}, nil
}

// Status returns the derived summary of a batch.
func (c *Coordinator) Status(ctx context.Context, batchID string) (*Summary, error) {
	b, err := c.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, batchID)
	}
	return c.summarize(ctx, b)
}

// List returns summaries of the most recent batches.
func (c *Coordinator) List(ctx context.Context, limit int) ([]Summary, error) {
	batches, err := c.batches.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(batches))
	for i := range batches {
		s, err := c.summarize(ctx, &batches[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// Delete removes the batch and its queued jobs. Lessons and their
// processing logs are kept.
func (c *Coordinator) Delete(ctx context.Context, batchID string) error {
	b, err := c.batches.GetByID(ctx, batchID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, batchID)
	}
	if err := c.batches.Delete(ctx, batchID); err != nil {
		return fmt.Errorf("delete batch %s: %w", batchID, err)
	}
	c.logger.Info("batch deleted", "batch_id", batchID)
	return nil
}

func (c *Coordinator) summarize(ctx context.Context, b *models.Batch) (*Summary, error) {
	counts, err := c.logs.CountByStatus(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	s := &Summary{Batch: *b, Counts: counts}
	for status, n := range counts {
		switch {
		case status == models.StatusCompleted:
			s.Completed += n
		case status == models.StatusFailed:
			s.Failed += n
		case status == models.StatusCancelled:
			s.Cancelled += n
		case status == models.StatusQueued:
			s.Queued += n
		default:
			s.InProgress += n
		}
	}
	s.Status = s.aggregate()
	return s, nil
}

// aggregate derives the reported batch status from the member counts.
//
// A cancelled batch stays cancelled. With fail-fast, any failed member makes
// the batch failed. Otherwise a batch with unfinished members is processing
// (pending while nothing has started), and a finished batch is completed,
// failed when nothing completed, or partial.
func (s *Summary) aggregate() models.BatchStatus {
	b := s.Batch
	finished := s.Completed + s.Failed + s.Cancelled
	switch {
	case b.IsCancelled():
		return models.BatchStatusCancelled
	case b.FailFast && s.Failed > 0:
		return models.BatchStatusFailed
	case s.InProgress+s.Queued > 0:
		if b.Status == models.BatchStatusPending && s.InProgress == 0 && finished == 0 {
			return models.BatchStatusPending
		}
		return models.BatchStatusProcessing
	case finished == 0:
		return models.BatchStatusPending
	case s.Completed == finished:
		return models.BatchStatusCompleted
	case s.Failed == finished:
		return models.BatchStatusFailed
	case s.Cancelled == finished:
		return models.BatchStatusCancelled
	default:
		return models.BatchStatusPartial
	}
}
