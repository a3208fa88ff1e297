// Package lifecycle owns the per-lesson processing state machine. It is the
// only writer of processing logs and appends a history event for every
// transition it applies.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lessonflow/internal/models"
)

var (
	// ErrInvalidTransition is returned when an operation does not match the current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound is returned when a lesson has no processing log.
	ErrNotFound = errors.New("processing log not found")
	// ErrEmptyMessage is returned when a failure has no message.
	ErrEmptyMessage = errors.New("failure message is required")
)

// Store persists processing logs and their history.
type Store interface {
	Get(ctx context.Context, lessonID string) (*models.ProcessingLog, error)
	Save(ctx context.Context, l *models.ProcessingLog) error
	ListByBatch(ctx context.Context, batchID string) ([]models.ProcessingLog, error)
	AppendEvent(ctx context.Context, e *models.ProcessingEvent) error
}

// Machine applies validated transitions to processing logs.
type Machine struct {
	store Store
	now   func() time.Time
}

// NewMachine creates a Machine. now defaults to time.Now.
func NewMachine(store Store, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{store: store, now: now}
}

// WithStore returns a Machine writing to another store, typically one bound to a transaction.
func (m *Machine) WithStore(store Store) *Machine {
	return &Machine{store: store, now: m.now}
}

// Get returns the processing log of a lesson.
func (m *Machine) Get(ctx context.Context, lessonID string) (*models.ProcessingLog, error) {
	return m.load(ctx, lessonID)
}

// ListByBatch returns the processing logs of a batch's members.
func (m *Machine) ListByBatch(ctx context.Context, batchID string) ([]models.ProcessingLog, error) {
	return m.store.ListByBatch(ctx, batchID)
}

// Enqueue creates the processing log of a new lesson in queued status.
func (m *Machine) Enqueue(ctx context.Context, lessonID string, batchID *string) (*models.ProcessingLog, error) {
	existing, err := m.store.Get(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: lesson %s already enqueued (%s)", ErrInvalidTransition, lessonID, existing.Status)
	}

	l := &models.ProcessingLog{LessonID: lessonID, BatchID: batchID, Status: models.StatusQueued}
	return l, m.commit(ctx, l, event(models.EventQueued, ""))
}

// BeginStage moves a lesson into the in-progress status of stage.
// Re-entering the current stage (a retried attempt) restarts its timing.
func (m *Machine) BeginStage(ctx context.Context, lessonID string, stage models.Stage, preset string) (*models.ProcessingLog, error) {
	l, err := m.load(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if !canBegin(l, stage) {
		return nil, invalid(l, "begin "+string(stage))
	}

	now := m.now()
	if i := stage.Index(); i > 0 {
		// 前ステージの完了時刻より前には開始しない
		if prev := l.Timing(models.Stages[i-1]); prev.CompletedAt != nil && now.Before(*prev.CompletedAt) {
			now = *prev.CompletedAt
		}
	}

	t := l.Timing(stage)
	t.Reset()
	t.StartedAt = &now
	t.Preset = preset
	l.Status = stage.Status()

	return l, m.commit(ctx, l, event(models.EventStageStarted, stage))
}

// CompleteStage records the end of the stage currently in progress.
func (m *Machine) CompleteStage(ctx context.Context, lessonID string, stage models.Stage) (*models.ProcessingLog, error) {
	l, err := m.load(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	t := l.Timing(stage)
	if l.Status != stage.Status() || t.StartedAt == nil || t.CompletedAt != nil {
		return nil, invalid(l, "complete "+string(stage))
	}

	now := m.now()
	if now.Before(*t.StartedAt) {
		now = *t.StartedAt
	}
	d := now.Sub(*t.StartedAt).Seconds()
	t.CompletedAt = &now
	t.DurationSeconds = &d

	e := event(models.EventStageCompleted, stage)
	e.DurationSeconds = d
	return l, m.commit(ctx, l, e)
}

// Complete marks a lesson whose every stage has completed.
func (m *Machine) Complete(ctx context.Context, lessonID string) (*models.ProcessingLog, error) {
	l, err := m.load(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	last := models.Stages[len(models.Stages)-1]
	if l.Status != last.Status() {
		return nil, invalid(l, "complete")
	}
	for _, st := range models.Stages {
		if l.Timing(st).CompletedAt == nil {
			return nil, fmt.Errorf("%w: lesson %s stage %s has not completed", ErrInvalidTransition, lessonID, st)
		}
	}

	l.Status = models.StatusCompleted
	l.ErrorMessage = ""
	e := event(models.EventCompleted, "")
	e.DurationSeconds = l.ProcessingSeconds(m.now())
	return l, m.commit(ctx, l, e)
}

// Fail marks a lesson failed. The elapsed processing time is recorded on the
// event so analytics can account for wasted work.
func (m *Machine) Fail(ctx context.Context, lessonID, message string) (*models.ProcessingLog, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}
	l, err := m.load(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if l.Status.IsTerminal() {
		return nil, invalid(l, "fail")
	}

	stage, _ := l.Status.Stage()
	e := event(models.EventFailed, stage)
	if t := l.Timing(stage); t != nil {
		e.Preset = t.Preset
	}
	e.ErrorMessage = message
	e.DurationSeconds = l.ProcessingSeconds(m.now())

	l.Status = models.StatusFailed
	l.ErrorMessage = message
	return l, m.commit(ctx, l, e)
}

// Cancel stops a lesson that has not reached a terminal status.
func (m *Machine) Cancel(ctx context.Context, lessonID string) (*models.ProcessingLog, error) {
	l, err := m.load(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if l.Status.IsTerminal() {
		return nil, invalid(l, "cancel")
	}

	stage, _ := l.Status.Stage()
	e := event(models.EventCancelled, stage)
	e.DurationSeconds = l.ProcessingSeconds(m.now())

	l.Status = models.StatusCancelled
	return l, m.commit(ctx, l, e)
}

// Restart returns a failed or cancelled lesson to queued, clearing stage
// timings and counting the retry.
func (m *Machine) Restart(ctx context.Context, lessonID string) (*models.ProcessingLog, error) {
	l, err := m.load(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if l.Status != models.StatusFailed && l.Status != models.StatusCancelled {
		return nil, invalid(l, "restart")
	}

	for _, st := range models.Stages {
		l.Timing(st).Reset()
	}
	l.Status = models.StatusQueued
	l.ErrorMessage = ""
	l.RetryCount++
	return l, m.commit(ctx, l, event(models.EventRestarted, ""))
}

// canBegin reports whether stage may start from the log's current status.
func canBegin(l *models.ProcessingLog, stage models.Stage) bool {
	i := stage.Index()
	switch {
	case i < 0:
		return false
	case l.Status == stage.Status():
		// retried attempt of the same stage, unless it already finished
		return l.Timing(stage).CompletedAt == nil
	case i == 0:
		return l.Status == models.StatusQueued
	default:
		prev := models.Stages[i-1]
		return l.Status == prev.Status() && l.Timing(prev).CompletedAt != nil
	}
}

func (m *Machine) load(ctx context.Context, lessonID string) (*models.ProcessingLog, error) {
	l, err := m.store.Get(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, lessonID)
	}
	return l, nil
}

func (m *Machine) commit(ctx context.Context, l *models.ProcessingLog, e *models.ProcessingEvent) error {
	if err := m.store.Save(ctx, l); err != nil {
		return err
	}
	e.LessonID = l.LessonID
	e.BatchID = l.BatchID
	e.Status = l.Status
	if e.Stage != "" && e.Preset == "" {
		e.Preset = l.Timing(e.Stage).Preset
	}
	e.OccurredAt = m.now()
	return m.store.AppendEvent(ctx, e)
}

func event(kind models.EventKind, stage models.Stage) *models.ProcessingEvent {
	return &models.ProcessingEvent{Kind: kind, Stage: stage}
}

func invalid(l *models.ProcessingLog, op string) error {
	return fmt.Errorf("%w: cannot %s lesson %s in status %s", ErrInvalidTransition, op, l.LessonID, l.Status)
}
