package models

import "time"

// StageTiming records one stage of a lesson's processing log.
type StageTiming struct {
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	Preset          string     `json:"preset,omitempty"`
}

// Reset clears all recorded values.
func (t *StageTiming) Reset() {
	*t = StageTiming{}
}

// ProcessingLog is the per-lesson projection of the pipeline state machine.
type ProcessingLog struct {
	LessonID     string      `json:"lesson_id"`
	BatchID      *string     `json:"batch_id,omitempty"`
	Status       UnitStatus  `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	RetryCount   int         `json:"retry_count"`
	Extract      StageTiming `json:"extract_audio"`
	Transcribe   StageTiming `json:"transcribe"`
	Terms        StageTiming `json:"recognize_terms"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Timing returns the timing record for a stage.
func (l *ProcessingLog) Timing(stage Stage) *StageTiming {
	switch stage {
	case StageExtractAudio:
		return &l.Extract
	case StageTranscribe:
		return &l.Transcribe
	case StageRecognizeTerms:
		return &l.Terms
	default:
		return nil
	}
}

// ProcessingSeconds sums completed stage durations plus the elapsed time of a
// stage that started but has not completed.
func (l *ProcessingLog) ProcessingSeconds(now time.Time) float64 {
	var total float64
	for _, st := range Stages {
		t := l.Timing(st)
		switch {
		case t.DurationSeconds != nil:
			total += *t.DurationSeconds
		case t.StartedAt != nil && t.CompletedAt == nil:
			if d := now.Sub(*t.StartedAt).Seconds(); d > 0 {
				total += d
			}
		}
	}
	return total
}

// EventKind describes what a processing event recorded.
type EventKind string

const (
	EventQueued         EventKind = "queued"
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
	EventCancelled      EventKind = "cancelled"
	EventRestarted      EventKind = "restarted"
)

// ProcessingEvent is one append-only history row written on every state
// machine transition. Analytics read these; nothing mutates them.
type ProcessingEvent struct {
	ID              int64      `json:"id"`
	LessonID        string     `json:"lesson_id"`
	BatchID         *string    `json:"batch_id,omitempty"`
	Kind            EventKind  `json:"kind"`
	Status          UnitStatus `json:"status"`
	Stage           Stage      `json:"stage,omitempty"`
	Preset          string     `json:"preset,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	OccurredAt      time.Time  `json:"occurred_at"`

	// BatchSize is filled by joins on read; it is not stored on the event.
	BatchSize int `json:"batch_size,omitempty"`
}
