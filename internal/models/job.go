package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job はキューに積まれた1ステージ分の処理単位
type Job struct {
	ID          int64      `json:"id"`
	Queue       string     `json:"queue"`
	BatchID     *string    `json:"batch_id,omitempty"`
	LessonID    string     `json:"lesson_id"`
	Stage       Stage      `json:"stage"`
	Payload     []byte     `json:"payload"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	ReservedAt  *time.Time `json:"reserved_at,omitempty"`
	AvailableAt time.Time  `json:"available_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsReserved はワーカーが予約中かどうか
func (j *Job) IsReserved() bool {
	return j.ReservedAt != nil
}

// DecodePayload はペイロードをJobPayloadとして取得
func (j *Job) DecodePayload() (*JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload of job %d: %w", j.ID, err)
	}
	if p.LessonID == "" {
		return nil, fmt.Errorf("payload of job %d has no lesson id", j.ID)
	}
	if _, err := ParseStage(string(p.Stage)); err != nil {
		return nil, fmt.Errorf("payload of job %d: %w", j.ID, err)
	}
	return &p, nil
}

// JobPayload carries everything a worker needs to run any stage of one lesson.
// The same payload is copied forward when the next stage is queued; only Stage changes.
type JobPayload struct {
	LessonID   string                   `json:"lesson_id"`
	Stage      Stage                    `json:"stage"`
	SourcePath string                   `json:"source_path"`
	WorkDir    string                   `json:"work_dir"`
	Presets    map[Stage]string         `json:"presets,omitempty"`
	Overrides  map[Stage]map[string]any `json:"overrides,omitempty"`
	Urgency    Urgency                  `json:"urgency,omitempty"`
	Context    LessonContext            `json:"context"`
}

// PresetFor returns the preset name requested for a stage ("" means stage default).
func (p *JobPayload) PresetFor(stage Stage) string {
	if p.Presets == nil {
		return ""
	}
	return p.Presets[stage]
}

// OverridesFor returns the caller overrides for a stage.
func (p *JobPayload) OverridesFor(stage Stage) map[string]any {
	if p.Overrides == nil {
		return nil
	}
	return p.Overrides[stage]
}

// ForStage returns a copy of the payload targeting another stage.
func (p JobPayload) ForStage(stage Stage) JobPayload {
	p.Stage = stage
	return p
}

// Encode marshals the payload for storage in the queue.
func (p *JobPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// LessonContext is optional descriptive data used when rendering transcription prompts.
type LessonContext struct {
	CourseTitle  string   `json:"course_title,omitempty"`
	LessonTitle  string   `json:"lesson_title,omitempty"`
	Speaker      string   `json:"speaker,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	PreviousText string   `json:"previous_text,omitempty"`
}

// FailedJob はリトライ上限に達したジョブ（デッドレター）
type FailedJob struct {
	ID       int64     `json:"id"`
	JobID    int64     `json:"job_id"`
	Queue    string    `json:"queue"`
	BatchID  *string   `json:"batch_id,omitempty"`
	LessonID string    `json:"lesson_id"`
	Stage    Stage     `json:"stage"`
	Payload  []byte    `json:"payload"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Urgency is the caller-supplied scheduling hint a priority is derived from.
type Urgency string

const (
	UrgencyInteractive Urgency = "interactive"
	UrgencyNormal      Urgency = "normal"
	UrgencyBackground  Urgency = "background"
)

// ジョブ優先度（大きいほど先に処理）
const (
	JobPriorityInteractive = 10  // 即時処理
	JobPriorityNormal      = 0   // 通常処理
	JobPriorityBackground  = -10 // バッチ処理
)

// PriorityFor maps an urgency to a queue priority. No urgency means priority 0.
func PriorityFor(u Urgency) int {
	switch u {
	case UrgencyInteractive:
		return JobPriorityInteractive
	case UrgencyBackground:
		return JobPriorityBackground
	default:
		return JobPriorityNormal
	}
}

// ParseUrgency validates an urgency string. The empty string is accepted as normal.
func ParseUrgency(s string) (Urgency, error) {
	switch Urgency(s) {
	case "", UrgencyNormal:
		return UrgencyNormal, nil
	case UrgencyInteractive, UrgencyBackground:
		return Urgency(s), nil
	default:
		return "", fmt.Errorf("unknown urgency %q", s)
	}
}

// DefaultQueue is the queue name used when none is configured.
const DefaultQueue = "lessons"
