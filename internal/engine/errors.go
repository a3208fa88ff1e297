package engine

import (
	"fmt"

	"lessonflow/internal/models"
)

// FailureKind says what a stage failure is attributable to.
type FailureKind string

const (
	// FailureInput means the stage input is missing or unreadable.
	FailureInput FailureKind = "input"
	// FailurePlan means the preset-driven plan failed: a non-zero exit or invalid output.
	FailurePlan FailureKind = "plan"
	// FailureTimeout means the stage exceeded its time limit.
	FailureTimeout FailureKind = "timeout"
	// FailureCancelled means the caller cancelled the stage.
	FailureCancelled FailureKind = "cancelled"
)

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
}

// StageError is a stage-aware error with optional command context.
type StageError struct {
	Stage      models.Stage `json:"stage"`
	Kind       FailureKind  `json:"kind"`
	Message    string       `json:"message"`
	CommandLog CommandLog   `json:"command_log"`
	Err        error        `json:"-"`
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Message)
	if e.CommandLog.Command != "" {
		msg = fmt.Sprintf("%s (cmd=%s exit=%d)", msg, e.CommandLog.Command, e.CommandLog.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Fallbackable reports whether the failure may be retried with the baseline plan.
func (e *StageError) Fallbackable() bool {
	return e != nil && e.Kind == FailurePlan
}

func stageErr(stage models.Stage, kind FailureKind, err error, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
