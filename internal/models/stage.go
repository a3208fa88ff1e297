package models

import "fmt"

// Stage is one phase of the lesson pipeline.
type Stage string

const (
	StageExtractAudio   Stage = "extract_audio"
	StageTranscribe     Stage = "transcribe"
	StageRecognizeTerms Stage = "recognize_terms"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageExtractAudio, StageTranscribe, StageRecognizeTerms}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// First returns the first stage of the pipeline.
func First() Stage {
	return Stages[0]
}

// Next returns the stage after s, or false when s is the last one.
func (s Stage) Next() (Stage, bool) {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

// Index returns the position of s in the pipeline, -1 if unknown.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Status returns the in-progress unit status for the stage.
func (s Stage) Status() UnitStatus {
	switch s {
	case StageExtractAudio:
		return StatusExtractingAudio
	case StageTranscribe:
		return StatusTranscribing
	case StageRecognizeTerms:
		return StatusRecognizingTerms
	default:
		return ""
	}
}

// UnitStatus is the status of one lesson in the processing log.
type UnitStatus string

const (
	StatusQueued           UnitStatus = "queued"
	StatusExtractingAudio  UnitStatus = "extracting_audio"
	StatusTranscribing     UnitStatus = "transcribing"
	StatusRecognizingTerms UnitStatus = "recognizing_terms"
	StatusCompleted        UnitStatus = "completed"
	StatusFailed           UnitStatus = "failed"
	StatusCancelled        UnitStatus = "cancelled"
)

// IsTerminal reports whether no further stage can run without a restart.
func (s UnitStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage returns the stage an in-progress status belongs to.
func (s UnitStatus) Stage() (Stage, bool) {
	for _, st := range Stages {
		if st.Status() == s {
			return st, true
		}
	}
	return "", false
}
