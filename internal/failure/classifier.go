// Package failure classifies processing error messages into a closed set of
// categories used for retry decisions and failure reporting.
package failure

import (
	"strings"
	"time"

	"lessonflow/internal/models"
)

// Category is one class of the error taxonomy.
type Category string

const (
	CategoryTimeout            Category = "timeout"
	CategoryResourceExhaustion Category = "resource_exhaustion"
	CategoryNetwork            Category = "network"
	CategoryFilesystem         Category = "filesystem"
	CategoryProcessing         Category = "processing"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryUnknown            Category = "unknown"
)

// Categories lists every category, unknown last.
var Categories = []Category{
	CategoryTimeout,
	CategoryResourceExhaustion,
	CategoryNetwork,
	CategoryFilesystem,
	CategoryProcessing,
	CategoryServiceUnavailable,
	CategoryUnknown,
}

// Severity ranks how much attention a failure needs.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rule maps message substrings to a category.
type Rule struct {
	Category    Category
	Patterns    []string
	Severity    Severity
	Recoverable bool
	Action      string
}

// Classification is the result of classifying one message.
type Classification struct {
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	Action      string   `json:"action"`
}

// DefaultRules is the ordered rule set; the first rule with a matching pattern wins.
var DefaultRules = []Rule{
	{
		Category:    CategoryTimeout,
		Patterns:    []string{"timeout", "timed out", "deadline exceeded"},
		Severity:    SeverityMedium,
		Recoverable: true,
		Action:      "retry later or raise the stage timeout",
	},
	{
		Category:    CategoryResourceExhaustion,
		Patterns:    []string{"out of memory", "cannot allocate memory", "no space left", "disk full", "killed", "resource temporarily unavailable"},
		Severity:    SeverityHigh,
		Recoverable: true,
		Action:      "free memory or disk space, lower concurrency or pick a lighter preset",
	},
	{
		Category:    CategoryNetwork,
		Patterns:    []string{"connection refused", "connection reset", "no route to host", "network is unreachable", "broken pipe", "i/o timeout", "dns"},
		Severity:    SeverityMedium,
		Recoverable: true,
		Action:      "check network connectivity and retry",
	},
	{
		Category:    CategoryFilesystem,
		Patterns:    []string{"no such file", "not found", "permission denied", "read-only file system", "is a directory", "unreadable"},
		Severity:    SeverityHigh,
		Recoverable: false,
		Action:      "verify the source file exists and is readable",
	},
	{
		Category:    CategoryProcessing,
		Patterns:    []string{"invalid data", "codec", "unsupported", "invalid argument", "exit status", "decode", "format", "empty output", "invalid output"},
		Severity:    SeverityMedium,
		Recoverable: false,
		Action:      "inspect the tool log and the source media; try another preset",
	},
	{
		Category:    CategoryServiceUnavailable,
		Patterns:    []string{"service unavailable", "503", "502", "bad gateway", "too many requests", "429"},
		Severity:    SeverityLow,
		Recoverable: true,
		Action:      "wait for the dependency to recover; the job will be retried",
	},
}

var unknown = Classification{
	Category:    CategoryUnknown,
	Severity:    SeverityMedium,
	Recoverable: false,
	Action:      "inspect the error message",
}

// Classifier matches messages against an ordered rule set.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a Classifier. A nil rule set uses DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	lowered := make([]Rule, len(rules))
	for i, r := range rules {
		r.Patterns = append([]string(nil), r.Patterns...)
		for j, p := range r.Patterns {
			r.Patterns[j] = strings.ToLower(p)
		}
		lowered[i] = r
	}
	return &Classifier{rules: lowered}
}

// Classify returns the classification of the first rule matching message.
func (c *Classifier) Classify(message string) Classification {
	msg := strings.ToLower(message)
	for _, r := range c.rules {
		for _, p := range r.Patterns {
			if p != "" && strings.Contains(msg, p) {
				return Classification{
					Category:    r.Category,
					Severity:    r.Severity,
					Recoverable: r.Recoverable,
					Action:      r.Action,
				}
			}
		}
	}
	return unknown
}

// Recoverable reports whether err is worth another attempt.
func (c *Classifier) Recoverable(err error) bool {
	if err == nil {
		return false
	}
	return c.Classify(err.Error()).Recoverable
}

// Record is a classified failure of one lesson.
type Record struct {
	LessonID      string       `json:"lesson_id"`
	BatchID       *string      `json:"batch_id,omitempty"`
	Stage         models.Stage `json:"stage,omitempty"`
	Preset        string       `json:"preset,omitempty"`
	Message       string       `json:"message"`
	FailedAt      time.Time    `json:"failed_at"`
	WastedSeconds float64      `json:"wasted_seconds"`
	BatchSize     int          `json:"batch_size,omitempty"`
	Classification
}

// NewRecord classifies a failed processing event.
func (c *Classifier) NewRecord(e models.ProcessingEvent) Record {
	return Record{
		LessonID:       e.LessonID,
		BatchID:        e.BatchID,
		Stage:          e.Stage,
		Preset:         e.Preset,
		Message:        e.ErrorMessage,
		FailedAt:       e.OccurredAt,
		WastedSeconds:  e.DurationSeconds,
		BatchSize:      e.BatchSize,
		Classification: c.Classify(e.ErrorMessage),
	}
}
