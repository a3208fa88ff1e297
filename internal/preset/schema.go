package preset

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"lessonflow/internal/prompt"
)

// AudioConfig controls audio extraction and cleanup.
type AudioConfig struct {
	SampleRate       int     `json:"sample_rate"`
	Channels         int     `json:"channels"`
	Threads          int     `json:"threads"`
	HighpassHz       int     `json:"highpass_hz"`
	LowpassHz        int     `json:"lowpass_hz"`
	Denoise          bool    `json:"denoise"`
	NoiseReductionDB float64 `json:"noise_reduction_db"`
	Loudnorm         bool    `json:"loudnorm"`
	VAD              bool    `json:"vad"`
	VADThresholdDB   float64 `json:"vad_threshold_db"`
	VADMinSilence    float64 `json:"vad_min_silence"`
}

// TranscriptionConfig controls the speech-to-text decoder.
type TranscriptionConfig struct {
	ModelSize      string  `json:"model_size"`
	Language       string  `json:"language"`
	BeamSize       int     `json:"beam_size"`
	BestOf         int     `json:"best_of"`
	Temperature    float64 `json:"temperature"`
	Threads        int     `json:"threads"`
	PromptTemplate string  `json:"prompt_template"`
}

// TermsConfig controls glossary term recognition.
type TermsConfig struct {
	MinOccurrences  int  `json:"min_occurrences"`
	MaxTerms        int  `json:"max_terms"`
	CaseSensitive   bool `json:"case_sensitive"`
	WholeWords      bool `json:"whole_words"`
	IncludeContexts bool `json:"include_contexts"`
}

// ModelSizes are the accepted transcription model sizes, smallest first.
var ModelSizes = []string{"tiny", "base", "small", "medium", "large-v3"}

var sampleRates = []int{8000, 16000, 22050, 44100, 48000}

var audioSchema = newSchema(
	enumIntField("sample_rate", sampleRates, func(c *AudioConfig) *int { return &c.SampleRate }),
	intField("channels", 1, 2, func(c *AudioConfig) *int { return &c.Channels }),
	intField("threads", 0, 64, func(c *AudioConfig) *int { return &c.Threads }),
	intField("highpass_hz", 0, 1000, func(c *AudioConfig) *int { return &c.HighpassHz }),
	intField("lowpass_hz", 0, 24000, func(c *AudioConfig) *int { return &c.LowpassHz }),
	boolField("denoise", func(c *AudioConfig) *bool { return &c.Denoise }),
	floatField("noise_reduction_db", 0, 97, func(c *AudioConfig) *float64 { return &c.NoiseReductionDB }),
	boolField("loudnorm", func(c *AudioConfig) *bool { return &c.Loudnorm }),
	boolField("vad", func(c *AudioConfig) *bool { return &c.VAD }),
	floatField("vad_threshold_db", -90, 0, func(c *AudioConfig) *float64 { return &c.VADThresholdDB }),
	floatField("vad_min_silence", 0.1, 10, func(c *AudioConfig) *float64 { return &c.VADMinSilence }),
)

var transcriptionSchema = newSchema(
	enumStringField("model_size", ModelSizes, func(c *TranscriptionConfig) *string { return &c.ModelSize }),
	languageField("language", func(c *TranscriptionConfig) *string { return &c.Language }),
	intField("beam_size", 1, 10, func(c *TranscriptionConfig) *int { return &c.BeamSize }),
	intField("best_of", 1, 10, func(c *TranscriptionConfig) *int { return &c.BestOf }),
	floatField("temperature", 0, 1, func(c *TranscriptionConfig) *float64 { return &c.Temperature }),
	intField("threads", 0, 64, func(c *TranscriptionConfig) *int { return &c.Threads }),
	optional(templateField("prompt_template", 2000, func(c *TranscriptionConfig) *string { return &c.PromptTemplate })),
)

var termsSchema = newSchema(
	intField("min_occurrences", 1, 100, func(c *TermsConfig) *int { return &c.MinOccurrences }),
	intField("max_terms", 1, 1000, func(c *TermsConfig) *int { return &c.MaxTerms }),
	boolField("case_sensitive", func(c *TermsConfig) *bool { return &c.CaseSensitive }),
	boolField("whole_words", func(c *TermsConfig) *bool { return &c.WholeWords }),
	boolField("include_contexts", func(c *TermsConfig) *bool { return &c.IncludeContexts }),
)

// field describes one named parameter of a stage config.
type field[C any] struct {
	name     string
	required bool
	set      func(c *C, v any) error
}

// schema is the declared parameter set of one stage config type.
type schema[C any] struct {
	fields []field[C]
	index  map[string]int
}

func newSchema[C any](fields ...field[C]) *schema[C] {
	s := &schema[C]{fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		s.index[f.name] = i
	}
	return s
}

// Keys returns the parameter names in declaration order.
func (s *schema[C]) Keys() []string {
	keys := make([]string, len(s.fields))
	for i, f := range s.fields {
		keys[i] = f.name
	}
	return keys
}

// apply writes values into c, recording each written key in seen.
// Keys are applied in sorted order so errors are deterministic.
func (s *schema[C]) apply(c *C, values map[string]any, seen map[string]bool, unknown error) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		i, ok := s.index[k]
		if !ok {
			return fmt.Errorf("%w: %q", unknown, k)
		}
		if err := s.fields[i].set(c, values[k]); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidValue, k, err)
		}
		seen[k] = true
	}
	return nil
}

// missing returns required keys absent from seen.
func (s *schema[C]) missing(seen map[string]bool) []string {
	var out []string
	for _, f := range s.fields {
		if f.required && !seen[f.name] {
			out = append(out, f.name)
		}
	}
	return out
}

func optional[C any](f field[C]) field[C] {
	f.required = false
	return f
}

func intField[C any](name string, lo, hi int, ptr func(*C) *int) field[C] {
	return field[C]{name: name, required: true, set: func(c *C, v any) error {
		n, err := toInt(v)
		if err != nil {
			return err
		}
		if n < lo || n > hi {
			return fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
		}
		*ptr(c) = n
		return nil
	}}
}

func enumIntField[C any](name string, allowed []int, ptr func(*C) *int) field[C] {
	return field[C]{name: name, required: true, set: func(c *C, v any) error {
		n, err := toInt(v)
		if err != nil {
			return err
		}
		if !slices.Contains(allowed, n) {
			return fmt.Errorf("%d not one of %v", n, allowed)
		}
		*ptr(c) = n
		return nil
	}}
}

func floatField[C any](name string, lo, hi float64, ptr func(*C) *float64) field[C] {
	return field[C]{name: name, required: true, set: func(c *C, v any) error {
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		if math.IsNaN(f) || f < lo || f > hi {
			return fmt.Errorf("%g out of range [%g, %g]", f, lo, hi)
		}
		*ptr(c) = f
		return nil
	}}
}

func boolField[C any](name string, ptr func(*C) *bool) field[C] {
	return field[C]{name: name, required: true, set: func(c *C, v any) error {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
		*ptr(c) = b
		return nil
	}}
}

func enumStringField[C any](name string, allowed []string, ptr func(*C) *string) field[C] {
	return field[C]{name: name, required: true, set: func(c *C, v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if !slices.Contains(allowed, s) {
			return fmt.Errorf("%q not one of %v", s, allowed)
		}
		*ptr(c) = s
		return nil
	}}
}

func stringField[C any](name string, maxLen int, ptr func(*C) *string) field[C] {
	return field[C]{name: name, required: true, set: func(c *C, v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if len(s) > maxLen {
			return fmt.Errorf("longer than %d bytes", maxLen)
		}
		*ptr(c) = s
		return nil
	}}
}

// templateField is a stringField whose value must be a valid prompt template.
func templateField[C any](name string, maxLen int, ptr func(*C) *string) field[C] {
	f := stringField(name, maxLen, ptr)
	set := f.set
	f.set = func(c *C, v any) error {
		if err := set(c, v); err != nil {
			return err
		}
		return prompt.Validate(*ptr(c))
	}
	return f
}

// languageField accepts "auto" or a two/three letter lower-case language code.
func languageField[C any](name string, ptr func(*C) *string) field[C] {
	return field[C]{name: name, required: true, set: func(c *C, v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if s != "auto" && !isLanguageCode(s) {
			return fmt.Errorf("%q is not a language code", s)
		}
		*ptr(c) = s
		return nil
	}}
}

func isLanguageCode(s string) bool {
	if len(s) < 2 || len(s) > 3 {
		return false
	}
	return strings.Trim(s, "abcdefghijklmnopqrstuvwxyz") == ""
}

// toInt accepts YAML ints and JSON numbers with an integral value.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("expected integer, got %g", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
