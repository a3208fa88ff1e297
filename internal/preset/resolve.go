package preset

import (
	"encoding/json"
	"fmt"
	"strings"

	"lessonflow/internal/models"
)

// BaselineName is the preset name reported for the fallback configuration.
const BaselineName = "baseline"

// EffectiveConfig is the fully merged configuration of one stage. It holds
// exactly one of the stage configs and is never modified after resolution.
type EffectiveConfig struct {
	stage         models.Stage
	preset        string
	audio         *AudioConfig
	transcription *TranscriptionConfig
	terms         *TermsConfig
}

// Stage returns the stage the configuration applies to.
func (e EffectiveConfig) Stage() models.Stage { return e.stage }

// Preset returns the preset name the configuration was resolved from.
func (e EffectiveConfig) Preset() string { return e.preset }

// IsBaseline reports whether this is the fallback configuration.
func (e EffectiveConfig) IsBaseline() bool { return e.preset == BaselineName }

// Audio returns a copy of the audio configuration.
func (e EffectiveConfig) Audio() (AudioConfig, bool) {
	if e.audio == nil {
		return AudioConfig{}, false
	}
	return *e.audio, true
}

// Transcription returns a copy of the transcription configuration.
func (e EffectiveConfig) Transcription() (TranscriptionConfig, bool) {
	if e.transcription == nil {
		return TranscriptionConfig{}, false
	}
	return *e.transcription, true
}

// Terms returns a copy of the term recognition configuration.
func (e EffectiveConfig) Terms() (TermsConfig, bool) {
	if e.terms == nil {
		return TermsConfig{}, false
	}
	return *e.terms, true
}

func (e EffectiveConfig) params() any {
	switch {
	case e.audio != nil:
		return e.audio
	case e.transcription != nil:
		return e.transcription
	case e.terms != nil:
		return e.terms
	}
	return nil
}

// MarshalJSON renders the stage, preset and parameters.
func (e EffectiveConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Stage  models.Stage `json:"stage"`
		Preset string       `json:"preset"`
		Params any          `json:"params"`
	}{e.stage, e.preset, e.params()})
}

// Resolver merges presets with caller overrides.
type Resolver struct {
	store    Store
	defaults map[models.Stage]string
}

// DefaultPresets are the stage defaults used when a caller names no preset.
var DefaultPresets = map[models.Stage]string{
	models.StageExtractAudio:   "standard",
	models.StageTranscribe:     "balanced",
	models.StageRecognizeTerms: "default",
}

// NewResolver creates a Resolver. Stages missing from defaults use DefaultPresets.
func NewResolver(store Store, defaults map[models.Stage]string) *Resolver {
	d := make(map[models.Stage]string, len(DefaultPresets))
	for st, name := range DefaultPresets {
		d[st] = name
	}
	for st, name := range defaults {
		if name != "" {
			d[st] = name
		}
	}
	return &Resolver{store: store, defaults: d}
}

// DefaultPreset returns the preset used for stage when none is named.
func (r *Resolver) DefaultPreset(stage models.Stage) string {
	return r.defaults[stage]
}

// Store returns the underlying preset store.
func (r *Resolver) Store() Store {
	return r.store
}

// Resolve loads the named preset (or the stage default), applies overrides
// key by key and validates the result.
func (r *Resolver) Resolve(stage models.Stage, name string, overrides map[string]any) (EffectiveConfig, error) {
	if stage.Index() < 0 {
		return EffectiveConfig{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if name == "" {
		name = r.defaults[stage]
	}
	p, err := r.store.Get(stage, name)
	if err != nil {
		return EffectiveConfig{}, err
	}
	if p.Stage != stage {
		return EffectiveConfig{}, fmt.Errorf("%w: preset %s is for stage %s", ErrInvalidPreset, name, p.Stage)
	}
	return build(stage, p.Name, p.Params, overrides)
}

// build merges params then overrides into a fresh config for stage.
func build(stage models.Stage, name string, params, overrides map[string]any) (EffectiveConfig, error) {
	e := EffectiveConfig{stage: stage, preset: name}
	var err error
	switch stage {
	case models.StageExtractAudio:
		e.audio, err = merge(audioSchema, params, overrides)
	case models.StageTranscribe:
		e.transcription, err = merge(transcriptionSchema, params, overrides)
	case models.StageRecognizeTerms:
		e.terms, err = merge(termsSchema, params, overrides)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if err != nil {
		return EffectiveConfig{}, err
	}
	return e, nil
}

func merge[C any](s *schema[C], params, overrides map[string]any) (*C, error) {
	var c C
	seen := make(map[string]bool, len(s.fields))
	if err := s.apply(&c, params, seen, ErrInvalidPreset); err != nil {
		return nil, err
	}
	if err := s.apply(&c, overrides, seen, ErrUnknownOverride); err != nil {
		return nil, err
	}
	if missing := s.missing(seen); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return &c, nil
}

// Keys returns the accepted override keys of a stage.
func Keys(stage models.Stage) []string {
	switch stage {
	case models.StageExtractAudio:
		return audioSchema.Keys()
	case models.StageTranscribe:
		return transcriptionSchema.Keys()
	case models.StageRecognizeTerms:
		return termsSchema.Keys()
	}
	return nil
}

// Baseline returns the minimal deterministic configuration of a stage,
// used when a preset-driven plan fails.
func Baseline(stage models.Stage) EffectiveConfig {
	e := EffectiveConfig{stage: stage, preset: BaselineName}
	switch stage {
	case models.StageExtractAudio:
		e.audio = &AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			VADThresholdDB: -50,
			VADMinSilence:  1,
		}
	case models.StageTranscribe:
		e.transcription = &TranscriptionConfig{
			ModelSize: "base",
			Language:  "auto",
			BeamSize:  1,
			BestOf:    1,
		}
	case models.StageRecognizeTerms:
		e.terms = &TermsConfig{
			MinOccurrences: 1,
			MaxTerms:       200,
		}
	}
	return e
}
