package preset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lessonflow/internal/models"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	store, err := LoadDefaults()
	require.NoError(t, err)
	return NewResolver(store, nil)
}

func TestLoadDefaults(t *testing.T) {
	store, err := LoadDefaults()
	require.NoError(t, err)

	want := map[models.Stage][]string{
		models.StageExtractAudio:   {"fast", "standard", "enhanced"},
		models.StageTranscribe:     {"draft", "balanced", "accurate"},
		models.StageRecognizeTerms: {"default", "strict"},
	}
	for stage, names := range want {
		for _, name := range names {
			p, err := store.Get(stage, name)
			require.NoError(t, err, "%s/%s", stage, name)
			assert.Equal(t, stage, p.Stage)
			assert.NotEmpty(t, p.Description)
		}
	}

	list := store.List()
	require.Len(t, list, 8)
	assert.Equal(t, "fast", list[0].Name, "cheapest audio preset first")
	assert.Equal(t, models.StageRecognizeTerms, list[len(list)-1].Stage)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store, err := LoadDefaults()
	require.NoError(t, err)

	p, err := store.Get(models.StageExtractAudio, "fast")
	require.NoError(t, err)
	p.Params["sample_rate"] = 8000

	again, err := store.Get(models.StageExtractAudio, "fast")
	require.NoError(t, err)
	assert.Equal(t, 16000, again.Params["sample_rate"])

	_, err = store.Get(models.StageExtractAudio, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_LoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("adds new presets", func(t *testing.T) {
		path := filepath.Join(dir, "extra.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
presets:
  - name: lecture-hall
    stage: extract_audio
    description: Reverberant rooms
    expected_accuracy: 0.9
    relative_cost: 2
    params:
      sample_rate: 16000
      channels: 1
      threads: 4
      highpass_hz: 120
      lowpass_hz: 7000
      denoise: true
      noise_reduction_db: 20
      loudnorm: true
      vad: false
      vad_threshold_db: -50
      vad_min_silence: 1.0
`), 0644))

		store, err := Load(path)
		require.NoError(t, err)
		p, err := store.Get(models.StageExtractAudio, "lecture-hall")
		require.NoError(t, err)
		assert.Equal(t, 2.0, p.RelativeCost)
	})

	t.Run("rejects redefinition", func(t *testing.T) {
		path := filepath.Join(dir, "dup.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
presets:
  - name: default
    stage: recognize_terms
    params: {min_occurrences: 1, max_terms: 5, case_sensitive: false, whole_words: false, include_contexts: false}
`), 0644))

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("rejects incomplete preset", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
presets:
  - name: partial
    stage: recognize_terms
    params: {min_occurrences: 1}
`), 0644))

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalidPreset)
		assert.ErrorIs(t, err, ErrMissingField)
	})
}

func TestResolver_Resolve(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name      string
		stage     models.Stage
		preset    string
		overrides map[string]any
		wantErr   error
		check     func(t *testing.T, e EffectiveConfig)
	}{
		{
			name:   "preset without overrides",
			stage:  models.StageTranscribe,
			preset: "accurate",
			check: func(t *testing.T, e EffectiveConfig) {
				c, ok := e.Transcription()
				require.True(t, ok)
				assert.Equal(t, "large-v3", c.ModelSize)
				assert.Equal(t, 5, c.BeamSize)
				assert.Equal(t, "accurate", e.Preset())
			},
		},
		{
			name:  "empty name uses stage default",
			stage: models.StageExtractAudio,
			check: func(t *testing.T, e EffectiveConfig) {
				assert.Equal(t, "standard", e.Preset())
				c, ok := e.Audio()
				require.True(t, ok)
				assert.True(t, c.Loudnorm)
			},
		},
		{
			name:      "overrides apply key by key",
			stage:     models.StageTranscribe,
			preset:    "draft",
			overrides: map[string]any{"beam_size": float64(4), "language": "ja"},
			check: func(t *testing.T, e EffectiveConfig) {
				c, _ := e.Transcription()
				assert.Equal(t, 4, c.BeamSize)
				assert.Equal(t, "ja", c.Language)
				assert.Equal(t, "base", c.ModelSize, "untouched keys keep preset values")
			},
		},
		{
			name:      "unknown override key is rejected",
			stage:     models.StageTranscribe,
			preset:    "draft",
			overrides: map[string]any{"beam_sise": 4},
			wantErr:   ErrUnknownOverride,
		},
		{
			name:      "out of range",
			stage:     models.StageTranscribe,
			preset:    "draft",
			overrides: map[string]any{"temperature": 1.5},
			wantErr:   ErrInvalidValue,
		},
		{
			name:      "out of enum",
			stage:     models.StageTranscribe,
			preset:    "draft",
			overrides: map[string]any{"model_size": "huge"},
			wantErr:   ErrInvalidValue,
		},
		{
			name:      "type mismatch",
			stage:     models.StageExtractAudio,
			preset:    "fast",
			overrides: map[string]any{"denoise": "yes"},
			wantErr:   ErrInvalidValue,
		},
		{
			name:      "fractional integer",
			stage:     models.StageExtractAudio,
			preset:    "fast",
			overrides: map[string]any{"channels": 1.5},
			wantErr:   ErrInvalidValue,
		},
		{
			name:      "malformed prompt template",
			stage:     models.StageTranscribe,
			preset:    "draft",
			overrides: map[string]any{"prompt_template": "{{#speaker}}{{speaker}}"},
			wantErr:   ErrInvalidValue,
		},
		{
			name:    "preset of another stage",
			stage:   models.StageExtractAudio,
			preset:  "accurate",
			wantErr: ErrNotFound,
		},
		{
			name:    "unknown stage",
			stage:   models.Stage("summarize"),
			preset:  "default",
			wantErr: ErrUnknownStage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := r.Resolve(tt.stage, tt.preset, tt.overrides)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.stage, e.Stage())
			tt.check(t, e)
		})
	}
}

func TestResolver_EveryBuiltinIsTotal(t *testing.T) {
	r := newTestResolver(t)
	for _, p := range r.Store().List() {
		e, err := r.Resolve(p.Stage, p.Name, nil)
		require.NoError(t, err, "%s/%s", p.Stage, p.Name)

		// every declared key is serialized with a value
		data, err := json.Marshal(e)
		require.NoError(t, err)
		var out struct {
			Params map[string]any `json:"params"`
		}
		require.NoError(t, json.Unmarshal(data, &out))
		for _, k := range Keys(p.Stage) {
			assert.Contains(t, out.Params, k, "%s/%s", p.Stage, p.Name)
		}
	}
}

func TestResolver_ResultIsImmutable(t *testing.T) {
	r := newTestResolver(t)
	e, err := r.Resolve(models.StageExtractAudio, "enhanced", nil)
	require.NoError(t, err)

	c, _ := e.Audio()
	c.SampleRate = 8000

	again, _ := e.Audio()
	assert.Equal(t, 16000, again.SampleRate)

	_, ok := e.Transcription()
	assert.False(t, ok)
}

func TestResolver_ConcurrentUse(t *testing.T) {
	r := newTestResolver(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Resolve(models.StageTranscribe, "balanced", map[string]any{"beam_size": 1 + i%10})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestResolver_ConfiguredDefaults(t *testing.T) {
	store, err := LoadDefaults()
	require.NoError(t, err)
	r := NewResolver(store, map[models.Stage]string{models.StageTranscribe: "accurate"})

	assert.Equal(t, "accurate", r.DefaultPreset(models.StageTranscribe))
	assert.Equal(t, "standard", r.DefaultPreset(models.StageExtractAudio))
}

func TestBaseline(t *testing.T) {
	for _, stage := range models.Stages {
		a := Baseline(stage)
		b := Baseline(stage)
		assert.True(t, a.IsBaseline())
		assert.Equal(t, stage, a.Stage())

		ja, err := json.Marshal(a)
		require.NoError(t, err)
		jb, err := json.Marshal(b)
		require.NoError(t, err)
		assert.Equal(t, ja, jb)
		assert.NotContains(t, string(ja), "null")
	}

	audio, ok := Baseline(models.StageExtractAudio).Audio()
	require.True(t, ok)
	assert.False(t, audio.Denoise)
	assert.False(t, audio.VAD)
}
