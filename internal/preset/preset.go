// Package preset holds the named parameter bundles for each processing stage
// and resolves them, with caller overrides, into typed stage configurations.
package preset

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
	"lessonflow/internal/models"
)

//go:embed presets.yaml
var builtinYAML []byte

var (
	ErrNotFound        = errors.New("preset not found")
	ErrDuplicate       = errors.New("preset already defined")
	ErrUnknownOverride = errors.New("unknown override key")
	ErrInvalidValue    = errors.New("invalid value")
	ErrMissingField    = errors.New("missing required field")
	ErrUnknownStage    = errors.New("unknown stage")
	ErrInvalidPreset   = errors.New("invalid preset")
)

// Preset is a named, immutable set of stage parameters.
type Preset struct {
	Name             string         `yaml:"name" json:"name"`
	Stage            models.Stage   `yaml:"stage" json:"stage"`
	Description      string         `yaml:"description" json:"description"`
	ExpectedAccuracy float64        `yaml:"expected_accuracy" json:"expected_accuracy"`
	RelativeCost     float64        `yaml:"relative_cost" json:"relative_cost"`
	Params           map[string]any `yaml:"params" json:"params"`
}

func (p Preset) clone() Preset {
	p.Params = maps.Clone(p.Params)
	return p
}

// Store looks up presets by stage and name.
type Store interface {
	Get(stage models.Stage, name string) (Preset, error)
	List() []Preset
}

type presetKey struct {
	stage models.Stage
	name  string
}

// MemoryStore is a Store backed by presets decoded from YAML.
type MemoryStore struct {
	mu      sync.RWMutex
	presets map[presetKey]Preset
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{presets: make(map[presetKey]Preset)}
}

// LoadDefaults returns a store holding the built-in presets.
func LoadDefaults() (*MemoryStore, error) {
	s := NewMemoryStore()
	if err := s.LoadYAML(builtinYAML); err != nil {
		return nil, fmt.Errorf("built-in presets: %w", err)
	}
	return s, nil
}

// Load returns the built-in presets plus those defined in path, if path is set.
func Load(path string) (*MemoryStore, error) {
	s, err := LoadDefaults()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return s, nil
	}
	if err := s.LoadFile(path); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile adds the presets defined in a YAML file.
func (s *MemoryStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read presets: %w", err)
	}
	if err := s.LoadYAML(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// LoadYAML adds every preset in data. Nothing is added if any preset is invalid.
func (s *MemoryStore) LoadYAML(data []byte) error {
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse presets: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[presetKey]Preset, len(f.Presets))
	for _, p := range f.Presets {
		if err := validate(p); err != nil {
			return err
		}
		k := presetKey{p.Stage, p.Name}
		if _, ok := s.presets[k]; ok {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, p.Stage, p.Name)
		}
		if _, ok := staged[k]; ok {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, p.Stage, p.Name)
		}
		staged[k] = p.clone()
	}
	maps.Copy(s.presets, staged)
	return nil
}

// Add registers a single preset.
func (s *MemoryStore) Add(p Preset) error {
	if err := validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := presetKey{p.Stage, p.Name}
	if _, ok := s.presets[k]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, p.Stage, p.Name)
	}
	s.presets[k] = p.clone()
	return nil
}

// Get returns a copy of the named preset.
func (s *MemoryStore) Get(stage models.Stage, name string) (Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presets[presetKey{stage, name}]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %s/%s", ErrNotFound, stage, name)
	}
	return p.clone(), nil
}

// List returns all presets ordered by stage, then relative cost.
func (s *MemoryStore) List() []Preset {
	s.mu.RLock()
	out := make([]Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, p.clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Preset) int {
		if d := a.Stage.Index() - b.Stage.Index(); d != 0 {
			return d
		}
		switch {
		case a.RelativeCost < b.RelativeCost:
			return -1
		case a.RelativeCost > b.RelativeCost:
			return 1
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// validate checks a preset on its own is a complete, in-range configuration.
func validate(p Preset) error {
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPreset)
	}
	if _, err := models.ParseStage(string(p.Stage)); err != nil {
		return fmt.Errorf("%w %s: %w", ErrInvalidPreset, p.Name, err)
	}
	if _, err := build(p.Stage, p.Name, p.Params, nil); err != nil {
		return fmt.Errorf("%w %s/%s: %w", ErrInvalidPreset, p.Stage, p.Name, err)
	}
	return nil
}
