// Package config loads lessonflow settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"lessonflow/internal/engine"
	"lessonflow/internal/models"
	"lessonflow/internal/storage"
	"lessonflow/internal/worker"
)

// Config holds all configuration values.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Storage
	DBDriver    string `env:"LESSONFLOW_DB_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"LESSONFLOW_DB_PATH"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	DataDir     string `env:"LESSONFLOW_DATA_DIR" envDefault:"data"`

	// Status notifications
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisChannel  string `env:"LESSONFLOW_REDIS_CHANNEL" envDefault:"lessonflow:status"`

	// Presets
	PresetFile                 string `env:"LESSONFLOW_PRESET_FILE"`
	DefaultAudioPreset         string `env:"LESSONFLOW_DEFAULT_AUDIO_PRESET"`
	DefaultTranscriptionPreset string `env:"LESSONFLOW_DEFAULT_TRANSCRIPTION_PRESET"`
	DefaultTermsPreset         string `env:"LESSONFLOW_DEFAULT_TERMS_PRESET"`

	// Workers
	QueueName          string        `env:"LESSONFLOW_QUEUE_NAME" envDefault:"lessons"`
	Workers            int           `env:"LESSONFLOW_WORKERS" envDefault:"2"`
	PollInterval       time.Duration `env:"LESSONFLOW_POLL_INTERVAL" envDefault:"1s"`
	MaxAttempts        int           `env:"LESSONFLOW_MAX_ATTEMPTS" envDefault:"3"`
	BackoffInitial     time.Duration `env:"LESSONFLOW_BACKOFF_INITIAL" envDefault:"10s"`
	BackoffMax         time.Duration `env:"LESSONFLOW_BACKOFF_MAX" envDefault:"10m"`
	BackoffJitter      float64       `env:"LESSONFLOW_BACKOFF_JITTER" envDefault:"0"`
	ReservationTimeout time.Duration `env:"LESSONFLOW_RESERVATION_TIMEOUT" envDefault:"30m"`

	// Tools
	StageTimeout    time.Duration `env:"LESSONFLOW_STAGE_TIMEOUT" envDefault:"10m"`
	FFmpegPath      string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath     string        `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	WhisperPath     string        `env:"WHISPER_PATH" envDefault:"whisper-cli"`
	WhisperModelDir string        `env:"WHISPER_MODEL_DIR" envDefault:"models"`
	GlossaryPath    string        `env:"LESSONFLOW_GLOSSARY_PATH"`

	// Metrics
	CostPerHour float64       `env:"LESSONFLOW_COST_PER_HOUR" envDefault:"0"`
	MetricsTTL  time.Duration `env:"LESSONFLOW_METRICS_TTL" envDefault:"60s"`

	// Logging
	LogFile  string     `env:"LESSONFLOW_LOG_FILE"`
	LogLevel slog.Level `env:"LESSONFLOW_LOG_LEVEL" envDefault:"INFO"`
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	// .envファイルを読み込み（存在しない場合はスキップ）
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return c.finish()
}

// LoadFrom parses configuration from the given variables only.
func LoadFrom(vars map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return c.finish()
}

func (c Config) finish() (Config, error) {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "lessonflow.db")
	}
	return c, c.Validate()
}

// Validate checks values that cannot be expressed as struct tags.
func (c Config) Validate() error {
	var errs []error
	switch storage.Dialect(c.DBDriver) {
	case storage.DialectSQLite:
	case storage.DialectPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported LESSONFLOW_DB_DRIVER %q", c.DBDriver))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("LESSONFLOW_WORKERS must be at least 1, got %d", c.Workers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("LESSONFLOW_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("LESSONFLOW_POLL_INTERVAL must be positive"))
	}
	if c.BackoffMax < c.BackoffInitial {
		errs = append(errs, errors.New("LESSONFLOW_BACKOFF_MAX must not be below LESSONFLOW_BACKOFF_INITIAL"))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errs = append(errs, errors.New("LESSONFLOW_BACKOFF_JITTER must be in [0, 1)"))
	}
	// a stage may run twice when it falls back to the baseline plan
	if c.ReservationTimeout <= 2*c.StageTimeout {
		errs = append(errs, fmt.Errorf("LESSONFLOW_RESERVATION_TIMEOUT (%s) must exceed twice LESSONFLOW_STAGE_TIMEOUT (%s)", c.ReservationTimeout, c.StageTimeout))
	}
	if c.CostPerHour < 0 {
		errs = append(errs, errors.New("LESSONFLOW_COST_PER_HOUR must not be negative"))
	}
	return errors.Join(errs...)
}

// WorkRoot is the directory holding per-lesson working files.
func (c Config) WorkRoot() string {
	return filepath.Join(c.DataDir, "work")
}

// DefaultPresets maps stages to the configured default preset names.
// Unset stages are left out.
func (c Config) DefaultPresets() map[models.Stage]string {
	out := make(map[models.Stage]string)
	for st, name := range map[models.Stage]string{
		models.StageExtractAudio:   c.DefaultAudioPreset,
		models.StageTranscribe:     c.DefaultTranscriptionPreset,
		models.StageRecognizeTerms: c.DefaultTermsPreset,
	} {
		if name != "" {
			out[st] = name
		}
	}
	return out
}

// OpenDB connects to the configured database.
func (c Config) OpenDB() (*storage.DB, error) {
	return storage.OpenDriver(c.DBDriver, c.DBPath, c.PostgresDSN)
}

// Engine returns the processing engine settings.
func (c Config) Engine() engine.Config {
	return engine.Config{
		FFmpegPath:   c.FFmpegPath,
		WhisperPath:  c.WhisperPath,
		ModelDir:     c.WhisperModelDir,
		StageTimeout: c.StageTimeout,
	}
}

// Worker returns the worker pool settings.
func (c Config) Worker() worker.Config {
	return worker.Config{
		Queue:                c.QueueName,
		Workers:              c.Workers,
		PollInterval:         c.PollInterval,
		MaxAttempts:          c.MaxAttempts,
		BackoffInitial:       c.BackoffInitial,
		BackoffMax:           c.BackoffMax,
		BackoffRandomization: c.BackoffJitter,
		ReservationTimeout:   c.ReservationTimeout,
	}
}
