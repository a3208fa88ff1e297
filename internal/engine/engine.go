// Package engine runs one processing stage of a lesson: it turns an effective
// preset configuration into a concrete plan, executes it, validates the output
// and falls back once to the stage baseline when the plan itself fails.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"lessonflow/internal/models"
	"lessonflow/internal/preset"
	"lessonflow/internal/prompt"
)

// DefaultStageTimeout bounds a single stage attempt.
const DefaultStageTimeout = 10 * time.Minute

// Config holds tool locations and limits.
type Config struct {
	FFmpegPath   string
	WhisperPath  string
	ModelDir     string
	StageTimeout time.Duration
}

// Observer receives the outcome of every stage run.
type Observer interface {
	ObserveStage(stage models.Stage, preset string, seconds float64, success, degraded bool)
}

// StageInput identifies the lesson and files a stage works on.
type StageInput struct {
	LessonID  string
	Stage     models.Stage
	InputPath string
	WorkDir   string
	Context   models.LessonContext
}

// StageMetrics are measurements of a stage run.
type StageMetrics struct {
	DurationSeconds float64 `json:"duration_seconds"`
	OutputBytes     int64   `json:"output_bytes"`
	AudioSeconds    float64 `json:"audio_seconds,omitempty"`
	Words           int     `json:"words,omitempty"`
	Terms           int     `json:"terms,omitempty"`
	Segments        int     `json:"segments,omitempty"`
}

// StageResult is the outcome of RunStage. Error is a *StageError when set.
type StageResult struct {
	Success    bool         `json:"success"`
	OutputPath string       `json:"output_path,omitempty"`
	Metrics    StageMetrics `json:"metrics"`
	Error      error        `json:"-"`
	Degraded   bool         `json:"degraded"`
	Plan       Plan         `json:"plan"`
	Logs       []CommandLog `json:"logs,omitempty"`
}

// StageError returns the typed failure of the result, or nil.
func (r StageResult) StageError() *StageError {
	var se *StageError
	if errors.As(r.Error, &se) {
		return se
	}
	return nil
}

// Engine executes stages.
type Engine struct {
	cfg       Config
	runner    Runner
	inspector Inspector
	glossary  *Glossary
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option { return func(e *Engine) { e.runner = r } }

// WithInspector enables duration checks of extracted audio.
func WithInspector(i Inspector) Option { return func(e *Engine) { e.inspector = i } }

// WithGlossary sets the glossary used by term recognition.
func WithGlossary(g *Glossary) Option { return func(e *Engine) { e.glossary = g } }

// WithObserver reports stage outcomes to o.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.WhisperPath == "" {
		cfg.WhisperPath = "whisper-cli"
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	e := &Engine{
		cfg:    cfg,
		runner: ExecRunner{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunStage executes one stage with cfg. Plan failures are retried once with
// the stage baseline and the result is marked Degraded. Input failures,
// timeouts and cancellation fail immediately.
func (e *Engine) RunStage(ctx context.Context, in StageInput, cfg preset.EffectiveConfig) StageResult {
	start := e.now()
	log := e.logger.With("lesson_id", in.LessonID, "stage", in.Stage)

	res := e.run(ctx, in, cfg)
	if se := res.StageError(); se.Fallbackable() && !cfg.IsBaseline() {
		log.Warn("stage failed, retrying with baseline plan", "preset", cfg.Preset(), "error", se)
		primary := res
		res = e.run(ctx, in, preset.Baseline(in.Stage))
		res.Degraded = true
		res.Logs = append(primary.Logs, res.Logs...)
		if fe := res.StageError(); fe != nil {
			fe.Message = fmt.Sprintf("%s (after preset %s failed: %s)", fe.Message, cfg.Preset(), se.Message)
		}
	}
	res.Metrics.DurationSeconds = e.now().Sub(start).Seconds()

	if res.Success {
		log.Info("stage completed", "preset", res.Plan.Preset, "degraded", res.Degraded,
			"seconds", math.Round(res.Metrics.DurationSeconds*10)/10)
	} else {
		log.Error("stage failed", "preset", res.Plan.Preset, "error", res.Error)
	}
	if e.observer != nil {
		e.observer.ObserveStage(in.Stage, cfg.Preset(), res.Metrics.DurationSeconds, res.Success, res.Degraded)
	}
	return res
}

// run performs one attempt bounded by the stage timeout.
func (e *Engine) run(ctx context.Context, in StageInput, cfg preset.EffectiveConfig) StageResult {
	if cfg.Stage() != in.Stage {
		return fail(Plan{Stage: in.Stage}, stageErr(in.Stage, FailureInput, nil,
			"configuration is for stage %s", cfg.Stage()))
	}
	if err := checkInput(in); err != nil {
		return fail(Plan{Stage: in.Stage, Preset: cfg.Preset()}, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	switch in.Stage {
	case models.StageExtractAudio:
		return e.extractAudio(ctx, in, cfg)
	case models.StageTranscribe:
		return e.transcribe(ctx, in, cfg)
	case models.StageRecognizeTerms:
		return e.recognizeTerms(in, cfg)
	default:
		return fail(Plan{Stage: in.Stage}, stageErr(in.Stage, FailureInput, nil, "unknown stage"))
	}
}

func (e *Engine) extractAudio(ctx context.Context, in StageInput, cfg preset.EffectiveConfig) StageResult {
	output := OutputPath(in.Stage, in.WorkDir)
	plan, err := buildAudioPlan(e.cfg.FFmpegPath, cfg, in.InputPath, output)
	if err != nil {
		return fail(Plan{Stage: in.Stage, Preset: cfg.Preset()}, stageErr(in.Stage, FailurePlan, err, "cannot build plan"))
	}

	var sourceSeconds float64
	if e.inspector != nil {
		sourceSeconds, err = e.inspector.Duration(ctx, in.InputPath)
		if err != nil {
			if se := contextFailure(ctx, in.Stage, e.cfg.StageTimeout, err); se != nil {
				return fail(plan, se)
			}
			return fail(plan, stageErr(in.Stage, FailureInput, err, "source media is unreadable"))
		}
	}

	cmdLog, se := e.exec(ctx, plan)
	res := StageResult{Plan: plan, Logs: []CommandLog{cmdLog}}
	if se != nil {
		res.Error = se
		return res
	}

	size, se := checkOutput(plan)
	if se != nil {
		se.CommandLog = cmdLog
		res.Error = se
		return res
	}
	res.Metrics.OutputBytes = size

	if e.inspector != nil {
		c, _ := cfg.Audio()
		outSeconds, err := e.inspector.Duration(ctx, output)
		if err != nil {
			res.Error = stageErr(in.Stage, FailurePlan, err, "invalid output: cannot read extracted audio")
			return res
		}
		tolerance := math.Max(1, sourceSeconds*0.02)
		switch {
		case outSeconds <= 0:
			res.Error = stageErr(in.Stage, FailurePlan, nil, "invalid output: extracted audio is empty")
		case c.VAD && outSeconds > sourceSeconds+tolerance:
			res.Error = stageErr(in.Stage, FailurePlan, nil, "invalid output: %.1fs of audio from %.1fs source", outSeconds, sourceSeconds)
		case !c.VAD && math.Abs(outSeconds-sourceSeconds) > tolerance:
			res.Error = stageErr(in.Stage, FailurePlan, nil, "invalid output: %.1fs of audio from %.1fs source", outSeconds, sourceSeconds)
		}
		if res.Error != nil {
			return res
		}
		res.Metrics.AudioSeconds = outSeconds
	}

	res.Success = true
	res.OutputPath = output
	return res
}

func (e *Engine) transcribe(ctx context.Context, in StageInput, cfg preset.EffectiveConfig) StageResult {
	plan, err := buildTranscriptionPlan(e.cfg.WhisperPath, e.cfg.ModelDir, cfg, in.InputPath, in.WorkDir, prompt.FromLesson(in.Context))
	if err != nil {
		return fail(Plan{Stage: in.Stage, Preset: cfg.Preset()}, stageErr(in.Stage, FailurePlan, err, "cannot build plan"))
	}

	c, _ := cfg.Transcription()
	if model := ModelFile(e.cfg.ModelDir, c.ModelSize); !fileExists(model) {
		return fail(plan, stageErr(in.Stage, FailurePlan, nil, "model file %s is missing", model))
	}

	cmdLog, se := e.exec(ctx, plan)
	res := StageResult{Plan: plan, Logs: []CommandLog{cmdLog}}
	if se != nil {
		res.Error = se
		return res
	}

	size, se := checkOutput(plan)
	if se != nil {
		se.CommandLog = cmdLog
		res.Error = se
		return res
	}
	text, err := os.ReadFile(plan.OutputPath)
	if err != nil || strings.TrimSpace(string(text)) == "" {
		res.Error = stageErr(in.Stage, FailurePlan, err, "invalid output: empty transcript")
		return res
	}

	res.Success = true
	res.OutputPath = plan.OutputPath
	res.Metrics.OutputBytes = size
	res.Metrics.Words = countWords(string(text))

	// 字幕は付随出力なので失敗してもステージは成功扱い
	n, err := writeSubtitles(strings.TrimSuffix(plan.OutputPath, ".txt"))
	if err != nil {
		e.logger.Warn("subtitles not written", "lesson_id", in.LessonID, "error", err)
	}
	res.Metrics.Segments = n
	return res
}

func (e *Engine) recognizeTerms(in StageInput, cfg preset.EffectiveConfig) StageResult {
	output := OutputPath(in.Stage, in.WorkDir)
	plan := Plan{Stage: in.Stage, Preset: cfg.Preset(), OutputPath: output}

	c, ok := cfg.Terms()
	if !ok {
		return fail(plan, stageErr(in.Stage, FailurePlan, nil, "configuration is not a term recognition configuration"))
	}
	text, err := os.ReadFile(in.InputPath)
	if err != nil {
		return fail(plan, stageErr(in.Stage, FailureInput, err, "transcript is unreadable"))
	}

	result := TermsResult{
		LessonID:  in.LessonID,
		Preset:    cfg.Preset(),
		WordCount: countWords(string(text)),
		Terms:     MatchTerms(string(text), e.glossary.With(in.Context.Keywords), c),
	}
	if result.Terms == nil {
		result.Terms = []TermMatch{}
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fail(plan, stageErr(in.Stage, FailurePlan, err, "cannot encode terms"))
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return fail(plan, stageErr(in.Stage, FailurePlan, err, "cannot write output"))
	}

	// 書き出した結果を読み戻して検証する
	size, se := checkOutput(plan)
	if se != nil {
		return fail(plan, se)
	}
	written, err := os.ReadFile(output)
	if err != nil || !json.Valid(written) {
		return fail(plan, stageErr(in.Stage, FailurePlan, err, "invalid output: terms file is not JSON"))
	}

	return StageResult{
		Success:    true,
		OutputPath: output,
		Plan:       plan,
		Metrics:    StageMetrics{OutputBytes: size, Words: result.WordCount, Terms: len(result.Terms)},
	}
}

// exec runs a plan's command and maps failures to a StageError.
func (e *Engine) exec(ctx context.Context, plan Plan) (CommandLog, *StageError) {
	res, err := e.runner.Run(ctx, plan.Command, plan.Args...)
	cmdLog := CommandLog{
		Command:  plan.Command,
		Args:     plan.Args,
		ExitCode: res.ExitCode,
		Stdout:   tail(res.Stdout, 4096),
		Stderr:   tail(res.Stderr, 4096),
	}
	if err == nil {
		return cmdLog, nil
	}
	se := contextFailure(ctx, plan.Stage, e.cfg.StageTimeout, err)
	if se == nil {
		se = stageErr(plan.Stage, FailurePlan, err, "%s failed", plan.Command)
	}
	se.CommandLog = cmdLog
	return cmdLog, se
}

// contextFailure maps an error caused by ctx ending to a timeout or cancellation.
func contextFailure(ctx context.Context, stage models.Stage, timeout time.Duration, err error) *StageError {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return stageErr(stage, FailureTimeout, err, "timed out after %s", timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return stageErr(stage, FailureCancelled, err, "cancelled")
	}
	return nil
}

func checkInput(in StageInput) *StageError {
	if strings.TrimSpace(in.InputPath) == "" {
		return stageErr(in.Stage, FailureInput, nil, "input path is required")
	}
	info, err := os.Stat(in.InputPath)
	if err != nil {
		return stageErr(in.Stage, FailureInput, err, "cannot access input")
	}
	if info.IsDir() {
		return stageErr(in.Stage, FailureInput, nil, "input %s is a directory", in.InputPath)
	}
	if info.Size() == 0 {
		return stageErr(in.Stage, FailureInput, nil, "input %s is unreadable: empty file", in.InputPath)
	}
	f, err := os.Open(in.InputPath)
	if err != nil {
		return stageErr(in.Stage, FailureInput, err, "input is unreadable")
	}
	f.Close()

	if err := os.MkdirAll(in.WorkDir, 0755); err != nil {
		return stageErr(in.Stage, FailureInput, err, "cannot create work directory")
	}
	return nil
}

func checkOutput(plan Plan) (int64, *StageError) {
	info, err := os.Stat(plan.OutputPath)
	if err != nil {
		return 0, stageErr(plan.Stage, FailurePlan, err, "invalid output: %s is missing", plan.OutputPath)
	}
	if info.Size() == 0 {
		return 0, stageErr(plan.Stage, FailurePlan, nil, "invalid output: %s is empty", plan.OutputPath)
	}
	return info.Size(), nil
}

func fail(plan Plan, se *StageError) StageResult {
	return StageResult{Plan: plan, Error: se}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
