package engine

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"lessonflow/internal/models"
	"lessonflow/internal/preset"
	"lessonflow/internal/prompt"
)

// Output file names inside a lesson's work directory.
const (
	AudioFile      = "audio.wav"
	TranscriptBase = "transcript"
	TranscriptFile = TranscriptBase + ".txt"
	SubtitleFile   = TranscriptBase + ".srt"
	TermsFile      = "terms.json"
)

// Plan is the concrete execution plan of one stage attempt. In-process
// stages have no Command.
type Plan struct {
	Stage      models.Stage `json:"stage"`
	Preset     string       `json:"preset"`
	Command    string       `json:"command,omitempty"`
	Args       []string     `json:"args,omitempty"`
	OutputPath string       `json:"output_path"`
	Prompt     string       `json:"prompt,omitempty"`
}

// String renders the plan as a shell-like command line.
func (p Plan) String() string {
	if p.Command == "" {
		return fmt.Sprintf("%s (in-process) -> %s", p.Stage, p.OutputPath)
	}
	return p.Command + " " + strings.Join(p.Args, " ")
}

// InputPath returns the file a stage reads for a lesson.
func InputPath(stage models.Stage, sourcePath, workDir string) string {
	switch stage {
	case models.StageExtractAudio:
		return sourcePath
	case models.StageTranscribe:
		return filepath.Join(workDir, AudioFile)
	case models.StageRecognizeTerms:
		return filepath.Join(workDir, TranscriptFile)
	}
	return ""
}

// OutputPath returns the file a stage writes for a lesson.
func OutputPath(stage models.Stage, workDir string) string {
	switch stage {
	case models.StageExtractAudio:
		return filepath.Join(workDir, AudioFile)
	case models.StageTranscribe:
		return filepath.Join(workDir, TranscriptFile)
	case models.StageRecognizeTerms:
		return filepath.Join(workDir, TermsFile)
	}
	return ""
}

// AudioFilters builds the ordered ffmpeg filter chain. The voice-activity
// pre-pass runs first so later filters only see speech.
func AudioFilters(c preset.AudioConfig) []string {
	var filters []string
	if c.VAD {
		filters = append(filters, fmt.Sprintf(
			"silenceremove=stop_periods=-1:stop_duration=%s:stop_threshold=%sdB",
			formatFloat(c.VADMinSilence), formatFloat(c.VADThresholdDB)))
	}
	if c.HighpassHz > 0 {
		filters = append(filters, fmt.Sprintf("highpass=f=%d", c.HighpassHz))
	}
	if c.LowpassHz > 0 {
		filters = append(filters, fmt.Sprintf("lowpass=f=%d", c.LowpassHz))
	}
	if c.Denoise {
		filters = append(filters, fmt.Sprintf("afftdn=nr=%s", formatFloat(max(c.NoiseReductionDB, 0.01))))
	}
	if c.Loudnorm {
		filters = append(filters, "loudnorm=I=-16:TP=-1.5:LRA=11")
	}
	return filters
}

// buildAudioPlan builds ffmpeg args producing PCM WAV audio.
func buildAudioPlan(ffmpeg string, cfg preset.EffectiveConfig, input, output string) (Plan, error) {
	c, ok := cfg.Audio()
	if !ok {
		return Plan{}, fmt.Errorf("configuration for %s is not an audio configuration", cfg.Stage())
	}

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", input, "-vn"}
	if c.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(c.Threads))
	}
	if filters := AudioFilters(c); len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}
	args = append(args,
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
		"-c:a", "pcm_s16le",
		output,
	)
	return Plan{Stage: models.StageExtractAudio, Preset: cfg.Preset(), Command: ffmpeg, Args: args, OutputPath: output}, nil
}

// ModelFile returns the whisper.cpp model file for a model size.
func ModelFile(modelDir, size string) string {
	return filepath.Join(modelDir, "ggml-"+size+".bin")
}

// buildTranscriptionPlan builds whisper.cpp args writing a .txt transcript
// and a segmented .json next to it.
func buildTranscriptionPlan(whisper, modelDir string, cfg preset.EffectiveConfig, input, workDir string, pc prompt.Context) (Plan, error) {
	c, ok := cfg.Transcription()
	if !ok {
		return Plan{}, fmt.Errorf("configuration for %s is not a transcription configuration", cfg.Stage())
	}

	text, err := prompt.Render(c.PromptTemplate, pc)
	if err != nil {
		return Plan{}, err
	}

	base := filepath.Join(workDir, TranscriptBase)
	args := []string{
		"-m", ModelFile(modelDir, c.ModelSize),
		"-f", input,
		"-of", base,
		"-otxt",
		"-oj",
	}
	if c.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(c.Threads))
	}
	args = append(args,
		"-bs", strconv.Itoa(c.BeamSize),
		"-bo", strconv.Itoa(c.BestOf),
		"-tp", formatFloat(c.Temperature),
	)
	// whisper-cli falls back to en without -l, so auto is passed through
	if c.Language != "" {
		args = append(args, "-l", c.Language)
	}
	if text != "" {
		args = append(args, "--prompt", text)
	}
	return Plan{
		Stage:      models.StageTranscribe,
		Preset:     cfg.Preset(),
		Command:    whisper,
		Args:       args,
		OutputPath: base + ".txt",
		Prompt:     text,
	}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
