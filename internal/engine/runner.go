package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandResult is the outcome of one process execution.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run executes one command and captures stdout, stderr and the exit code.
// The process is killed when ctx is done.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Inspector reports media durations.
type Inspector interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// FFprobe is an Inspector backed by the ffprobe command.
type FFprobe struct {
	Path   string
	Runner Runner
}

// Duration returns the duration of a media file in seconds.
func (p FFprobe) Duration(ctx context.Context, path string) (float64, error) {
	bin := p.Path
	if bin == "" {
		bin = "ffprobe"
	}
	runner := p.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	res, err := runner.Run(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to get duration of %s: %w: %s", path, err, strings.TrimSpace(res.Stderr))
	}

	var duration float64
	if _, err := fmt.Sscanf(strings.TrimSpace(res.Stdout), "%f", &duration); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return duration, nil
}
