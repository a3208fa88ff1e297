// Package cli provides the command-line interface for lessonflow.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"lessonflow/internal/config"
	"lessonflow/internal/version"
)

// state is filled by the root command before a subcommand runs.
type state struct {
	app     *app
	verbose bool
}

// NewRootCmd builds the lessonflow command tree.
func NewRootCmd() *cobra.Command {
	root, _ := newRoot()
	return root
}

func newRoot() (*cobra.Command, *state) {
	s := &state{}

	root := &cobra.Command{
		Use:   "lessonflow",
		Short: "Lesson media processing pipeline",
		Long: `lessonflow drives lesson videos through audio extraction, transcription
and terminology tagging using named quality presets, with batch tracking,
retries and failure analytics.`,
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip setup for help and completion commands
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Parent() != nil && cmd.Parent().Name() == "completion" {
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if s.verbose {
				cfg.LogLevel = slog.LevelDebug
			}

			logger, closeLog, err := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				closeLog()
				return err
			}
			a.closers = append([]func() error{closeLog}, a.closers...)
			s.app = a
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return s.close()
		},
	}

	root.PersistentFlags().BoolVarP(&s.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCmd(s),
		newWorkCmd(s),
		newBatchCmd(s),
		newPresetCmd(s),
		newQueueCmd(s),
		newMetricsCmd(s),
	)
	return root, s
}

// close releases the app. Safe to call more than once.
func (s *state) close() error {
	if s.app == nil {
		return nil
	}
	err := s.app.Close()
	s.app = nil
	return err
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	root, s := newRoot()
	err := root.ExecuteContext(ctx)
	return multierr.Append(err, s.close())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
