package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"lessonflow/internal/batch"
	"lessonflow/internal/ingestion"
	"lessonflow/internal/models"
)

func newBatchCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Create and manage lesson batches",
	}
	cmd.AddCommand(
		newBatchCreateCmd(s),
		newBatchStatusCmd(s),
		newBatchListCmd(s),
		newBatchCancelCmd(s),
		newBatchRetryCmd(s),
		newBatchDeleteCmd(s),
	)
	return cmd
}

func newBatchCreateCmd(s *state) *cobra.Command {
	var (
		dir       string
		name      string
		recursive bool
		course    string
		speaker   string
		keywords  []string
		urgency   string
		capacity  int
		failFast  bool
		presets   []string
		overrides []string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "create [files...]",
		Short: "Create a batch from media files or a directory",
		Example: `  lessonflow batch create --dir ./lectures --recursive --cap 2
  lessonflow batch create intro.mp4 week2.mp4 --preset transcribe=accurate
  lessonflow batch create --dir ./lectures --set transcribe.language=en`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ingestion.ScanOptions{Recursive: recursive, Course: course, Speaker: speaker, Keywords: keywords}

			var units []batch.Unit
			if dir != "" {
				found, err := ingestion.Scan(dir, opts)
				if err != nil {
					return err
				}
				units = append(units, found...)
			}
			for _, path := range args {
				u, err := ingestion.UnitFor(path, opts)
				if err != nil {
					return err
				}
				units = append(units, u)
			}
			if len(units) == 0 {
				return fmt.Errorf("no media given: pass files or --dir")
			}

			p := batch.CreateParams{
				Name:           name,
				Units:          units,
				ConcurrencyCap: capacity,
				Urgency:        models.Urgency(urgency),
				FailFast:       failFast,
			}
			var err error
			if p.Presets, err = parsePresets(presets); err != nil {
				return err
			}
			if p.Overrides, err = parseOverrides(overrides); err != nil {
				return err
			}

			ctx := cmd.Context()
			id, err := s.app.coord.CreateBatch(ctx, p)
			if err != nil {
				return err
			}
			summary, err := s.app.coord.Status(ctx, id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created batch %s with %d lessons\n", id, summary.Batch.TotalUnits)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&dir, "dir", "d", "", "directory to scan for media")
	f.StringVarP(&name, "name", "n", "", "batch name")
	f.BoolVarP(&recursive, "recursive", "r", false, "scan subdirectories")
	f.StringVar(&course, "course", "", "course name (default: containing directory)")
	f.StringVar(&speaker, "speaker", "", "speaker name")
	f.StringSliceVar(&keywords, "keyword", nil, "context keyword (repeatable)")
	f.StringVarP(&urgency, "urgency", "u", "", "interactive, normal or background")
	f.IntVar(&capacity, "cap", 0, "maximum lessons processed at once (0 = unlimited)")
	f.BoolVar(&failFast, "fail-fast", false, "mark the batch failed on the first failed lesson")
	f.StringArrayVarP(&presets, "preset", "p", nil, "stage=preset (repeatable)")
	f.StringArrayVar(&overrides, "set", nil, "stage.param=value override (repeatable)")
	f.BoolVar(&asJSON, "json", false, "print the batch summary as JSON")
	return cmd
}

func newBatchStatusCmd(s *state) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show the status of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := s.app.coord.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "batch:       %s\n", summary.Batch.ID)
			if summary.Batch.Name != "" {
				fmt.Fprintf(w, "name:        %s\n", summary.Batch.Name)
			}
			fmt.Fprintf(w, "status:      %s\n", summary.Status)
			fmt.Fprintf(w, "lessons:     %d\n", summary.Batch.TotalUnits)
			fmt.Fprintf(w, "completed:   %d\n", summary.Completed)
			fmt.Fprintf(w, "failed:      %d\n", summary.Failed)
			fmt.Fprintf(w, "cancelled:   %d\n", summary.Cancelled)
			fmt.Fprintf(w, "in progress: %d\n", summary.InProgress)
			fmt.Fprintf(w, "queued:      %d\n", summary.Queued)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newBatchListCmd(s *state) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := s.app.coord.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				if summaries == nil {
					summaries = []batch.Summary{}
				}
				return printJSON(cmd.OutOrStdout(), summaries)
			}
			printSummaries(cmd.OutOrStdout(), summaries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum batches to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printSummaries(out io.Writer, summaries []batch.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDONE\tFAILED\tTOTAL")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			s.Batch.ID, s.Batch.Name, s.Status, s.Completed, s.Failed, s.Batch.TotalUnits)
	}
	w.Flush()
}

func newBatchCancelCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel a batch; lessons in flight stop after their current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cancelled, err := s.app.coord.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d queued lessons\n", len(cancelled))
			return nil
		},
	}
}

func newBatchRetryCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <batch-id>",
		Short: "Re-enqueue the failed lessons of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			retried, err := s.app.coord.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %d lessons\n", len(retried))
			return nil
		},
	}
}

func newBatchDeleteCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <batch-id>",
		Short: "Delete a batch and its queued jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.app.coord.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted batch %s\n", args[0])
			return nil
		},
	}
}

// parsePresets parses stage=preset pairs.
func parsePresets(pairs []string) (map[models.Stage]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[models.Stage]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || v == "" {
			return nil, fmt.Errorf("invalid preset %q: want stage=preset", p)
		}
		stage, err := models.ParseStage(k)
		if err != nil {
			return nil, err
		}
		out[stage] = v
	}
	return out, nil
}

// parseOverrides parses stage.param=value pairs. Values are decoded as YAML
// scalars so numbers and booleans keep their type.
func parseOverrides(pairs []string) (map[models.Stage]map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[models.Stage]map[string]any)
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid override %q: want stage.param=value", p)
		}
		st, param, ok := strings.Cut(key, ".")
		if !ok || param == "" {
			return nil, fmt.Errorf("invalid override %q: want stage.param=value", p)
		}
		stage, err := models.ParseStage(st)
		if err != nil {
			return nil, err
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid override value %q: %w", raw, err)
		}
		if out[stage] == nil {
			out[stage] = make(map[string]any)
		}
		out[stage][param] = v
	}
	return out, nil
}
