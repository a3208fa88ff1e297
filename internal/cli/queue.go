package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"lessonflow/internal/storage"
)

func newQueueCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue and dead-lettered jobs",
	}
	cmd.AddCommand(newQueueStatsCmd(s), newQueueFailedCmd(s), newQueueForgetCmd(s))
	return cmd
}

func newQueueStatsCmd(s *state) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show ready, delayed and reserved jobs per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := s.app.jobs.CountByQueue(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if stats == nil {
					stats = []storage.QueueStats{}
				}
				return printJSON(cmd.OutOrStdout(), stats)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tREADY\tDELAYED\tRESERVED")
			for _, q := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", q.Queue, q.Ready, q.Delayed, q.Reserved)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newQueueFailedCmd(s *state) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List dead-lettered jobs with their failure classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed, err := s.app.jobs.ListFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}

			type row struct {
				ID       int64     `json:"id"`
				LessonID string    `json:"lesson_id"`
				Stage    string    `json:"stage"`
				Attempts int       `json:"attempts"`
				Category string    `json:"category"`
				Action   string    `json:"action"`
				Error    string    `json:"error"`
				FailedAt time.Time `json:"failed_at"`
			}
			rows := make([]row, 0, len(failed))
			for _, f := range failed {
				c := s.app.classifier.Classify(f.Error)
				rows = append(rows, row{
					ID:       f.ID,
					LessonID: f.LessonID,
					Stage:    string(f.Stage),
					Attempts: f.Attempts,
					Category: string(c.Category),
					Action:   c.Action,
					Error:    f.Error,
					FailedAt: f.FailedAt,
				})
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLESSON\tSTAGE\tATTEMPTS\tCATEGORY\tFAILED AT\tERROR")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
					r.ID, r.LessonID, r.Stage, r.Attempts, r.Category, r.FailedAt.Format(time.DateTime), r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "maximum jobs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newQueueForgetCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <failed-job-id>",
		Short: "Delete a dead-lettered job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			if err := s.app.jobs.DeleteFailed(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted failed job %d\n", id)
			return nil
		},
	}
}
