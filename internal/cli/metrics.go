package cli

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"lessonflow/internal/metrics"
)

func newMetricsCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Failure and performance analytics",
	}
	cmd.AddCommand(newMetricsReportCmd(s))
	return cmd
}

func newMetricsReportCmd(s *state) *cobra.Command {
	var (
		days     int
		from, to string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Aggregate failures over a time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := reportWindow(days, from, to, time.Now())
			if err != nil {
				return err
			}
			report, err := s.app.reporter().Aggregate(cmd.Context(), w)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "window size in days ending now")
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC3339)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func reportWindow(days int, from, to string, now time.Time) (metrics.Window, error) {
	if from == "" && to == "" {
		if days < 1 {
			return metrics.Window{}, fmt.Errorf("--days must be at least 1")
		}
		return metrics.LastDays(now, days), nil
	}
	if from == "" || to == "" {
		return metrics.Window{}, fmt.Errorf("--from and --to must be given together")
	}
	f, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return metrics.Window{}, fmt.Errorf("invalid --from: %w", err)
	}
	t, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return metrics.Window{}, fmt.Errorf("invalid --to: %w", err)
	}
	return metrics.Window{From: f, To: t}, nil
}

func printReport(out io.Writer, r *metrics.Report) {
	fmt.Fprintf(out, "window:        %s .. %s\n", r.Window.From.Format(time.DateTime), r.Window.To.Format(time.DateTime))
	fmt.Fprintf(out, "completed:     %d\n", r.TotalCompleted)
	fmt.Fprintf(out, "failures:      %d (%.1f%%)\n", r.TotalFailures, r.FailureRate*100)
	fmt.Fprintf(out, "recoverable:   %d\n", r.Recoverable)
	fmt.Fprintf(out, "peak hour:     %02d:00\n", r.PeakHour)
	fmt.Fprintf(out, "trend:         %s\n", r.Trend.Direction)
	fmt.Fprintf(out, "wasted hours:  %.2f (est. cost %.2f)\n", r.Impact.WastedHours, r.Impact.EstimatedCost)

	if len(r.ByCategory) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tCOUNT")
		keys := lo.Keys(r.ByCategory)
		slices.Sort(keys)
		for _, c := range keys {
			fmt.Fprintf(w, "%s\t%d\n", c, r.ByCategory[c])
		}
		w.Flush()
	}
}
