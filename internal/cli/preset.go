package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"lessonflow/internal/models"
	"lessonflow/internal/preset"
)

func newPresetCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preset",
		Short: "Inspect quality presets",
	}
	cmd.AddCommand(newPresetListCmd(s), newPresetResolveCmd(s))
	return cmd
}

func newPresetListCmd(s *state) *cobra.Command {
	var (
		stage  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List presets per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			presets := s.app.resolver.Store().List()
			if stage != "" {
				st, err := models.ParseStage(stage)
				if err != nil {
					return err
				}
				presets = lo.Filter(presets, func(p preset.Preset, _ int) bool { return p.Stage == st })
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), presets)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tPRESET\tACCURACY\tCOST\tDEFAULT\tDESCRIPTION")
			for _, p := range presets {
				def := ""
				if s.app.resolver.DefaultPreset(p.Stage) == p.Name {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%.2f\t%.1fx\t%s\t%s\n",
					p.Stage, p.Name, p.ExpectedAccuracy, p.RelativeCost, def, p.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "only list presets for this stage")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newPresetResolveCmd(s *state) *cobra.Command {
	var overrides []string
	cmd := &cobra.Command{
		Use:   "resolve <stage> [preset]",
		Short: "Print the effective configuration of a preset with overrides",
		Example: `  lessonflow preset resolve transcribe accurate --set language=en
  lessonflow preset resolve extract_audio`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := models.ParseStage(args[0])
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 2 {
				name = args[1]
			}

			qualified := lo.Map(overrides, func(o string, _ int) string { return string(stage) + "." + o })
			parsed, err := parseOverrides(qualified)
			if err != nil {
				return err
			}

			cfg, err := s.app.resolver.Resolve(stage, name, parsed[stage])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringArrayVar(&overrides, "set", nil, "param=value override (repeatable)")
	return cmd
}
