package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/dettest/internal/output"
	"github.com/telhawk-systems/dettest/internal/stanza"
)

var diffCmd = &cobra.Command{
	Use:   "diff PRIOR CURRENT",
	Short: "Compare detection stanzas of two builds",
	Long: `Compare the savedsearches.conf of two builds and report detections
that were added, removed or modified. The command fails when a modified
detection kept its version.`,
	Example: `  dettest diff prior/savedsearches.conf dist/savedsearches.conf
  dettest diff prior.conf current.conf --all --output json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		diffs, err := stanza.CompareFiles(args[0], args[1])
		if err != nil {
			return err
		}

		all, _ := cmd.Flags().GetBool("all")
		shown := diffs[:0:0]
		for _, d := range diffs {
			if all || d.Change != stanza.Unchanged {
				shown = append(shown, d)
			}
		}

		format, _ := cmd.Flags().GetString("output")
		if format == "json" {
			if err := output.JSON(shown); err != nil {
				return err
			}
		} else {
			renderDiffs(cmd, shown)
		}

		if bump := stanza.NeedsBump(diffs); len(bump) > 0 {
			for _, d := range bump {
				output.Error("%s (%s) changed but version %d was not increased", d.Name, d.ID, d.CurrentVersion)
			}
			return fmt.Errorf("%d detection(s) need a version bump", len(bump))
		}
		if format != "json" {
			output.Success("No version bumps required")
		}
		return nil
	},
}

func renderDiffs(cmd *cobra.Command, diffs []stanza.Diff) {
	if len(diffs) == 0 {
		output.Info("No changes")
		return
	}
	table := output.NewTable([]string{"CHANGE", "NAME", "ID", "PRIOR", "CURRENT"})
	for _, d := range diffs {
		table.AddRow([]string{
			string(d.Change),
			d.Name,
			d.ID.String(),
			version(d.PriorVersion),
			version(d.CurrentVersion),
		})
	}
	table.Render(cmd.OutOrStdout())
}

func version(v int) string {
	if v == 0 {
		return "-"
	}
	return strconv.Itoa(v)
}

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().Bool("all", false, "Include unchanged detections")
	diffCmd.Flags().String("output", "table", "Output format: table, json")
}
