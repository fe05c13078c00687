package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/dettest/internal/output"
	"github.com/telhawk-systems/dettest/internal/splunk"
)

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Run one blocking search",
	Long:  "Run a search on an instance in blocking mode and print the job and its rows.",
	Example: `  dettest search '| tstats count where index=main by sourcetype'
  dettest search 'search index=main host=ATTACK_DATA_HOST | head 5' --output json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		spec, err := instanceFromFlags(cmd)
		if err != nil {
			return err
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		client := splunk.NewClient(spec.MgmtURL(), spec.Username, spec.Password, splunk.WithSearchTimeout(timeout))

		var opts splunk.SearchOptions
		opts.EarliestTime, _ = cmd.Flags().GetString("earliest")
		opts.LatestTime, _ = cmd.Flags().GetString("latest")
		job, err := client.RunBlocking(ctx, args[0], opts)
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("max-rows")
		var rows []splunk.Row
		for row, err := range client.Rows(ctx, job.SID) {
			if err != nil {
				return err
			}
			if limit > 0 && len(rows) >= limit {
				break
			}
			rows = append(rows, row)
		}

		format, _ := cmd.Flags().GetString("output")
		if format == "json" {
			return output.JSON(map[string]any{"job": job, "results": rows})
		}

		output.Success("Search %s: %d results in %.2fs", job.SID, job.ResultCount, job.RunDuration)
		output.Info("Rerun: %s", output.Highlight(spec.SearchURL(job.SID)))
		for i, row := range rows {
			fmt.Fprintf(cmd.OutOrStdout(), "%d: %v\n", i+1, map[string]any(row))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	addInstanceFlags(searchCmd)

	searchCmd.Flags().String("earliest", "", "Earliest time (e.g., -24h)")
	searchCmd.Flags().String("latest", "", "Latest time (e.g., now)")
	searchCmd.Flags().Int("max-rows", 20, "Rows to print, 0 for all")
	searchCmd.Flags().Duration("timeout", splunk.DefaultSearchTimeout, "Search timeout")
	searchCmd.Flags().String("output", "table", "Output format: table, json")
}
