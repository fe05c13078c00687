package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/dettest/internal/content"
	"github.com/telhawk-systems/dettest/internal/output"
)

var validateCmd = &cobra.Command{
	Use:   "validate [DIR]",
	Short: "Load and validate detection content",
	Long: `Load every detection file under DIR (default: repo_path/content_path)
and report every invalid file. Deprecated detections and detections with
only manual tests are listed as skipped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := filepath.Join(cfg.RepoPath, cfg.ContentPath)
		if len(args) == 1 {
			dir = args[0]
		}

		set, err := content.NewLoader().Load(dir)
		if err != nil {
			return err
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			for _, s := range set.Skipped {
				output.Warn("skipped %s (%s): %s", s.Path, s.Name, s.Reason)
			}
		}
		tests := 0
		for _, d := range set.Detections {
			tests += len(d.Tests)
		}
		output.Success("%d detections with %d tests are valid, %d skipped", len(set.Detections), tests, len(set.Skipped))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolP("verbose", "v", false, "List skipped detections")
}
