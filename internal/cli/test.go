package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/dettest/internal/config"
	"github.com/telhawk-systems/dettest/internal/container"
	"github.com/telhawk-systems/dettest/internal/content"
	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/output"
	"github.com/telhawk-systems/dettest/internal/pool"
	"github.com/telhawk-systems/dettest/internal/report"
	"github.com/telhawk-systems/dettest/internal/runner"
	"github.com/telhawk-systems/dettest/internal/stanza"
	"github.com/telhawk-systems/dettest/internal/view"
	"github.com/telhawk-systems/dettest/internal/worker"
)

// ErrRunFailed is returned when at least one detection failed or was not
// tested.
var ErrRunFailed = errors.New("detection testing failed")

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test detections against analytics instances",
	Long: `Start the configured instances, replay the attack data of every
selected detection, run the detection searches and write the report.

Selection modes:
  all       every detection in the content path
  changes   detections in --changed-list plus stanzas that differ between
            --prior-build and --current-build
  selected  the detection files listed in detections_list

Press Ctrl+C once to let running tests finish and stop, twice to abort.
The command exits non-zero unless every detection was tested and passed.`,
	Example: `  dettest test --mode all --num-containers 4 --behavior never-pause
  dettest test --mode selected --detections-list changed.txt
  dettest test --mode changes --changed-list changed.txt --prior-build old.conf --current-build dist/savedsearches.conf`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyTestFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runTests(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

// applyTestFlags copies explicitly set flags over c.
func applyTestFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		c.Mode, _ = flags.GetString("mode")
	}
	for _, name := range []string{"behavior", "post-test-behavior"} {
		if flags.Changed(name) {
			c.PostTestBehavior, _ = flags.GetString(name)
		}
	}
	if flags.Changed("num-containers") {
		c.NumContainers, _ = flags.GetInt("num-containers")
	}
	if flags.Changed("detections-list") {
		paths, _ := flags.GetStringSlice("detections-list")
		entries, err := config.ReadDetectionsList(paths...)
		if err != nil {
			return err
		}
		c.DetectionsList = append(c.DetectionsList, entries...)
	}
	if flags.Changed("changed-list") {
		c.ChangedList, _ = flags.GetString("changed-list")
	}
	if flags.Changed("prior-build") {
		c.PriorBuild, _ = flags.GetString("prior-build")
	}
	if flags.Changed("current-build") {
		c.CurrentBuild, _ = flags.GetString("current-build")
	}
	if flags.Changed("report") {
		c.Report.JSONPath, _ = flags.GetString("report")
	}
	if flags.Changed("summary") {
		c.Report.SummaryPath, _ = flags.GetString("summary")
	}
	if flags.Changed("web-addr") {
		c.Views.WebAddr, _ = flags.GetString("web-addr")
	}
	if flags.Changed("no-tui") {
		noTUI, _ := flags.GetBool("no-tui")
		c.Views.Terminal = !noTUI
	}
	c.Normalize()
	return nil
}

// selectDetections loads the content and applies the selection mode.
func selectDetections(c *config.Config) ([]*models.Detection, error) {
	set, err := content.NewLoader().Load(filepath.Join(c.RepoPath, c.ContentPath))
	if err != nil {
		return nil, err
	}
	for _, s := range set.Skipped {
		logger.Info("detection skipped", logging.Name(s.Name), "path", s.Path, "reason", s.Reason)
	}

	sel := content.Selection{Mode: c.Mode, Paths: c.DetectionsList}
	if c.Mode == config.ModeChanges {
		if c.ChangedList != "" {
			sel.Changed, err = config.ReadDetectionsList(c.ChangedList)
			if err != nil {
				return nil, err
			}
			sel.Changed = relativeTo(sel.Changed, c.ContentPath)
		}
		if c.PriorBuild != "" && c.CurrentBuild != "" {
			sel.Diffs, err = stanza.CompareFiles(c.PriorBuild, c.CurrentBuild)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
			}
		}
	}
	if c.Mode == config.ModeSelected {
		sel.Paths = relativeTo(sel.Paths, c.ContentPath)
	}
	return set.Select(sel)
}

// relativeTo strips the content path prefix from repository relative paths.
func relativeTo(paths []string, contentPath string) []string {
	prefix := filepath.ToSlash(filepath.Clean(contentPath)) + "/"
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, strings.TrimPrefix(filepath.ToSlash(filepath.Clean(p)), prefix))
	}
	return out
}

// poolConfig translates c into the pool and worker configuration.
func poolConfig(c *config.Config, behavior runner.Behavior) (pool.Config, error) {
	infra := c.Infrastructure
	template, err := worker.LoadDataModelTemplate(infra.DataModelTemplate)
	if err != nil {
		return pool.Config{}, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	return pool.Config{
		Backend:          infra.Backend,
		NumContainers:    c.NumContainers,
		Remote:           infra.Instances,
		Image:            c.FullImagePath,
		Username:         "admin",
		Password:         c.SplunkAppPassword,
		WebPortBase:      infra.WebPortBase,
		HECPortBase:      infra.HECPortBase,
		StartupTimeout:   infra.StartupTimeout,
		Apps:             c.Apps,
		AppsDir:          infra.AppsDir,
		BaseDir:          c.RepoPath,
		RegistryUsername: c.SplunkbaseUsername,
		RegistryPassword: c.SplunkbasePassword,
		AttackDataRoot:   infra.AttackDataRoot,
		Templates:        templates(c),
		Ordered:          c.Mode == config.ModeSelected,
		HandleSignals:    true,
		ViewInterval:     c.Views.Interval,
		Worker: worker.Config{
			ReadyTimeout:      c.ReadyTimeout(),
			DataModelApp:      dataModelApp(c),
			DataModelTemplate: template,
			SearchTimeout:     infra.SearchTimeout,
			DeleteTimeout:     infra.DeleteTimeout,
			AckTimeout:        infra.AckTimeout,
			Runner: runner.Config{
				RetryCap:       infra.RetryCap,
				NoiseThreshold: infra.NoiseThreshold,
				Behavior:       behavior,
			},
		},
	}, nil
}

// templates resolves the configured template files against the repository.
func templates(c *config.Config) []container.Template {
	var out []container.Template
	for _, t := range c.Infrastructure.Templates {
		host := t.HostPath
		if !filepath.IsAbs(host) {
			host = filepath.Join(c.RepoPath, host)
		}
		out = append(out, container.Template{HostPath: host, ContainerPath: t.ContainerPath})
	}
	return out
}

// dataModelApp returns the app whose data models are accelerated, or "" to
// skip that configuration.
func dataModelApp(c *config.Config) string {
	if c.Infrastructure.DataModelApp != "" {
		return c.Infrastructure.DataModelApp
	}
	for _, app := range c.Apps {
		if strings.EqualFold(app.AppID, worker.DefaultDataModelApp) || strings.EqualFold(app.Title, worker.DefaultDataModelApp) {
			return worker.DefaultDataModelApp
		}
	}
	return ""
}

// openViews builds the configured views. The returned function releases
// connections the views do not own.
func openViews(ctx context.Context, c *config.Config, behavior runner.Behavior, out io.Writer) ([]pool.View, func(), error) {
	var (
		views   []pool.View
		closers []func()
	)
	cleanup := func() {
		for _, fn := range closers {
			fn()
		}
	}

	// The interactive view only runs when no pause prompt shares the terminal.
	if c.Views.Terminal && behavior == runner.NeverPause {
		views = append(views, view.NewTerminal(out))
	} else {
		views = append(views, view.NewProgress(out))
	}

	if c.Views.WebAddr != "" {
		d := view.NewDashboard(c.Views.WebAddr, logger)
		addr, err := d.Start()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		output.Info("Dashboard: %s", output.Highlight("http://"+addr))
		views = append(views, d)
	}
	if c.Views.File != "" {
		views = append(views, view.NewFile(c.Views.File))
	}
	if c.Views.Redis.Enabled {
		r, err := view.NewRedis(ctx, view.RedisConfig{
			URL:    c.Views.Redis.URL,
			Prefix: c.Views.Redis.Key,
			TTL:    c.Views.Redis.TTL,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		views = append(views, r)
	}
	if c.Views.NATS.Enabled {
		pub, err := view.ConnectNATS(view.NATSConfig{
			URL:           c.Views.NATS.URL,
			MaxReconnects: c.Views.NATS.MaxReconnects,
			ReconnectWait: c.Views.NATS.ReconnectWait,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pub.Close(ctx)
		})
		views = append(views, view.NewNATS(pub, c.Views.NATS.Subject))
	}
	return views, cleanup, nil
}

// background describes the run for the report.
func background(c *config.Config, res *pool.Result) report.Background {
	bg := report.Background{
		RunID:      res.RunID,
		RepoURL:    c.RepoURL,
		MainBranch: c.MainBranch,
		TestBranch: c.TestBranch,
		CommitHash: c.CommitHash,
		PRNumber:   c.PRNumber,
		Image:      c.FullImagePath,
		Mode:       c.Mode,
		Instances:  c.Instances(),
		Started:    res.Started,
		Reason:     res.Reason,
	}
	for _, err := range res.WorkerErrors {
		bg.Errors = append(bg.Errors, err.Error())
	}
	return bg
}

func runTests(ctx context.Context, c *config.Config, out io.Writer) error {
	behavior, err := runner.ParseBehavior(c.PostTestBehavior)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	detections, err := selectDetections(c)
	if err != nil {
		return err
	}
	if len(detections) == 0 {
		output.Info("No detections selected for mode %s", c.Mode)
	}

	pcfg, err := poolConfig(c, behavior)
	if err != nil {
		return err
	}
	views, closeViews, err := openViews(ctx, c, behavior, out)
	if err != nil {
		return err
	}
	defer closeViews()

	m := pool.New(pcfg,
		pool.WithLogger(logger),
		pool.WithViews(views...),
		pool.WithWorkerOptions(worker.WithPauser(runner.NewTerminalPauser(os.Stdin, out))),
	)
	res, err := m.Run(ctx, detections)
	if err != nil {
		return err
	}

	rep := report.Build(res.Completed, res.Untested, res.Elapsed, background(c, res))
	if err := writeReport(ctx, c, rep); err != nil {
		return err
	}
	printSummary(out, rep)

	if !rep.Summary.Success {
		return ErrRunFailed
	}
	return nil
}

func writeReport(ctx context.Context, c *config.Config, rep *report.Report) error {
	if c.Report.JSONPath != "" {
		if err := rep.WriteJSON(c.Report.JSONPath); err != nil {
			return err
		}
		output.Info("Report written to %s", c.Report.JSONPath)
	}
	if c.Report.SummaryPath != "" {
		if err := rep.WriteSummaryYAML(c.Report.SummaryPath); err != nil {
			return err
		}
	}
	if c.OpenSearch.Enabled {
		archive, err := report.NewArchive(report.ArchiveConfig{
			URL:      c.OpenSearch.URL,
			Username: c.OpenSearch.Username,
			Password: c.OpenSearch.Password,
			Insecure: c.OpenSearch.Insecure,
			Index:    c.OpenSearch.Index,
		})
		if err != nil {
			return err
		}
		n, err := archive.Store(ctx, rep)
		if err != nil {
			// Archive failures do not change the outcome of the run.
			logger.Warn("failed to archive report", logging.Error(err), "indexed", n)
		}
	}
	return nil
}

func printSummary(out io.Writer, rep *report.Report) {
	s := rep.Summary
	fmt.Fprintln(out)
	if failures := rep.Failures(); len(failures) > 0 {
		table := output.NewTable([]string{"DETECTION", "RESULT", "TESTS", "PATH"})
		for _, d := range failures {
			result := "failed"
			if !d.Tested {
				result = "untested"
			}
			passed := 0
			for _, t := range d.Tests {
				if t.Success {
					passed++
				}
			}
			table.AddRow([]string{d.Name, result, fmt.Sprintf("%d/%d", passed, len(d.Tests)), d.Path})
		}
		table.Render(out)
		fmt.Fprintln(out)
	}
	for _, e := range rep.Background.Errors {
		output.Error("%s", e)
	}
	line := fmt.Sprintf("%d/%d detections passed, %d untested, %d/%d tests passed in %.0fs",
		s.DetectionsPass, s.Detections, s.Untested, s.TestsPass, s.Tests, s.TotalTime)
	if s.Success {
		output.Success("%s", line)
	} else {
		output.Error("%s", line)
	}
}

func init() {
	rootCmd.AddCommand(testCmd)
	addTestFlags(testCmd)
}

func addTestFlags(cmd *cobra.Command) {
	cmd.Flags().String("mode", "", "Selection mode: all, changes, selected")
	cmd.Flags().String("behavior", "", "Post-test behavior: never-pause, pause-on-failure, always-pause")
	cmd.Flags().String("post-test-behavior", "", "Alias of --behavior")
	cmd.Flags().StringSlice("detections-list", nil, "File listing detection paths to test (mode selected)")
	cmd.Flags().Int("num-containers", 0, "Number of instances to start")
	cmd.Flags().String("changed-list", "", "File listing changed paths (mode changes)")
	cmd.Flags().String("prior-build", "", "savedsearches.conf of the prior build (mode changes)")
	cmd.Flags().String("current-build", "", "savedsearches.conf of the current build (mode changes)")
	cmd.Flags().String("report", "", "JSON report path")
	cmd.Flags().String("summary", "", "YAML summary path")
	cmd.Flags().String("web-addr", "", "Serve the progress dashboard on this address")
	cmd.Flags().Bool("no-tui", false, "Print progress lines instead of the interactive view")
}
