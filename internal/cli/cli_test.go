package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/dettest/internal/config"
	"github.com/telhawk-systems/dettest/internal/container"
	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/output"
	"github.com/telhawk-systems/dettest/internal/pool"
	"github.com/telhawk-systems/dettest/internal/runner"
	"github.com/telhawk-systems/dettest/internal/splunktest"
	"github.com/telhawk-systems/dettest/internal/stanza"
	"github.com/telhawk-systems/dettest/internal/view"
	"github.com/telhawk-systems/dettest/internal/worker"
)

func init() {
	color.NoColor = true
	logger = logging.Discard()
}

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	stdout, stderr := output.Stdout, output.Stderr
	output.Stdout, output.Stderr = &buf, &buf
	t.Cleanup(func() { output.Stdout, output.Stderr = stdout, stderr })
	return &buf
}

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"test": false, "diff": false, "validate": false, "ingest": false, "search": false}
	for _, c := range rootCmd.Commands() {
		name := strings.Fields(c.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "command %s is not registered", name)
	}
	assert.NotNil(t, testCmd.Flags().Lookup("post-test-behavior"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestApplyTestFlags(t *testing.T) {
	list := writeFile(t, filepath.Join(t.TempDir(), "list.txt"), "# picked\ndetections/a.yml\n\ndetections/b.yml\n")

	cmd := &cobra.Command{Use: "test"}
	addTestFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--mode", "Selected",
		"--behavior", "always-pause",
		"--num-containers", "3",
		"--detections-list", list,
		"--report", "out/r.json",
		"--no-tui",
	}))

	c := &config.Config{Mode: config.ModeAll, PostTestBehavior: "never_pause", NumContainers: 1}
	c.Views.Terminal = true
	require.NoError(t, applyTestFlags(cmd, c))

	assert.Equal(t, config.ModeSelected, c.Mode)
	assert.Equal(t, "always_pause", c.PostTestBehavior)
	assert.Equal(t, 3, c.NumContainers)
	assert.Equal(t, []string{"detections/a.yml", "detections/b.yml"}, c.DetectionsList)
	assert.Equal(t, "out/r.json", c.Report.JSONPath)
	assert.False(t, c.Views.Terminal)

	cmd = &cobra.Command{Use: "test"}
	addTestFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--detections-list", "missing.txt"}))
	assert.ErrorIs(t, applyTestFlags(cmd, &config.Config{}), config.ErrConfiguration)
}

func TestApplyTestFlags_Unset(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addTestFlags(cmd)
	require.NoError(t, cmd.ParseFlags(nil))

	c := &config.Config{Mode: config.ModeChanges, PostTestBehavior: "pause_on_failure", NumContainers: 2}
	require.NoError(t, applyTestFlags(cmd, c))
	assert.Equal(t, config.ModeChanges, c.Mode)
	assert.Equal(t, "pause_on_failure", c.PostTestBehavior)
	assert.Equal(t, 2, c.NumContainers)
}

func TestRelativeTo(t *testing.T) {
	got := relativeTo([]string{"detections/endpoint/a.yml", "./detections/b.yml", "c.yml"}, "detections")
	assert.Equal(t, []string{"endpoint/a.yml", "b.yml", "c.yml"}, got)
}

func TestDataModelApp(t *testing.T) {
	c := &config.Config{}
	assert.Empty(t, dataModelApp(c))

	c.Apps = []models.AppPackage{{AppID: "1621", Title: "splunk_sa_cim"}}
	assert.Equal(t, worker.DefaultDataModelApp, dataModelApp(c))

	c.Infrastructure.DataModelApp = "Custom_Models"
	assert.Equal(t, "Custom_Models", dataModelApp(c))
}

func TestPoolConfig(t *testing.T) {
	c, err := config.Load(writeFile(t, filepath.Join(t.TempDir(), "dettest.yaml"), "repo_path: /content\nnum_containers: 2\n"))
	require.NoError(t, err)

	pc, err := poolConfig(c, runner.AlwaysPause)
	require.NoError(t, err)
	assert.Equal(t, pool.BackendContainer, pc.Backend)
	assert.Equal(t, 2, pc.Instances())
	assert.Equal(t, "/content", pc.BaseDir)
	assert.Equal(t, "Chang3d!", pc.Password)
	assert.True(t, pc.HandleSignals)
	assert.Equal(t, c.Infrastructure.RetryCap, pc.Worker.Runner.RetryCap)
	assert.Equal(t, runner.AlwaysPause, pc.Worker.Runner.Behavior)
	assert.Empty(t, pc.Worker.DataModelApp)
	assert.NotEmpty(t, pc.Worker.DataModelTemplate)
	assert.False(t, pc.Ordered, "changed detections are shuffled")
	assert.Equal(t, 20*time.Minute, pc.Worker.ReadyTimeout)
	assert.Empty(t, pc.Templates)

	c.Mode = config.ModeSelected
	c.Infrastructure.Templates = []config.Template{
		{HostPath: "templates/apps.tgz", ContainerPath: "/tmp/apps.tgz"},
		{HostPath: "/srv/roles.tgz", ContainerPath: "/tmp/roles.tgz"},
	}
	pc, err = poolConfig(c, runner.NeverPause)
	require.NoError(t, err)
	assert.True(t, pc.Ordered, "selected detections keep their listed order")
	assert.Equal(t, []container.Template{
		{HostPath: "/content/templates/apps.tgz", ContainerPath: "/tmp/apps.tgz"},
		{HostPath: "/srv/roles.tgz", ContainerPath: "/tmp/roles.tgz"},
	}, pc.Templates)

	c.Infrastructure.DataModelTemplate = writeFile(t, filepath.Join(t.TempDir(), "bad.conf"), "not a stanza\n")
	_, err = poolConfig(c, runner.NeverPause)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestPoolConfig_RemoteReadyTimeout(t *testing.T) {
	dir := t.TempDir()
	c, err := config.Load(writeFile(t, filepath.Join(dir, "dettest.yaml"), "repo_path: /content\ninfrastructure:\n  backend: remote\n"))
	require.NoError(t, err)
	pc, err := poolConfig(c, runner.NeverPause)
	require.NoError(t, err)
	assert.Zero(t, pc.Worker.ReadyTimeout, "remote instances are checked once")

	c, err = config.Load(writeFile(t, filepath.Join(dir, "dettest.yaml"), "repo_path: /content\ninfrastructure:\n  backend: remote\n  ready_timeout: 2m\n"))
	require.NoError(t, err)
	pc, err = poolConfig(c, runner.NeverPause)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, pc.Worker.ReadyTimeout)
}

func TestBackground(t *testing.T) {
	c := &config.Config{RepoURL: "https://git.example.com/content", CommitHash: "abc", Mode: config.ModeAll, NumContainers: 2}
	res := &pool.Result{RunID: "r1", Reason: "interrupt", WorkerErrors: []error{fmt.Errorf("instance dettest_1: boom")}}

	bg := background(c, res)
	assert.Equal(t, "r1", bg.RunID)
	assert.Equal(t, "abc", bg.CommitHash)
	assert.Equal(t, 2, bg.Instances)
	assert.Equal(t, "interrupt", bg.Reason)
	assert.Equal(t, []string{"instance dettest_1: boom"}, bg.Errors)
}

func TestOpenViews(t *testing.T) {
	var out bytes.Buffer
	c := &config.Config{}
	c.Views.Terminal = true
	c.Views.File = filepath.Join(t.TempDir(), "status.json")

	views, cleanup, err := openViews(context.Background(), c, runner.PauseOnFailure, &out)
	require.NoError(t, err)
	defer cleanup()
	require.Len(t, views, 2)
	assert.IsType(t, &view.Progress{}, views[0], "pausing runs keep the terminal line based")
	assert.IsType(t, &view.File{}, views[1])

	c.Views.Redis.Enabled = true
	c.Views.Redis.URL = "::bad"
	_, _, err = openViews(context.Background(), c, runner.NeverPause, &out)
	assert.Error(t, err)
}

const detectionYAML = `id: %s
name: %s
version: 1
type: TTP
search: '` + "`wineventlog_security` | `%s_filter`" + `'
observables:
  - name: %s
tests:
  - name: true positive
    attack_data:
      - data: attack.log
        source: XmlWinEventLog:Security
        sourcetype: XmlWinEventLog
`

func writeDetectionFile(t *testing.T, repo, rel, name, observable string) string {
	t.Helper()
	id := uuid.NewString()
	writeFile(t, filepath.Join(repo, "detections", rel),
		fmt.Sprintf(detectionYAML, id, name, strings.ToLower(strings.ReplaceAll(name, " ", "_")), observable))
	return id
}

func TestSelectDetections(t *testing.T) {
	repo := t.TempDir()
	writeDetectionFile(t, repo, "a.yml", "Brute Force", "user")
	bID := writeDetectionFile(t, repo, "b.yml", "Odd Process", "user")
	writeDetectionFile(t, repo, "c.yml", "Rare Logon", "user")

	c := &config.Config{RepoPath: repo, ContentPath: "detections", Mode: config.ModeSelected,
		DetectionsList: []string{"detections/c.yml"}}
	ds, err := selectDetections(c)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "Rare Logon", ds[0].Name)

	meta := func(id string, version int, search string) string {
		return fmt.Sprintf("[ESCU - X - Rule]\nsearch = %s\n%s = {\"detection_id\": \"%s\", \"detection_version\": \"%d\"}\n",
			search, stanza.MetadataKey, id, version)
	}
	dir := t.TempDir()
	c = &config.Config{
		RepoPath:     repo,
		ContentPath:  "detections",
		Mode:         config.ModeChanges,
		ChangedList:  writeFile(t, filepath.Join(dir, "changed.txt"), "detections/a.yml\nREADME.md\n"),
		PriorBuild:   writeFile(t, filepath.Join(dir, "prior.conf"), meta(bID, 1, "old")),
		CurrentBuild: writeFile(t, filepath.Join(dir, "current.conf"), meta(bID, 2, "new")),
	}
	ds, err = selectDetections(c)
	require.NoError(t, err)
	var names []string
	for _, d := range ds {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"Brute Force", "Odd Process"}, names)
}

func TestRunTests_EndToEnd(t *testing.T) {
	captureOutput(t)
	inst := splunktest.New()
	defer inst.Close()
	spec := inst.Spec("lab")

	repo := t.TempDir()
	var events strings.Builder
	for range 2 {
		fmt.Fprintf(&events, "EventCode=4625 user=%s src=%s\n", gofakeit.Username(), gofakeit.IPv4Address())
	}
	writeFile(t, filepath.Join(repo, "attack.log"), events.String())
	writeDetectionFile(t, repo, "pass.yml", "Brute Force", "user")
	writeDetectionFile(t, repo, "fail.yml", "Odd Process", "parent_process")

	out := t.TempDir()
	cfgPath := writeFile(t, filepath.Join(out, "dettest.yaml"), fmt.Sprintf(`
repo_path: %s
commit_hash: abc123
mode: all
post_test_behavior: never_pause
infrastructure:
  backend: remote
  apps_dir: %s
  instances:
    - name: lab
      address: %s
      web_port: %d
      hec_port: %d
      mgmt_port: %d
      scheme: http
      username: %s
      password: %s
report:
  json_path: %s
  summary_path: %s
views:
  terminal: false
  file: %s
`, repo, filepath.Join(out, "apps"), spec.Address, spec.WebPort, spec.HECPort, spec.MgmtPort,
		spec.Username, spec.Password,
		filepath.Join(out, "results.json"), filepath.Join(out, "summary.yml"), filepath.Join(out, "status.json")))

	c, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	var progress bytes.Buffer
	err = runTests(context.Background(), c, &progress)
	require.ErrorIs(t, err, ErrRunFailed)

	data, err := os.ReadFile(filepath.Join(out, "results.json"))
	require.NoError(t, err)
	var rep struct {
		Summary struct {
			Detections     int `json:"detections"`
			DetectionsPass int `json:"detections_pass"`
			DetectionsFail int `json:"detections_fail"`
		} `json:"summary"`
		Detections []struct {
			Name  string `json:"name"`
			Tests []struct {
				Success            bool     `json:"success"`
				MissingObservables []string `json:"missing_observables"`
			} `json:"tests"`
		} `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, 2, rep.Summary.Detections)
	assert.Equal(t, 1, rep.Summary.DetectionsPass)
	assert.Equal(t, 1, rep.Summary.DetectionsFail)
	for _, d := range rep.Detections {
		if d.Name == "Odd Process" {
			assert.Equal(t, []string{"parent_process"}, d.Tests[0].MissingObservables)
		}
	}

	assert.FileExists(t, filepath.Join(out, "summary.yml"))
	assert.FileExists(t, filepath.Join(out, "status.json"))
	assert.Contains(t, progress.String(), "PASS Brute Force")
	assert.Contains(t, progress.String(), "FAIL Odd Process")
	assert.Zero(t, inst.EventCount(models.DefaultAttackDataIndex, models.DefaultAttackDataHost), "attack data is deleted")
}

func TestDiffCommand(t *testing.T) {
	buf := captureOutput(t)
	dir := t.TempDir()
	id := uuid.NewString()
	stanzaText := func(version int, search string) string {
		return fmt.Sprintf("[ESCU - Brute Force - Rule]\nsearch = %s\n%s = {\"detection_id\": \"%s\", \"detection_version\": \"%d\"}\n",
			search, stanza.MetadataKey, id, version)
	}
	prior := writeFile(t, filepath.Join(dir, "prior.conf"), stanzaText(1, "old"))
	bumped := writeFile(t, filepath.Join(dir, "bumped.conf"), stanzaText(2, "new"))
	unbumped := writeFile(t, filepath.Join(dir, "unbumped.conf"), stanzaText(1, "new"))

	var table bytes.Buffer
	rootCmd.SetOut(&table)
	defer rootCmd.SetOut(nil)

	rootCmd.SetArgs([]string{"diff", prior, bumped})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, table.String(), "modified")
	assert.Contains(t, table.String(), "Brute Force")
	assert.Contains(t, buf.String(), "No version bumps required")

	rootCmd.SetArgs([]string{"diff", prior, unbumped})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 detection(s) need a version bump")
	assert.Contains(t, buf.String(), "version 1 was not increased")
}
