package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/dettest/internal/apps"
	"github.com/telhawk-systems/dettest/internal/config"
	"github.com/telhawk-systems/dettest/internal/container"
	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/retry"
	"github.com/telhawk-systems/dettest/internal/runner"
	"github.com/telhawk-systems/dettest/internal/splunk"
	"github.com/telhawk-systems/dettest/internal/splunktest"
	"github.com/telhawk-systems/dettest/internal/worker"
)

type fakeBackend struct {
	inst *splunktest.Instance
	err  error
}

func (b *fakeBackend) Start(context.Context) (models.InstanceSpec, error) {
	if b.err != nil {
		return models.InstanceSpec{}, b.err
	}
	return b.inst.Spec(""), nil
}

func (b *fakeBackend) Stop(context.Context) error { return nil }

func fastBackOff(max time.Duration) backoff.BackOff {
	b := retry.NewFibonacci(max)
	b.First, b.Second = 10*time.Millisecond, 20*time.Millisecond
	b.Reset()
	return b
}

// fakeFleet hands every worker its own in-process instance.
type fakeFleet struct {
	t       *testing.T
	mu      sync.Mutex
	insts   []*splunktest.Instance
	failing map[int]error
	setup   func(*splunktest.Instance)
	built   atomic.Int32
}

func (f *fakeFleet) factory(k int, _ *apps.Staged) (worker.Backend, error) {
	f.built.Add(1)
	if err, ok := f.failing[k]; ok {
		return &fakeBackend{err: err}, nil
	}
	inst := splunktest.New()
	f.t.Cleanup(inst.Close)
	if f.setup != nil {
		f.setup(inst)
	}
	f.mu.Lock()
	f.insts = append(f.insts, inst)
	f.mu.Unlock()
	return &fakeBackend{inst: inst}, nil
}

func newManager(t *testing.T, fleet *fakeFleet, n int, opts ...Option) *Manager {
	t.Helper()
	cfg := Config{
		NumContainers:  n,
		Ordered:        true,
		AppsDir:        filepath.Join(t.TempDir(), "apps"),
		AttackDataRoot: filepath.Join(t.TempDir(), "attack_data"),
		ViewInterval:   10 * time.Millisecond,
		Worker: worker.Config{
			ReadyPollInterval: 10 * time.Millisecond,
			Runner:            runner.Config{RetryCap: time.Second},
		},
	}
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithBackendFactory(fleet.factory),
		WithWorkerOptions(
			worker.WithLogger(logging.Discard()),
			worker.WithRunnerOptions(runner.WithBackOff(fastBackOff)),
			worker.WithSplunkOptions(
				splunk.WithDeletePollInterval(10*time.Millisecond),
				splunk.WithDeleteTimeout(200*time.Millisecond)),
		),
	}, opts...)
	return New(cfg, opts...)
}

func detections(t *testing.T, n int) []*models.Detection {
	t.Helper()
	dir := t.TempDir()
	out := make([]*models.Detection, 0, n)
	for i := range n {
		p := filepath.Join(dir, fmt.Sprintf("d%d.log", i))
		event := fmt.Sprintf("action=login seq=%d user=%s src=%s\n", i, gofakeit.Username(), gofakeit.IPv4Address())
		require.NoError(t, os.WriteFile(p, []byte(event), 0o644))
		out = append(out, &models.Detection{
			ID:      uuid.New(),
			Name:    fmt.Sprintf("Detection %d", i),
			Version: 1,
			Search:  "index=a | stats count",
			Tests: []*models.Test{{
				Name:          "true positive",
				PassCondition: "| where count > 0",
				AttackData: []models.AttackData{{
					Source: "s", Sourcetype: "t", Host: fmt.Sprintf("h%d", i), Index: "a", Data: p,
				}},
			}},
		})
	}
	return out
}

// assertPartition checks every input detection ended up exactly once in
// completed or untested.
func assertPartition(t *testing.T, input []*models.Detection, res *Result) {
	t.Helper()
	seen := make(map[uuid.UUID]int)
	for _, d := range res.Completed {
		seen[d.ID]++
	}
	for _, d := range res.Untested {
		seen[d.ID]++
	}
	assert.Len(t, seen, len(input))
	for _, d := range input {
		assert.Equal(t, 1, seen[d.ID], d.Name)
	}
}

type recordingView struct {
	mu      sync.Mutex
	updates int
	final   *Snapshot
}

func (v *recordingView) Update(_ context.Context, _ Snapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.updates++
	return nil
}

func (v *recordingView) Close(_ context.Context, s Snapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.final = &s
	return nil
}

func TestRun_AllDetectionsTested(t *testing.T) {
	fleet := &fakeFleet{t: t}
	view := &recordingView{}
	m := newManager(t, fleet, 3, WithViews(view))
	input := detections(t, 6)

	res, err := m.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Len(t, res.Completed, 6)
	assert.Empty(t, res.Untested)
	assert.Empty(t, res.WorkerErrors)
	assert.True(t, res.Success())
	assert.NoError(t, res.Err())
	assertPartition(t, input, res)
	assert.EqualValues(t, 3, fleet.built.Load())

	require.NotNil(t, view.final)
	assert.True(t, view.final.Finished)
	assert.Equal(t, 6, view.final.Total)
	assert.Equal(t, 6, view.final.Passed())
	assert.Equal(t, 0, view.final.Queued)
	assert.Len(t, view.final.Workers, 3)
	for _, w := range view.final.Workers {
		assert.Equal(t, models.InstanceStopped, w.State, w.Name)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	fleet := &fakeFleet{t: t}
	m := newManager(t, fleet, 2)

	res, err := m.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Empty(t, res.Completed)
	assert.EqualValues(t, 0, fleet.built.Load())
}

func TestRun_ForceFinishLeavesRestUntested(t *testing.T) {
	var m *Manager
	var mainSearches atomic.Int32
	fleet := &fakeFleet{t: t, setup: func(inst *splunktest.Instance) {
		inst.SetResponder(func(search string) (splunktest.Response, bool) {
			if strings.Contains(search, "where count > 0") && mainSearches.Add(1) == 2 {
				m.ForceFinish().Set("interrupted")
			}
			return splunktest.Response{}, false
		})
	}}
	m = newManager(t, fleet, 1)
	input := detections(t, 10)

	res, err := m.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Len(t, res.Completed, 2)
	assert.Len(t, res.Untested, 8)
	assert.Equal(t, "interrupted", res.Reason)
	assert.False(t, res.Success())
	assert.ErrorIs(t, res.Err(), ErrUntested)
	assertPartition(t, input, res)
	for _, d := range res.Completed {
		assert.True(t, d.Summary.Success, d.Name)
	}
	for _, d := range res.Untested {
		assert.Nil(t, d.Summary, d.Name)
	}
}

func TestRun_SiblingsPickUpAfterWorkerFailure(t *testing.T) {
	boom := errors.New("port already allocated")
	fleet := &fakeFleet{t: t, failing: map[int]error{0: boom}}
	m := newManager(t, fleet, 3)
	input := detections(t, 5)

	res, err := m.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Len(t, res.Completed, 5)
	assert.Empty(t, res.Untested)
	require.Len(t, res.WorkerErrors, 1)
	var startErr *worker.InstanceStartError
	assert.ErrorAs(t, res.WorkerErrors[0], &startErr)
	assert.ErrorIs(t, res.Err(), boom)
	assert.False(t, res.Success(), "an instance failure fails the run")
	assertPartition(t, input, res)
}

func TestRun_AllWorkersFail(t *testing.T) {
	boom := errors.New("docker unavailable")
	fleet := &fakeFleet{t: t, failing: map[int]error{0: boom, 1: boom}}
	m := newManager(t, fleet, 2)
	input := detections(t, 3)

	res, err := m.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Empty(t, res.Completed)
	assert.Len(t, res.Untested, 3)
	assert.Len(t, res.WorkerErrors, 2)
	assert.False(t, res.Success())
	assertPartition(t, input, res)
}

func TestRun_StagingErrorAbortsBeforeWorkers(t *testing.T) {
	fleet := &fakeFleet{t: t}
	m := newManager(t, fleet, 2)
	m.cfg.Apps = []models.AppPackage{{AppID: "cim", RegistryURL: "https://registry.example.com/cim"}}

	_, err := m.Run(context.Background(), detections(t, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.EqualValues(t, 0, fleet.built.Load())
}

func TestRun_NoInstances(t *testing.T) {
	fleet := &fakeFleet{t: t}
	m := newManager(t, fleet, 0)

	_, err := m.Run(context.Background(), detections(t, 1))
	assert.Error(t, err)
}

func TestRun_RemoteBackend(t *testing.T) {
	inst := splunktest.New()
	t.Cleanup(inst.Close)
	spec := inst.Spec("lab-1")
	spec.Username, spec.Password = "", ""

	m := New(Config{
		Backend:        BackendRemote,
		Remote:         []models.InstanceSpec{spec},
		Username:       splunktest.Username,
		Password:       splunktest.Password,
		AppsDir:        filepath.Join(t.TempDir(), "apps"),
		AttackDataRoot: filepath.Join(t.TempDir(), "attack_data"),
		Worker: worker.Config{
			Runner: runner.Config{RetryCap: time.Second},
		},
	},
		WithLogger(logging.Discard()),
		WithWorkerOptions(
			worker.WithLogger(logging.Discard()),
			worker.WithRunnerOptions(runner.WithBackOff(fastBackOff)),
			worker.WithSplunkOptions(
				splunk.WithDeletePollInterval(10*time.Millisecond),
				splunk.WithDeleteTimeout(200*time.Millisecond)),
		))

	res, err := m.Run(context.Background(), detections(t, 2))
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Len(t, res.Completed, 2)

	snap := m.Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, "lab-1", snap.Workers[0].Name)
}

func TestIndexes(t *testing.T) {
	ds := []*models.Detection{
		{Tests: []*models.Test{{AttackData: []models.AttackData{{Index: "win"}, {}}}}},
		{Tests: []*models.Test{{AttackData: []models.AttackData{{Index: "linux"}, {Index: "win"}}}}},
	}
	assert.Equal(t, []string{"linux", "main", "win"}, indexes(ds))
}

func TestSnapshot(t *testing.T) {
	pass := &models.Detection{Summary: &models.DetectionSummary{Success: true}}
	fail := &models.Detection{Summary: &models.DetectionSummary{Success: false}}

	s := Snapshot{
		Total:     4,
		Elapsed:   10 * time.Second,
		Completed: []*models.Detection{pass, fail},
		Workers:   []worker.Status{{Detection: "x"}, {}},
	}
	assert.Equal(t, 1, s.Passed())
	assert.Equal(t, 1, s.Failed())
	assert.Equal(t, 1, s.Running())
	assert.InDelta(t, 50.0, s.Percent(), 0.001)
	assert.Equal(t, 10*time.Second, s.ETA())

	assert.Equal(t, time.Duration(0), Snapshot{Total: 2}.ETA())
	assert.InDelta(t, 100.0, Snapshot{}.Percent(), 0.001)
}

func TestManager_SnapshotBeforeRun(t *testing.T) {
	m := New(Config{NumContainers: 1})
	s := m.Snapshot()
	assert.Zero(t, s.Total)
	assert.Empty(t, s.Workers)
}

func TestRun_AttackDataRootKeepsExistingFiles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "samples")
	require.NoError(t, os.MkdirAll(root, 0o755))
	keep := filepath.Join(root, "keep.log")
	require.NoError(t, os.WriteFile(keep, []byte("action=login\n"), 0o644))

	m := newManager(t, &fakeFleet{t: t}, 1)
	m.cfg.AttackDataRoot = root

	res, err := m.Run(context.Background(), detections(t, 2))
	require.NoError(t, err)
	assert.True(t, res.Success())

	assert.FileExists(t, keep)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the run directory is removed")
	assert.Equal(t, "keep.log", entries[0].Name())
}

func TestDefaultBackend_Templates(t *testing.T) {
	templates := []container.Template{
		{HostPath: "/opt/templates/apps.tgz", ContainerPath: "/tmp/apps.tgz"},
		{HostPath: "/opt/templates/roles.tgz", ContainerPath: "/tmp/roles.tgz"},
	}
	m := New(Config{
		NumContainers: 2,
		Image:         "splunk/splunk:latest",
		Password:      "pw",
		WebPortBase:   8000,
		HECPortBase:   8088,
		Templates:     templates,
	}, WithLogger(logging.Discard()))

	backend, err := m.defaultBackend(1, &apps.Staged{Dir: "/tmp/staged"})
	require.NoError(t, err)
	sup, ok := backend.(*container.Supervisor)
	require.True(t, ok)

	req := sup.Request()
	require.Len(t, req.Files, 2)
	for i, f := range req.Files {
		assert.Equal(t, templates[i].HostPath, f.HostFilePath)
		assert.Equal(t, templates[i].ContainerPath, f.ContainerFilePath)
	}
	assert.Equal(t, "dettest_1", req.Name)
}
