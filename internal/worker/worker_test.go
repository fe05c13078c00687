package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/dettest/internal/attackdata"
	"github.com/telhawk-systems/dettest/internal/lifecycle"
	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/queue"
	"github.com/telhawk-systems/dettest/internal/retry"
	"github.com/telhawk-systems/dettest/internal/runner"
	"github.com/telhawk-systems/dettest/internal/splunk"
	"github.com/telhawk-systems/dettest/internal/splunktest"
)

type fakeBackend struct {
	inst     *splunktest.Instance
	startErr error
	started  atomic.Int32
	stopped  atomic.Int32
}

func (b *fakeBackend) Start(context.Context) (models.InstanceSpec, error) {
	b.started.Add(1)
	if b.startErr != nil {
		return models.InstanceSpec{}, b.startErr
	}
	return b.inst.Spec(""), nil
}

func (b *fakeBackend) Stop(context.Context) error {
	b.stopped.Add(1)
	return nil
}

func fastBackOff(max time.Duration) backoff.BackOff {
	b := retry.NewFibonacci(max)
	b.First, b.Second = 10*time.Millisecond, 20*time.Millisecond
	b.Reset()
	return b
}

type harness struct {
	inst    *splunktest.Instance
	backend *fakeBackend
	input   *queue.Input
	output  *queue.Output
	finish  *lifecycle.ForceFinish
	data    *attackdata.Materializer
	dir     string
}

func newHarness(t *testing.T, detections ...*models.Detection) *harness {
	t.Helper()
	inst := splunktest.New()
	t.Cleanup(inst.Close)

	data, err := attackdata.New(filepath.Join(t.TempDir(), "attack_data"))
	require.NoError(t, err)

	return &harness{
		inst:    inst,
		backend: &fakeBackend{inst: inst},
		input:   queue.NewInput(detections, true),
		output:  queue.NewOutput(),
		finish:  lifecycle.NewForceFinish(),
		data:    data,
		dir:     t.TempDir(),
	}
}

func (h *harness) worker(cfg Config, opts ...Option) *Worker {
	if cfg.Name == "" {
		cfg.Name = "worker-0"
	}
	if cfg.ReadyPollInterval == 0 {
		cfg.ReadyPollInterval = 10 * time.Millisecond
	}
	if cfg.Runner.RetryCap == 0 {
		cfg.Runner.RetryCap = time.Second
	}
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithRunnerOptions(runner.WithBackOff(fastBackOff)),
		WithSplunkOptions(
			splunk.WithDeletePollInterval(10*time.Millisecond),
			splunk.WithDeleteTimeout(200*time.Millisecond)),
	}, opts...)
	return New(cfg, h.backend, h.input, h.output, h.finish, h.data, opts...)
}

func (h *harness) detection(t *testing.T, name string, tests int) *models.Detection {
	t.Helper()
	p := filepath.Join(h.dir, uuid.NewString()+".log")
	require.NoError(t, os.WriteFile(p, []byte("action=login user="+name+"\n"), 0o644))

	d := &models.Detection{
		ID:      uuid.New(),
		Name:    name,
		Version: 1,
		Search:  "index=a | stats count",
	}
	for i := range tests {
		d.Tests = append(d.Tests, &models.Test{
			Name:          strings.Repeat("t", i+1),
			PassCondition: "| where count > 0",
			AttackData: []models.AttackData{{
				Source: "s", Sourcetype: "t", Host: "h", Index: "a", Data: p,
			}},
		})
	}
	return d
}

func TestRun_ProcessesQueue(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"a", "b", "c"} {
		h.input.Push(h.detection(t, name, 1))
	}

	var hooked models.InstanceSpec
	w := h.worker(Config{DataModelApp: DefaultDataModelApp, Indexes: []string{"a", "main"}},
		WithReadyHook(func(_ context.Context, spec models.InstanceSpec) { hooked = spec }))
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, models.InstanceStopped, w.State())
	assert.Equal(t, 0, h.input.Len())
	require.Equal(t, 3, h.output.Len())
	for _, d := range h.output.Items() {
		require.NotNil(t, d.Summary, d.Name)
		assert.True(t, d.Summary.Success, d.Name)
	}
	assert.EqualValues(t, 1, h.backend.started.Load())
	assert.EqualValues(t, 1, h.backend.stopped.Load())
	assert.Equal(t, "worker-0", hooked.Name)

	st := w.Status()
	assert.Equal(t, 3, st.Completed)
	assert.Empty(t, st.Detection)
	assert.NoError(t, st.Err)

	// Configuration steps reached the instance.
	assert.ElementsMatch(t, DefaultImportedRoles, h.inst.ImportedRoles(DefaultRole))
	assert.Equal(t, "_*;*", h.inst.DeleteIndexesAllowed(DefaultRole))
	props := h.inst.ConfProperties(DefaultDataModelApp, DefaultDataModelConf, "Endpoint")
	assert.Equal(t, "true", props["acceleration"])
	assert.Equal(t, "-1y", props["acceleration.earliest_time"])
	assert.NotEmpty(t, h.inst.HECToken(DefaultHECInputName))
}

func TestRun_EmptyQueue(t *testing.T) {
	h := newHarness(t)
	w := h.worker(Config{})

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, models.InstanceStopped, w.State())
	assert.Equal(t, 0, h.output.Len())
	assert.EqualValues(t, 1, h.backend.stopped.Load())
}

func TestRun_WaitsForReadiness(t *testing.T) {
	h := newHarness(t)
	h.input.Push(h.detection(t, "a", 1))
	h.inst.SetRestartRequired(3)
	h.inst.SetConfMissing(2)

	w := h.worker(Config{ReadyTimeout: 5 * time.Second, DataModelApp: DefaultDataModelApp, ConfTimeout: 5 * time.Second})
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, 1, h.output.Len())
}

func TestRun_NotReady(t *testing.T) {
	h := newHarness(t)
	h.input.Push(h.detection(t, "a", 1))
	h.inst.SetRestartRequired(1000)

	// A zero ready timeout checks once.
	w := h.worker(Config{})
	err := w.Run(context.Background())

	var startErr *InstanceStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "worker-0", startErr.Instance)
	assert.ErrorIs(t, err, errRestartRequired)
	assert.Equal(t, models.InstanceError, w.State())
	assert.Equal(t, 1, h.input.Len(), "detection must stay queued for other workers")
	assert.EqualValues(t, 1, h.backend.stopped.Load())
	assert.Error(t, w.Status().Err)
}

func TestRun_StartFailure(t *testing.T) {
	h := newHarness(t)
	h.input.Push(h.detection(t, "a", 1))
	boom := errors.New("image pull failed")
	h.backend.startErr = boom

	w := h.worker(Config{})
	err := w.Run(context.Background())

	var startErr *InstanceStartError
	require.ErrorAs(t, err, &startErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, models.InstanceError, w.State())
	assert.Equal(t, 1, h.input.Len())
}

func TestRun_ForceFinishBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.input.Push(h.detection(t, "a", 1))
	h.finish.Set("interrupted")

	w := h.worker(Config{ReadyTimeout: time.Second})
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, models.InstanceStopped, w.State())
	assert.Equal(t, 1, h.input.Len())
	assert.Equal(t, 0, h.output.Len())
}

func TestRun_ForceFinishReturnsAbandonedDetection(t *testing.T) {
	h := newHarness(t)
	first := h.detection(t, "first", 2)
	second := h.detection(t, "second", 1)
	h.input.Push(second)
	h.input.Push(first)

	// Raise force-finish while the first test of the first detection runs.
	h.inst.SetResponder(func(string) (splunktest.Response, bool) {
		h.finish.Set("interrupted")
		return splunktest.Response{}, false
	})

	w := h.worker(Config{})
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 0, h.output.Len())
	require.Equal(t, 2, h.input.Len())
	assert.Same(t, first, h.input.Drain()[0])
	for _, tt := range first.Tests {
		assert.Nil(t, tt.Result, "abandoned detection keeps no partial results")
	}
	assert.Equal(t, models.InstanceStopped, w.State())
}

func TestRun_CompletedDetectionWithFailure(t *testing.T) {
	h := newHarness(t)
	d := h.detection(t, "a", 1)
	d.Tests[0].PassCondition = "| where count > 5"
	h.input.Push(d)
	h.inst.SetResponder(func(search string) (splunktest.Response, bool) {
		if strings.Contains(search, "where count > 5") {
			return splunktest.Response{}, true
		}
		return splunktest.Response{}, false
	})

	w := h.worker(Config{Runner: runner.Config{RetryCap: 50 * time.Millisecond}})
	require.NoError(t, w.Run(context.Background()))

	require.Equal(t, 1, h.output.Len())
	assert.False(t, d.Summary.Success)
	assert.False(t, d.Tests[0].Result.Success)
}

func TestRemote(t *testing.T) {
	spec := models.InstanceSpec{Name: "remote-0", Address: "splunk.example.com", MgmtPort: 8089}
	r := Remote{Spec: spec}

	got, err := r.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, spec, got)
	assert.NoError(t, r.Stop(context.Background()))
}

func TestLoadDataModelTemplate(t *testing.T) {
	def, err := LoadDataModelTemplate("")
	require.NoError(t, err)
	require.NotEmpty(t, def)
	assert.Equal(t, "Authentication", def[0].Name)

	p := filepath.Join(t.TempDir(), "dm.conf")
	require.NoError(t, os.WriteFile(p, []byte("[Custom]\nacceleration = false\n"), 0o600))
	got, err := LoadDataModelTemplate(p)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]string{"acceleration": "false"}, got[0].Map())

	bad := filepath.Join(t.TempDir(), "bad.conf")
	require.NoError(t, os.WriteFile(bad, []byte("[Custom\n"), 0o600))
	_, err = LoadDataModelTemplate(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad)
}

func TestInstanceStartError(t *testing.T) {
	inner := errors.New("boom")
	err := &InstanceStartError{Instance: "w1", Err: inner}
	assert.Equal(t, "instance w1: boom", err.Error())
	assert.ErrorIs(t, err, inner)
}
