// Package pool runs a set of detections across N instances. Every worker
// pulls from one shared queue; the run ends when the queue is empty, every
// worker has stopped or force-finish is raised.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/dettest/internal/apps"
	"github.com/telhawk-systems/dettest/internal/attackdata"
	"github.com/telhawk-systems/dettest/internal/container"
	"github.com/telhawk-systems/dettest/internal/lifecycle"
	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/metrics"
	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/queue"
	"github.com/telhawk-systems/dettest/internal/worker"
)

const (
	BackendContainer = "container"
	BackendRemote    = "remote"

	DefaultViewInterval = time.Second
)

// ErrUntested is reported when detections were left in the queue.
var ErrUntested = errors.New("detections left untested")

// Config describes the instances of a run.
type Config struct {
	Backend       string
	NumContainers int
	// Remote lists pre-existing instances for the remote backend.
	Remote []models.InstanceSpec

	Image          string
	Username       string
	Password       string
	WebPortBase    int
	HECPortBase    int
	StartupTimeout time.Duration

	Apps             []models.AppPackage
	AppsDir          string
	BaseDir          string
	RegistryUsername string
	RegistryPassword string
	// Templates are copied into every container before it starts.
	Templates []container.Template

	// AttackDataRoot is the parent of the run's attack-data directory, which
	// is created fresh and removed at the end. The system temp directory is
	// used when empty.
	AttackDataRoot string
	// Ordered keeps the input order instead of shuffling.
	Ordered       bool
	HandleSignals bool
	ViewInterval  time.Duration

	// Worker is the template for every worker. Name and Indexes are filled
	// in per run.
	Worker worker.Config
}

// Instances is the number of workers the config produces.
func (c Config) Instances() int {
	if c.Backend == BackendRemote {
		return len(c.Remote)
	}
	return c.NumContainers
}

// View renders progress. Update is called periodically and Close once with
// the final snapshot.
type View interface {
	Update(ctx context.Context, s Snapshot) error
	Close(ctx context.Context, s Snapshot) error
}

// BackendFactory builds the backend of worker k.
type BackendFactory func(k int, staged *apps.Staged) (worker.Backend, error)

// Result is the outcome of a run.
type Result struct {
	RunID        string
	Started      time.Time
	Elapsed      time.Duration
	Completed    []*models.Detection
	Untested     []*models.Detection
	WorkerErrors []error
	// Reason is the force-finish reason, if any.
	Reason string
}

// Passed counts completed detections whose tests all passed.
func (r *Result) Passed() int {
	n := 0
	for _, d := range r.Completed {
		if d.Summary != nil && d.Summary.Success {
			n++
		}
	}
	return n
}

// Success is true when every detection was tested and passed and no
// instance failed.
func (r *Result) Success() bool {
	return len(r.Untested) == 0 && len(r.WorkerErrors) == 0 && r.Passed() == len(r.Completed)
}

// Err summarises infrastructure problems: worker errors and untested
// detections. Failing detections are not errors.
func (r *Result) Err() error {
	errs := slices.Clone(r.WorkerErrors)
	if len(r.Untested) > 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrUntested, len(r.Untested)))
	}
	return errors.Join(errs...)
}

// Manager owns the queues and workers of one run.
type Manager struct {
	cfg        Config
	logger     *logging.Logger
	finish     *lifecycle.ForceFinish
	views      []View
	backends   BackendFactory
	workerOpts []worker.Option

	mu      sync.Mutex
	runID   string
	started time.Time
	input   *queue.Input
	output  *queue.Output
	workers []*worker.Worker
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithViews adds progress views.
func WithViews(views ...View) Option {
	return func(m *Manager) { m.views = append(m.views, views...) }
}

// WithBackendFactory replaces how worker backends are built.
func WithBackendFactory(f BackendFactory) Option {
	return func(m *Manager) { m.backends = f }
}

// WithWorkerOptions appends options for every worker.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(m *Manager) { m.workerOpts = append(m.workerOpts, opts...) }
}

// WithForceFinish shares a force-finish flag with the caller.
func WithForceFinish(f *lifecycle.ForceFinish) Option {
	return func(m *Manager) { m.finish = f }
}

// New creates a Manager.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.Backend == "" {
		cfg.Backend = BackendContainer
	}
	if cfg.WebPortBase == 0 {
		cfg.WebPortBase = container.DefaultWebPortBase
	}
	if cfg.HECPortBase == 0 {
		cfg.HECPortBase = container.DefaultHECPortBase
	}
	if cfg.ViewInterval <= 0 {
		cfg.ViewInterval = DefaultViewInterval
	}
	m := &Manager{
		cfg:    cfg,
		logger: logging.Default(),
		finish: lifecycle.NewForceFinish(),
	}
	m.backends = m.defaultBackend
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ForceFinish returns the run's force-finish flag.
func (m *Manager) ForceFinish() *lifecycle.ForceFinish { return m.finish }

func (m *Manager) defaultBackend(k int, staged *apps.Staged) (worker.Backend, error) {
	if m.cfg.Backend == BackendRemote {
		spec := m.cfg.Remote[k]
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("remote_%d", k)
		}
		if spec.Username == "" {
			spec.Username = m.cfg.Username
		}
		if spec.Password == "" {
			spec.Password = m.cfg.Password
		}
		return worker.Remote{Spec: spec}, nil
	}

	n := m.cfg.Instances()
	return container.New(container.Options{
		Name:             fmt.Sprintf("dettest_%d", k),
		Image:            m.cfg.Image,
		Ports:            container.AssignPorts(k, n, m.cfg.WebPortBase, m.cfg.HECPortBase),
		Username:         m.cfg.Username,
		Password:         m.cfg.Password,
		AppsDir:          staged.Dir,
		AppLocators:      staged.Locators(container.AppsMountPath),
		RegistryUsername: m.cfg.RegistryUsername,
		RegistryPassword: m.cfg.RegistryPassword,
		Templates:        m.cfg.Templates,
		StartupTimeout:   m.cfg.StartupTimeout,
	}, m.logger.With("worker", k)), nil
}

// Run tests detections and blocks until the run is over. The returned error
// is non-nil only for problems found before any worker started; instance
// failures and untested detections are reported on the Result.
func (m *Manager) Run(ctx context.Context, detections []*models.Detection) (*Result, error) {
	runID := uuid.NewString()
	started := time.Now()
	log := m.logger.With("run_id", runID)

	if len(detections) == 0 {
		log.InfoContext(ctx, "no detections to test")
		return &Result{RunID: runID, Started: started}, nil
	}

	n := m.cfg.Instances()
	if n < 1 {
		return nil, fmt.Errorf("at least one instance is required, got %d", n)
	}

	appsDir := m.cfg.AppsDir
	if appsDir == "" {
		appsDir = filepath.Join(os.TempDir(), "dettest-apps-"+runID)
		defer os.RemoveAll(appsDir)
	}
	// Bind mounts need an absolute host path.
	if abs, err := filepath.Abs(appsDir); err == nil {
		appsDir = abs
	}
	staged, err := apps.Stage(ctx, m.cfg.Apps, apps.Options{
		Dir:              appsDir,
		BaseDir:          m.cfg.BaseDir,
		RegistryUsername: m.cfg.RegistryUsername,
		RegistryPassword: m.cfg.RegistryPassword,
		Logger:           m.logger,
	})
	if err != nil {
		return nil, err
	}

	if m.cfg.AttackDataRoot != "" {
		if err := os.MkdirAll(m.cfg.AttackDataRoot, 0o755); err != nil {
			return nil, fmt.Errorf("attack data directory: %w", err)
		}
	}
	root, err := os.MkdirTemp(m.cfg.AttackDataRoot, "dettest-attack-data-"+runID+"-")
	if err != nil {
		return nil, fmt.Errorf("attack data directory: %w", err)
	}
	data, err := attackdata.New(root, attackdata.WithBaseDir(m.cfg.BaseDir))
	if err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("attack data directory: %w", err)
	}
	defer func() {
		if err := data.Cleanup(); err != nil {
			log.WarnContext(ctx, "failed to remove attack data", logging.Error(err))
		}
	}()

	input := queue.NewInput(detections, m.cfg.Ordered)
	output := queue.NewOutput()
	metrics.QueueDepth.Set(float64(input.Len()))

	wcfg := m.cfg.Worker
	wcfg.Indexes = indexes(detections)
	workers := make([]*worker.Worker, 0, n)
	for k := range n {
		backend, err := m.backends(k, staged)
		if err != nil {
			return nil, fmt.Errorf("backend %d: %w", k, err)
		}
		cfg := wcfg
		cfg.Name = fmt.Sprintf("dettest_%d", k)
		if m.cfg.Backend == BackendRemote && m.cfg.Remote[k].Name != "" {
			cfg.Name = m.cfg.Remote[k].Name
		}
		opts := append([]worker.Option{worker.WithLogger(m.logger)}, m.workerOpts...)
		workers = append(workers, worker.New(cfg, backend, input, output, m.finish, data, opts...))
	}

	m.mu.Lock()
	m.runID, m.started = runID, started
	m.input, m.output, m.workers = input, output, workers
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if m.cfg.HandleSignals {
		stop := m.handleSignals(runCtx, cancel)
		defer stop()
	}

	viewsDone := m.startViews(runCtx)

	log.InfoContext(ctx, "run started", "detections", len(detections), "instances", n, "backend", m.cfg.Backend)

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		wrkErrs []error
	)
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(runCtx); err != nil {
				errMu.Lock()
				wrkErrs = append(wrkErrs, err)
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	res := &Result{
		RunID:        runID,
		Started:      started,
		Elapsed:      time.Since(started),
		Completed:    output.Items(),
		Untested:     input.Drain(),
		WorkerErrors: wrkErrs,
		Reason:       m.finish.Reason(),
	}
	metrics.QueueDepth.Set(0)

	viewsDone()

	log.InfoContext(ctx, "run finished",
		"completed", len(res.Completed),
		"passed", res.Passed(),
		"untested", len(res.Untested),
		"worker_errors", len(res.WorkerErrors),
		logging.Duration(res.Elapsed))
	return res, nil
}

// Snapshot returns the current progress. It is safe to call at any time.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	input, output, workers := m.input, m.output, m.workers
	s := Snapshot{RunID: m.runID, Started: m.started}
	m.mu.Unlock()

	if input == nil {
		return s
	}
	s.Elapsed = time.Since(s.Started)
	s.Total = input.Total()
	s.Queued = input.Len()
	s.Completed = output.Items()
	s.Reason = m.finish.Reason()
	s.Workers = make([]worker.Status, 0, len(workers))
	for _, w := range workers {
		s.Workers = append(s.Workers, w.Status())
	}
	return s
}

// startViews updates every view each interval until the returned function is
// called, which renders the final snapshot and closes the views.
func (m *Manager) startViews(ctx context.Context) func() {
	if len(m.views) == 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(m.cfg.ViewInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				s := m.Snapshot()
				for _, v := range m.views {
					if err := v.Update(ctx, s); err != nil {
						m.logger.DebugContext(ctx, "view update failed", logging.Error(err))
					}
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		s := m.Snapshot()
		s.Finished = true
		closeCtx := context.WithoutCancel(ctx)
		for _, v := range m.views {
			if err := v.Close(closeCtx, s); err != nil {
				m.logger.WarnContext(ctx, "view close failed", logging.Error(err))
			}
		}
	}
}

// handleSignals raises force-finish on the first interrupt and cancels the
// run on the second.
func (m *Manager) handleSignals(ctx context.Context, cancel context.CancelFunc) func() {
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-quit:
			m.logger.WarnContext(ctx, "finishing in-flight tests, interrupt again to abort", "signal", sig.String())
			m.finish.Set("interrupted by " + sig.String())
		case <-ctx.Done():
			return
		}
		select {
		case <-quit:
			m.logger.WarnContext(ctx, "aborting run")
			cancel()
		case <-ctx.Done():
		}
	}()
	return func() { signal.Stop(quit) }
}

// indexes lists every index attack data is replayed into.
func indexes(detections []*models.Detection) []string {
	seen := map[string]struct{}{models.DefaultAttackDataIndex: {}}
	for _, d := range detections {
		for _, t := range d.Tests {
			for _, ad := range t.AttackData {
				seen[ad.WithDefaults().Index] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}
