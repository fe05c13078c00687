// Package worker drives one analytics instance: start it, wait until it is
// ready, configure it, then run detections from the shared queue until the
// queue is empty or the run is cancelled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/telhawk-systems/dettest/internal/attackdata"
	"github.com/telhawk-systems/dettest/internal/hec"
	"github.com/telhawk-systems/dettest/internal/lifecycle"
	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/metrics"
	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/queue"
	"github.com/telhawk-systems/dettest/internal/retry"
	"github.com/telhawk-systems/dettest/internal/runner"
	"github.com/telhawk-systems/dettest/internal/splunk"
	"github.com/telhawk-systems/dettest/internal/stanza"
)

const (
	DefaultReadyPollInterval = 5 * time.Second
	DefaultConfTimeout       = 10 * time.Minute
	DefaultStopTimeout       = 2 * time.Minute
	DefaultRole              = "admin"
	DefaultHECInputName      = "dettest"
	DefaultDataModelApp      = "Splunk_SA_CIM"
	DefaultDataModelConf     = "datamodels"
)

var (
	// DefaultImportedRoles are granted to the operator role so it may delete
	// events.
	DefaultImportedRoles = []string{"can_delete", "power", "user"}
	// DefaultDeleteIndexes permits deletion on every index.
	DefaultDeleteIndexes = []string{"_*", "*"}
)

// InstanceStartError means the instance could not be started, become ready
// or be configured. The worker is in the error state.
type InstanceStartError struct {
	Instance string
	Err      error
}

func (e *InstanceStartError) Error() string {
	return fmt.Sprintf("instance %s: %v", e.Instance, e.Err)
}

func (e *InstanceStartError) Unwrap() error { return e.Err }

// Config tunes a Worker.
type Config struct {
	Name string

	// ReadyTimeout bounds the readiness wait. Zero means a single check.
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	// ConfTimeout bounds the wait for the data-model configuration file.
	ConfTimeout time.Duration
	StopTimeout time.Duration

	Role          string
	ImportedRoles []string
	DeleteIndexes []string

	// DataModelApp and DataModelConf locate the data-model configuration.
	// An empty DataModelApp skips the data-model steps.
	DataModelApp      string
	DataModelConf     string
	DataModelTemplate []stanza.Section

	HECInputName string
	// Index is the default index of the ingestion endpoint and Indexes every
	// index attack data may target.
	Index   string
	Indexes []string

	SearchTimeout time.Duration
	DeleteTimeout time.Duration
	AckTimeout    time.Duration

	Runner runner.Config
}

func (c *Config) setDefaults() {
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = DefaultReadyPollInterval
	}
	if c.ConfTimeout <= 0 {
		c.ConfTimeout = DefaultConfTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Role == "" {
		c.Role = DefaultRole
	}
	if c.ImportedRoles == nil {
		c.ImportedRoles = DefaultImportedRoles
	}
	if c.DeleteIndexes == nil {
		c.DeleteIndexes = DefaultDeleteIndexes
	}
	if c.DataModelConf == "" {
		c.DataModelConf = DefaultDataModelConf
	}
	if c.DataModelApp != "" && c.DataModelTemplate == nil {
		c.DataModelTemplate = DefaultDataModelTemplate()
	}
	if c.HECInputName == "" {
		c.HECInputName = DefaultHECInputName
	}
	if c.Index == "" {
		c.Index = models.DefaultAttackDataIndex
	}
}

// Status is a point-in-time view of a worker.
type Status struct {
	Name      string
	State     models.InstanceState
	Instance  models.InstanceSpec
	Detection string
	Completed int
	Err       error
}

// Worker owns one instance and its runner.
type Worker struct {
	cfg     Config
	backend Backend
	input   *queue.Input
	output  *queue.Output
	finish  *lifecycle.ForceFinish
	data    *attackdata.Materializer
	logger  *logging.Logger

	pauser      runner.Pauser
	runnerOpts  []runner.Option
	splunkOpts  []splunk.Option
	hecOpts     []hec.Option
	afterConfig func(context.Context, models.InstanceSpec)

	state     atomic.Int32
	current   atomic.Pointer[models.Detection]
	completed atomic.Int64

	mu   sync.Mutex
	spec models.InstanceSpec
	err  error
}

// Option customises a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithPauser sets the pauser handed to the runner.
func WithPauser(p runner.Pauser) Option {
	return func(w *Worker) { w.pauser = p }
}

// WithRunnerOptions appends options for the runner.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(w *Worker) { w.runnerOpts = append(w.runnerOpts, opts...) }
}

// WithSplunkOptions appends options for the management client.
func WithSplunkOptions(opts ...splunk.Option) Option {
	return func(w *Worker) { w.splunkOpts = append(w.splunkOpts, opts...) }
}

// WithHECOptions appends options for the ingestion client.
func WithHECOptions(opts ...hec.Option) Option {
	return func(w *Worker) { w.hecOpts = append(w.hecOpts, opts...) }
}

// WithReadyHook runs fn once the instance is configured.
func WithReadyHook(fn func(context.Context, models.InstanceSpec)) Option {
	return func(w *Worker) { w.afterConfig = fn }
}

// New creates a stopped Worker.
func New(cfg Config, backend Backend, input *queue.Input, output *queue.Output,
	finish *lifecycle.ForceFinish, data *attackdata.Materializer, opts ...Option) *Worker {
	cfg.setDefaults()
	w := &Worker{
		cfg:     cfg,
		backend: backend,
		input:   input,
		output:  output,
		finish:  finish,
		data:    data,
		logger:  logging.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	metrics.InstanceState.WithLabelValues(cfg.Name).Set(float64(models.InstanceStopped))
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.cfg.Name }

// State returns the current lifecycle state.
func (w *Worker) State() models.InstanceState {
	return models.InstanceState(w.state.Load())
}

// Status returns a snapshot for progress views.
func (w *Worker) Status() Status {
	s := Status{
		Name:      w.cfg.Name,
		State:     w.State(),
		Completed: int(w.completed.Load()),
	}
	if d := w.current.Load(); d != nil {
		s.Detection = d.Name
	}
	w.mu.Lock()
	s.Instance = w.spec
	s.Err = w.err
	w.mu.Unlock()
	return s
}

func (w *Worker) setState(ctx context.Context, to models.InstanceState) {
	from := w.State()
	if from == to {
		return
	}
	if !models.CanTransition(from, to) {
		w.logger.WarnContext(ctx, "illegal instance state transition",
			"from", from.String(), "to", to.String())
		return
	}
	w.state.Store(int32(to))
	metrics.InstanceState.WithLabelValues(w.cfg.Name).Set(float64(to))
	w.logger.InfoContext(ctx, "instance state changed", logging.State(to.String()))
}

// fail moves the worker to the error state and releases the backend.
func (w *Worker) fail(ctx context.Context, err error) error {
	w.setState(ctx, models.InstanceError)
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.logger.ErrorContext(ctx, "instance failed", logging.Error(err))

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.StopTimeout)
	defer cancel()
	if stopErr := w.backend.Stop(stopCtx); stopErr != nil {
		w.logger.WarnContext(ctx, "failed to release instance", logging.Error(stopErr))
	}
	return &InstanceStartError{Instance: w.cfg.Name, Err: err}
}

// Run drives the instance until the input queue is empty or force-finish is
// raised. Detections are never lost: one abandoned by a cancelled runner goes
// back on the input queue. A non-nil error is an *InstanceStartError or a
// failure to stop the instance.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logging.WithInstance(ctx, w.cfg.Name)

	w.setState(ctx, models.InstanceStarting)
	spec, err := w.backend.Start(ctx)
	if err != nil {
		return w.fail(ctx, fmt.Errorf("start: %w", err))
	}
	if spec.Name == "" {
		spec.Name = w.cfg.Name
	}
	w.mu.Lock()
	w.spec = spec
	w.mu.Unlock()

	client := splunk.NewClient(spec.MgmtURL(), spec.Username, spec.Password, w.splunkClientOptions()...)

	// Readiness and configuration waits end early on force-finish.
	waitCtx, cancel := w.finish.Context(ctx)
	defer cancel()

	if err := w.waitReady(waitCtx, client); err != nil {
		if lifecycle.Cancelled(err) {
			return w.shutdown(ctx)
		}
		return w.fail(ctx, err)
	}

	token, err := w.configure(waitCtx, client)
	if err != nil {
		if lifecycle.Cancelled(err) {
			return w.shutdown(ctx)
		}
		return w.fail(ctx, err)
	}
	if w.afterConfig != nil {
		w.afterConfig(ctx, spec)
	}

	ingest := hec.NewClient(spec.HECURL(), token, w.hecClientOptions()...)
	rcfg := w.cfg.Runner
	rcfg.Instance = spec
	opts := append([]runner.Option{
		runner.WithLogger(w.logger),
		runner.WithForceFinish(w.finish),
	}, w.runnerOpts...)
	if w.pauser != nil {
		opts = append(opts, runner.WithPauser(w.pauser))
	}
	run := runner.New(rcfg, ingest, client, w.data, opts...)

	w.setState(ctx, models.InstanceRunning)
	w.loop(ctx, run)
	return w.shutdown(ctx)
}

func (w *Worker) splunkClientOptions() []splunk.Option {
	var opts []splunk.Option
	if w.cfg.SearchTimeout > 0 {
		opts = append(opts, splunk.WithSearchTimeout(w.cfg.SearchTimeout))
	}
	if w.cfg.DeleteTimeout > 0 {
		opts = append(opts, splunk.WithDeleteTimeout(w.cfg.DeleteTimeout))
	}
	return append(opts, w.splunkOpts...)
}

func (w *Worker) hecClientOptions() []hec.Option {
	opts := []hec.Option{hec.WithChannel(uuid.NewString())}
	if w.cfg.AckTimeout > 0 {
		opts = append(opts, hec.WithAckTimeout(w.cfg.AckTimeout))
	}
	return append(opts, w.hecOpts...)
}

func (w *Worker) loop(ctx context.Context, run *runner.Runner) {
	log := w.logger.WithContext(ctx)
	for !w.finish.IsSet() && ctx.Err() == nil {
		d, ok := w.input.Pop()
		if !ok {
			log.Info("input queue empty")
			return
		}
		metrics.QueueDepth.Set(float64(w.input.Len()))

		w.current.Store(d)
		err := w.runDetection(ctx, run, d)
		w.current.Store(nil)

		if errors.Is(err, lifecycle.ErrCancelled) {
			w.input.Push(d)
			metrics.QueueDepth.Set(float64(w.input.Len()))
			log.Info("detection returned to queue", logging.Name(d.Name))
			return
		}
		if err := w.output.Push(d); err != nil {
			log.Warn("detection completed twice", logging.Name(d.Name), logging.Error(err))
			continue
		}
		w.completed.Add(1)
	}
}

// runDetection converts a panic inside the runner into exception results on
// every test of d.
func (w *Worker) runDetection(ctx context.Context, run *runner.Runner, d *models.Detection) (err error) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.ErrorContext(ctx, "detection panicked",
				logging.Name(d.Name), "panic", p, "stack", string(debug.Stack()))
			msg := fmt.Sprintf("internal error: %v", p)
			for _, t := range d.Tests {
				if t.Result == nil {
					t.Result = models.NewExceptionResult(msg)
				}
			}
			d.Summarize()
			err = nil
		}
	}()
	return run.Run(ctx, d)
}

func (w *Worker) shutdown(ctx context.Context) error {
	w.setState(ctx, models.InstanceStopping)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.StopTimeout)
	defer cancel()
	if err := w.backend.Stop(stopCtx); err != nil {
		w.setState(ctx, models.InstanceError)
		err = fmt.Errorf("stop instance %s: %w", w.cfg.Name, err)
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		return err
	}
	w.setState(ctx, models.InstanceStopped)
	return nil
}

// poll retries op every ReadyPollInterval until it succeeds, limit passes
// or ctx is done. A zero limit tries once.
func (w *Worker) poll(ctx context.Context, limit time.Duration, op func() error) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if limit > 0 {
		b = retry.Constant(w.cfg.ReadyPollInterval, limit)
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

var errRestartRequired = errors.New("restart required")

func (w *Worker) waitReady(ctx context.Context, client *splunk.Client) error {
	log := w.logger.WithContext(ctx)
	start := time.Now()
	attempt := 0
	err := w.poll(ctx, w.cfg.ReadyTimeout, func() error {
		attempt++
		restart, err := client.RestartRequired(ctx)
		if err != nil {
			log.Debug("instance not reachable yet", logging.Attempt(attempt), logging.Error(err))
			return err
		}
		if restart {
			return errRestartRequired
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("not ready after %s: %w", time.Since(start).Round(time.Second), err)
	}
	log.Info("instance ready", logging.Duration(time.Since(start)), logging.Attempt(attempt))
	return nil
}

var errConfMissing = errors.New("configuration file not present")

// configure applies the idempotent setup steps and returns the ingestion
// token.
func (w *Worker) configure(ctx context.Context, client *splunk.Client) (string, error) {
	log := w.logger.WithContext(ctx)

	if err := client.GrantRoles(ctx, w.cfg.Role, w.cfg.ImportedRoles); err != nil {
		return "", fmt.Errorf("grant roles: %w", err)
	}
	if err := client.SetDeleteIndexesAllowed(ctx, w.cfg.Role, w.cfg.DeleteIndexes); err != nil {
		return "", fmt.Errorf("allow deletes: %w", err)
	}

	if w.cfg.DataModelApp != "" {
		err := w.poll(ctx, w.cfg.ConfTimeout, func() error {
			ok, err := client.ConfExists(ctx, w.cfg.DataModelApp, w.cfg.DataModelConf)
			if err != nil {
				return err
			}
			if !ok {
				return errConfMissing
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("wait for %s/%s.conf: %w", w.cfg.DataModelApp, w.cfg.DataModelConf, err)
		}

		for _, sec := range w.cfg.DataModelTemplate {
			if err := client.SetConfProperties(ctx, w.cfg.DataModelApp, w.cfg.DataModelConf, sec.Name, sec.Map()); err != nil {
				return "", fmt.Errorf("apply data-model settings for %s: %w", sec.Name, err)
			}
		}
		log.Info("data-model settings applied", "sections", len(w.cfg.DataModelTemplate))
	}

	token, err := client.EnsureHECInput(ctx, splunk.HECInput{
		Name:    w.cfg.HECInputName,
		Index:   w.cfg.Index,
		Indexes: w.cfg.Indexes,
	})
	if err != nil {
		return "", fmt.Errorf("ingestion endpoint: %w", err)
	}
	log.Info("instance configured")
	return token, nil
}
