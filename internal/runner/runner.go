// Package runner executes the tests of one detection against one instance:
// replay attack data, run baselines, search with bounded retries, check
// observables, optionally pause, and always delete what was replayed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/dettest/internal/attackdata"
	"github.com/telhawk-systems/dettest/internal/hec"
	"github.com/telhawk-systems/dettest/internal/lifecycle"
	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/metrics"
	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/retry"
	"github.com/telhawk-systems/dettest/internal/splunk"
)

// DefaultRetryCap bounds the retry loop of one search.
const DefaultRetryCap = 120 * time.Second

var (
	// ErrNoResults means the search ran and matched nothing.
	ErrNoResults = errors.New("search returned no results")
	// ErrObservablesMissing means the search matched but no result carried
	// every required observable.
	ErrObservablesMissing = errors.New("required observables missing")
)

// Ingester uploads attack data.
type Ingester interface {
	Send(ctx context.Context, body io.Reader, meta hec.EventMeta) error
}

// Searcher runs searches and cleans up replayed data.
type Searcher interface {
	RunBlocking(ctx context.Context, search string, opts splunk.SearchOptions) (*splunk.JobContent, error)
	Rows(ctx context.Context, sid string, fields ...string) iter.Seq2[splunk.Row, error]
	DeleteInIndex(ctx context.Context, index, host string) error
}

// Config tunes a Runner.
type Config struct {
	// RetryCap bounds the wall clock time of one search's retry loop.
	RetryCap time.Duration
	// NoiseThreshold flags passing searches returning more rows. Zero disables.
	NoiseThreshold int
	Behavior       Behavior
	// Instance is used for log attribution and reproduction links.
	Instance models.InstanceSpec
}

// Runner is owned by one worker and runs one detection at a time.
type Runner struct {
	cfg    Config
	ingest Ingester
	search Searcher
	data   *attackdata.Materializer
	finish *lifecycle.ForceFinish
	pauser Pauser
	logger *logging.Logger

	newBackOff func(max time.Duration) backoff.BackOff
}

// Option customises a Runner.
type Option func(*Runner)

// WithPauser sets the pauser used by the post-test behaviour.
func WithPauser(p Pauser) Option {
	return func(r *Runner) { r.pauser = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithForceFinish makes retry sleeps end early once finish is raised.
func WithForceFinish(f *lifecycle.ForceFinish) Option {
	return func(r *Runner) { r.finish = f }
}

// WithBackOff replaces the retry schedule. The default is Fibonacci from 3s.
func WithBackOff(fn func(max time.Duration) backoff.BackOff) Option {
	return func(r *Runner) { r.newBackOff = fn }
}

// New creates a Runner.
func New(cfg Config, ingest Ingester, search Searcher, data *attackdata.Materializer, opts ...Option) *Runner {
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultRetryCap
	}
	if cfg.Behavior == "" {
		cfg.Behavior = NeverPause
	}
	r := &Runner{
		cfg:    cfg,
		ingest: ingest,
		search: search,
		data:   data,
		logger: logging.Default(),
		newBackOff: func(max time.Duration) backoff.BackOff {
			return retry.NewFibonacci(max)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every test of d and records the results on it. A test that
// has started always finishes. If force-finish is raised before all tests
// ran, the partial results are cleared and lifecycle.ErrCancelled is
// returned so the detection can be reported as untested.
func (r *Runner) Run(ctx context.Context, d *models.Detection) error {
	ctx = logging.WithDetection(ctx, d.ID.String())
	log := r.logger.WithContext(ctx)

	d.ResetResults()
	for _, t := range d.Tests {
		if r.cancelled(ctx) {
			d.ResetResults()
			return lifecycle.ErrCancelled
		}

		start := time.Now()
		t.Result = r.runTest(ctx, d, t)
		t.Result.Elapsed = time.Since(start)

		metrics.TestsTotal.WithLabelValues(metrics.Outcome(t.Result.Success)).Inc()
		metrics.TestDuration.Observe(t.Result.Elapsed.Seconds())
		log.Info("test finished",
			logging.Name(d.Name),
			logging.Test(t.Name),
			"success", t.Result.Success,
			logging.ResultCount(t.Result.ResultCount),
			logging.SID(t.Result.SID),
			logging.Duration(t.Result.Elapsed))
	}

	s := d.Summarize()
	metrics.DetectionsTotal.WithLabelValues(metrics.Outcome(s.Success)).Inc()
	return nil
}

func (r *Runner) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || (r.finish != nil && r.finish.IsSet())
}

type target struct{ index, host string }

func (r *Runner) runTest(ctx context.Context, d *models.Detection, t *models.Test) (result *models.TestResult) {
	log := r.logger.WithContext(ctx).With(logging.Test(t.Name))

	dir, err := r.data.TempDir(r.cfg.Instance.Name)
	if err != nil {
		return models.NewExceptionResult(fmt.Sprintf("create attack data directory: %v", err))
	}
	defer os.RemoveAll(dir)

	var touched []target
	defer func() {
		r.cleanup(ctx, touched, result)
	}()

	for _, ad := range t.AttackData {
		ad = ad.WithDefaults()
		tgt := target{ad.Index, ad.Host}
		if !containsTarget(touched, tgt) {
			touched = append(touched, tgt)
		}
		if err := r.replay(ctx, dir, ad); err != nil {
			log.Error("attack data replay failed", logging.Error(err))
			return models.NewExceptionResult(err.Error())
		}
	}

	opts := splunk.SearchOptions{EarliestTime: t.EarliestTime, LatestTime: t.LatestTime}

	for _, b := range t.Baselines {
		bopts := splunk.SearchOptions{EarliestTime: b.EarliestTime, LatestTime: b.LatestTime}
		if bopts.EarliestTime == "" && bopts.LatestTime == "" {
			bopts = opts
		}
		res := r.searchWithRetry(ctx, models.ComposeSearch(b.Search, passCondition(b.PassCondition, "")), "", bopts, nil)
		if res.Exception {
			res.FailedBaseline = b.Name
			res.Message = fmt.Sprintf("baseline %q could not run: %s", b.Name, res.Message)
			return res
		}
		if !res.Success {
			log.Warn("baseline failed", "baseline", b.Name, logging.SID(res.SID))
			return &models.TestResult{
				FailedBaseline:     b.Name,
				Message:            fmt.Sprintf("baseline %q did not pass; detection search was not run", b.Name),
				SID:                res.SID,
				Search:             res.Search,
				RunDuration:        res.RunDuration,
				Attempts:           res.Attempts,
				MissingObservables: []string{},
			}
		}
	}

	search := models.ComposeSearch(d.Search, passCondition(t.PassCondition, d.PassCondition))
	result = r.searchWithRetry(ctx, search, d.Search, opts, d.RequiredObservables())

	r.pause(ctx, d, t, result)
	return result
}

func passCondition(conds ...string) string {
	for _, c := range conds {
		if strings.TrimSpace(c) != "" {
			return c
		}
	}
	return models.DefaultPassCondition
}

func containsTarget(ts []target, t target) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// replay materialises ad into dir and uploads it, waiting for the ack.
func (r *Runner) replay(ctx context.Context, dir string, ad models.AttackData) error {
	file, err := r.data.Materialize(ctx, dir, ad)
	if err != nil {
		return fmt.Errorf("materialize %s: %w", ad.Data, err)
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = r.ingest.Send(ctx, f, hec.EventMeta{
		Index:      ad.Index,
		Source:     ad.Source,
		Sourcetype: ad.Sourcetype,
		Host:       ad.Host,
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", ad.Data, err)
	}
	return nil
}

// searchWithRetry repeats search while it runs but matches nothing, sleeping
// on the retry schedule until the cap. Errors end the loop at once.
func (r *Runner) searchWithRetry(ctx context.Context, search, body string, opts splunk.SearchOptions, observables []string) *models.TestResult {
	log := r.logger.WithContext(ctx)

	// Attempts never run past the cap. The in-flight attempt is not cut
	// short by force-finish, only further retries are.
	deadline := time.Now().Add(r.cfg.RetryCap)
	attemptCtx, cancelAttempts := context.WithDeadline(ctx, deadline)
	defer cancelAttempts()

	sleepCtx := ctx
	if r.finish != nil {
		var cancel context.CancelFunc
		sleepCtx, cancel = r.finish.Context(ctx)
		defer cancel()
	}

	var last *models.TestResult
	attempts := 0
	op := func() error {
		attempts++
		res, err := r.attempt(attemptCtx, search, body, opts, observables)
		if err != nil && last != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			// The cap expired mid-attempt; keep the previous outcome.
			return backoff.Permanent(ErrNoResults)
		}
		last = res
		if err == nil || errors.Is(err, ErrNoResults) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		metrics.RetrySleepSeconds.Add(next.Seconds())
		log.Debug("search returned no results, retrying",
			logging.Attempt(attempts),
			"sleep", next.String(),
			logging.Query(search))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(r.cfg.RetryCap), sleepCtx), notify)

	res := last
	if res == nil {
		res = models.NewExceptionResult(err.Error())
	}
	res.Attempts = attempts
	switch {
	case res.Message != "":
	case errors.Is(err, ErrNoResults):
		res.Message = fmt.Sprintf("no results after %d attempts", attempts)
	case lifecycle.Cancelled(err):
		res.Message = fmt.Sprintf("no results after %d attempts, retries stopped by cancellation", attempts)
	}
	return res
}

// attempt runs search once and evaluates the outcome.
func (r *Runner) attempt(ctx context.Context, search, body string, opts splunk.SearchOptions, observables []string) (*models.TestResult, error) {
	res := &models.TestResult{Search: search, MissingObservables: []string{}}

	job, err := r.search.RunBlocking(ctx, search, opts)
	if job != nil {
		res.SID = job.SID
		res.RunDuration = job.RunDuration
		res.ResultCount = job.ResultCount
	}
	if err != nil {
		res.Exception = true
		res.Message = err.Error()
		return res, err
	}

	if job.ResultCount < 1 {
		return res, ErrNoResults
	}
	res.Logic = true
	if r.cfg.NoiseThreshold > 0 && job.ResultCount > r.cfg.NoiseThreshold {
		res.Noise = true
	}

	if len(observables) > 0 {
		missing, err := r.missingObservables(ctx, body, opts, observables)
		if err != nil {
			res.Exception = true
			res.Message = fmt.Sprintf("observable check: %v", err)
			return res, err
		}
		if len(missing) > 0 {
			res.SetMissingObservables(missing)
			res.Message = fmt.Sprintf("missing observables: %s", strings.Join(res.MissingObservables, ", "))
			return res, ErrObservablesMissing
		}
	}

	res.Success = true
	return res, nil
}

// missingObservables reruns the detection body projecting the required
// fields. It returns nil if any row carries all of them, otherwise the
// required fields minus those present on every row.
func (r *Runner) missingObservables(ctx context.Context, body string, opts splunk.SearchOptions, fields []string) ([]string, error) {
	search := models.ComposeSearch(body, "| fields "+strings.Join(fields, ", "))
	job, err := r.search.RunBlocking(ctx, search, opts)
	if err != nil {
		return nil, err
	}

	always := make(map[string]bool, len(fields))
	for _, f := range fields {
		always[f] = true
	}

	rows := 0
	for row, err := range r.search.Rows(ctx, job.SID, fields...) {
		if err != nil {
			return nil, err
		}
		rows++
		complete := true
		for _, f := range fields {
			if !row.Has(f) {
				complete = false
				always[f] = false
			}
		}
		if complete {
			return nil, nil
		}
	}

	var missing []string
	for _, f := range fields {
		if rows == 0 || !always[f] {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

func (r *Runner) pause(ctx context.Context, d *models.Detection, t *models.Test, res *models.TestResult) {
	if r.pauser == nil || !r.cfg.Behavior.shouldPause(res.Success) {
		return
	}
	if r.finish != nil && r.finish.IsSet() {
		return
	}

	info := PauseInfo{
		Instance:  r.cfg.Instance.Name,
		Detection: d.Name,
		Test:      t.Name,
		Search:    res.Search,
		SID:       res.SID,
		Success:   res.Success,
		Message:   res.Message,
	}
	if res.SID != "" && r.cfg.Instance.Address != "" {
		info.URL = r.cfg.Instance.SearchURL(res.SID)
	}

	pauseCtx := ctx
	if r.finish != nil {
		var cancel context.CancelFunc
		pauseCtx, cancel = r.finish.Context(ctx)
		defer cancel()
	}
	if err := r.pauser.Pause(pauseCtx, info); err != nil && !lifecycle.Cancelled(err) {
		r.logger.WarnContext(ctx, "pause ended with error", logging.Error(err))
	}
}

// cleanup deletes replayed data from every touched index, even when ctx is
// already cancelled. Failures are recorded on the result.
func (r *Runner) cleanup(ctx context.Context, touched []target, result *models.TestResult) {
	if len(touched) == 0 {
		return
	}
	cctx := context.WithoutCancel(ctx)

	var failures []string
	for _, tgt := range touched {
		if err := r.search.DeleteInIndex(cctx, tgt.index, tgt.host); err != nil {
			r.logger.ErrorContext(ctx, "failed to delete replayed data",
				logging.Index(tgt.index), logging.Host(tgt.host), logging.Error(err))
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 && result != nil {
		msg := "cleanup: " + strings.Join(failures, "; ")
		if result.Message != "" {
			msg = result.Message + "; " + msg
		}
		result.Message = msg
	}
}
