package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nikolay-makurin/routecheck/internal/config"
	"github.com/nikolay-makurin/routecheck/internal/discovery"
	"github.com/nikolay-makurin/routecheck/internal/probe"
	"github.com/nikolay-makurin/routecheck/internal/session"
	"github.com/nikolay-makurin/routecheck/internal/sink"
	"github.com/nikolay-makurin/routecheck/internal/telemetry"
	"github.com/nikolay-makurin/routecheck/internal/verify"
	"github.com/nikolay-makurin/routecheck/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ErrAborted is returned when a run stopped before every probe was tried.
// The partial report is still returned alongside it.
var ErrAborted = errors.New("run aborted")

// Session is a checked-out connection to the endpoint under test.
type Session interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

type Acquirer interface {
	Acquire(ctx context.Context) (Session, error)
}

type managerAcquirer struct {
	m *session.Manager
}

// FromManager adapts a session manager for the runner.
func FromManager(m *session.Manager) Acquirer {
	return managerAcquirer{m: m}
}

func (a managerAcquirer) Acquire(ctx context.Context) (Session, error) {
	s, err := a.m.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Executor interface {
	Run(ctx context.Context, q probe.Querier, p types.Probe, data probe.TemplateData) types.ProbeResult
}

type Discoverer interface {
	Discover(ctx context.Context, q discovery.Querier) ([]types.Backend, error)
}

type Options struct {
	// Endpoint is the log-safe description of the proxy, copied into reports.
	Endpoint string
	Setup    []string
	Probes   []types.Probe
	Roles    *verify.RoleMap

	Parallelism           int
	MaxConnectionFailures int
	Retry                 config.RetryConfig

	Executor   Executor
	Discoverer Discoverer
	Metrics    *telemetry.Metrics
	Sink       sink.Sink
	// SinkTimeout bounds report delivery after each run.
	SinkTimeout time.Duration
}

type Runner struct {
	acq  Acquirer
	opts Options
}

func New(acq Acquirer, opts Options) *Runner {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.MaxConnectionFailures < 1 {
		opts.MaxConnectionFailures = 3
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Executor == nil {
		opts.Executor = probe.NewExecutor(probe.Options{})
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 30 * time.Second
	}
	return &Runner{acq: acq, opts: opts}
}

// Run executes the setup statements and every probe once, classifies the
// results and publishes the report. The report is never nil.
func (r *Runner) Run(ctx context.Context) (*types.Report, error) {
	started := time.Now()
	runID := uuid.NewString()
	log := slog.With("run_id", runID)
	log.Info("Starting verification run", "endpoint", r.opts.Endpoint, "probes", len(r.opts.Probes))

	data := probe.TemplateData{RunID: runID, Time: started.UTC()}
	results, abortReason := r.execute(ctx, log, data)

	report := verify.Aggregate(results)
	report.RunID = runID
	report.Endpoint = r.opts.Endpoint
	report.StartedAt = started
	report.FinishedAt = time.Now()
	if abortReason != "" {
		report.Aborted = abortReason
		report.Passed = false
	}

	r.opts.Metrics.ObserveRun(&report)
	r.publish(ctx, log, &report)

	log.Info("Verification run finished",
		"passed", report.Passed,
		"failed_probes", len(report.Failed()),
		"replay_lag_bytes", report.ReplayLagBytes,
		"duration", report.FinishedAt.Sub(started))

	if abortReason != "" {
		return &report, fmt.Errorf("%w: %s", ErrAborted, abortReason)
	}
	return &report, nil
}

func (r *Runner) execute(ctx context.Context, log *slog.Logger, data probe.TemplateData) ([]types.ProbeResult, string) {
	roles, err := r.roles(ctx, log)
	if err != nil {
		return nil, err.Error()
	}

	if len(r.opts.Setup) > 0 {
		if err := r.setup(ctx); err != nil {
			log.Error("Setup failed", "error", err)
			return nil, fmt.Sprintf("setup: %v", err)
		}
	}

	if r.opts.Parallelism > 1 {
		return r.runParallel(ctx, log, roles, data)
	}
	return r.runSequential(ctx, log, roles, data)
}

// roles returns the static role map, extended by discovery when enabled.
func (r *Runner) roles(ctx context.Context, log *slog.Logger) (*verify.RoleMap, error) {
	roles := r.opts.Roles
	if r.opts.Discoverer != nil {
		discovered, err := r.discover(ctx)
		if err != nil {
			log.Warn("Role discovery failed, using configured backends only", "error", err)
		} else {
			roles = roles.Merge(discovered)
			log.Info("Discovered backends", "count", len(discovered), "role_map_size", roles.Len())
		}
	}
	if roles.Len() == 0 {
		return nil, errors.New("role map is empty: configure backends or enable discovery")
	}
	return roles, nil
}

func (r *Runner) discover(ctx context.Context) ([]types.Backend, error) {
	s, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Release()
	return r.opts.Discoverer.Discover(ctx, s)
}

func (r *Runner) setup(ctx context.Context) error {
	s, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release()

	for i, stmt := range r.opts.Setup {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return nil
}

func (r *Runner) runSequential(ctx context.Context, log *slog.Logger, roles *verify.RoleMap, data probe.TemplateData) ([]types.ProbeResult, string) {
	results := make([]types.ProbeResult, 0, len(r.opts.Probes))
	consecutive := 0

	for _, p := range r.opts.Probes {
		if err := ctx.Err(); err != nil {
			return results, fmt.Sprintf("cancelled: %v", err)
		}

		res := r.runProbe(ctx, log, roles, p, data)
		results = append(results, res)

		if res.ErrorKind != types.ErrorConnection {
			consecutive = 0
			continue
		}
		consecutive++
		if consecutive >= r.opts.MaxConnectionFailures {
			return results, fmt.Sprintf("%d consecutive connection failures", consecutive)
		}
	}
	return results, ""
}

// runParallel keeps the configured probe order in its output no matter
// which probe finishes first. Probes not yet started when the run aborts
// are left out of the report.
func (r *Runner) runParallel(ctx context.Context, log *slog.Logger, roles *verify.RoleMap, data probe.TemplateData) ([]types.ProbeResult, string) {
	var (
		mu          sync.Mutex
		consecutive int
		abort       string
		results     = make([]types.ProbeResult, len(r.opts.Probes))
		attempted   = make([]bool, len(r.opts.Probes))
	)

	g := new(errgroup.Group)
	g.SetLimit(r.opts.Parallelism)

	for i, p := range r.opts.Probes {
		mu.Lock()
		stop := abort != ""
		mu.Unlock()
		if stop {
			break
		}
		if err := ctx.Err(); err != nil {
			mu.Lock()
			abort = fmt.Sprintf("cancelled: %v", err)
			mu.Unlock()
			break
		}

		i, p := i, p
		g.Go(func() error {
			mu.Lock()
			if abort != "" {
				mu.Unlock()
				return nil
			}
			attempted[i] = true
			mu.Unlock()

			res := r.runProbe(ctx, log, roles, p, data)

			mu.Lock()
			defer mu.Unlock()
			results[i] = res
			if res.ErrorKind != types.ErrorConnection {
				consecutive = 0
				return nil
			}
			consecutive++
			if consecutive >= r.opts.MaxConnectionFailures && abort == "" {
				abort = fmt.Sprintf("%d consecutive connection failures", consecutive)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]types.ProbeResult, 0, len(results))
	for i, res := range results {
		if attempted[i] {
			out = append(out, res)
		}
	}
	return out, abort
}

func (r *Runner) runProbe(ctx context.Context, log *slog.Logger, roles *verify.RoleMap, p types.Probe, data probe.TemplateData) types.ProbeResult {
	var res types.ProbeResult

	s, err := r.acquire(ctx)
	if err != nil {
		res = types.ProbeResult{
			Probe:        p.Name,
			Kind:         p.Kind,
			ExpectedRole: p.ExpectedRole,
			ErrorKind:    types.ErrorConnection,
			Error:        err.Error(),
		}
	} else {
		res = r.opts.Executor.Run(ctx, s, p, data)
		s.Release()
	}

	res = verify.Classify(res, roles)
	r.opts.Metrics.ObserveProbe(res)

	attrs := []any{
		"probe", res.Probe,
		"kind", res.Kind,
		"expected_role", res.ExpectedRole,
		"observed_addr", res.Observed.Address,
		"observed_role", res.Observed.Role,
		"duration", res.Duration,
	}
	switch {
	case res.Passed:
		log.Info("Probe passed", attrs...)
	case res.ErrorKind != types.ErrorNone:
		log.Warn("Probe failed", append(attrs, "error_kind", res.ErrorKind, "error", res.Error)...)
	default:
		log.Warn("Probe misrouted", attrs...)
	}
	return res
}

// acquire retries with exponential backoff, giving up early once the
// manager is closed or the caller cancelled.
func (r *Runner) acquire(ctx context.Context) (Session, error) {
	var err error
	for i := 0; i < r.opts.Retry.MaxAttempts; i++ {
		var s Session
		if s, err = r.acq.Acquire(ctx); err == nil {
			return s, nil
		}
		if errors.Is(err, session.ErrClosed) || ctx.Err() != nil || i == r.opts.Retry.MaxAttempts-1 {
			break
		}

		slog.Debug("Session acquire failed, retrying",
			"attempt", i+1,
			"max_attempts", r.opts.Retry.MaxAttempts,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(r.opts.Retry.Backoff * time.Duration(1<<i)):
		}
	}
	return nil, err
}

func (r *Runner) publish(ctx context.Context, log *slog.Logger, report *types.Report) {
	if r.opts.Sink == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.SinkTimeout)
	defer cancel()
	if err := r.opts.Sink.Write(sinkCtx, report); err != nil {
		log.Error("Failed to publish report", "error", err)
	}
}

// Watch runs immediately and then once per interval until ctx is
// cancelled, handing every report to fn.
func (r *Runner) Watch(ctx context.Context, interval time.Duration, fn func(*types.Report, error)) error {
	if interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := r.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if fn != nil {
			fn(report, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
