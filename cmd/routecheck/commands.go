package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nikolay-makurin/routecheck/internal/config"
	"github.com/nikolay-makurin/routecheck/internal/discovery"
	"github.com/nikolay-makurin/routecheck/internal/probe"
	"github.com/nikolay-makurin/routecheck/internal/render"
	"github.com/nikolay-makurin/routecheck/internal/runner"
	"github.com/nikolay-makurin/routecheck/internal/session"
	"github.com/nikolay-makurin/routecheck/internal/sink"
	"github.com/nikolay-makurin/routecheck/internal/telemetry"
	"github.com/nikolay-makurin/routecheck/internal/verify"
	"github.com/nikolay-makurin/routecheck/pkg/types"
	"github.com/urfave/cli/v2"
)

// env is what every command needs before it can talk to the proxy.
type env struct {
	cfg     *config.Config
	format  render.Format
	out     io.Writer
	metrics *telemetry.Metrics
	manager *session.Manager
	roles   *verify.RoleMap
	sink    *sink.BroadcastSink
}

func setup(c *cli.Context, opts ...config.LoadOption) (*env, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"), opts...)
	if err != nil {
		return nil, cli.Exit(err, exitConfig)
	}
	format, err := render.ParseFormat(c.String("format"))
	if err != nil {
		return nil, cli.Exit(err, exitConfig)
	}

	logger, err := telemetry.NewLogger(os.Stderr, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	if err != nil {
		return nil, cli.Exit(err, exitConfig)
	}
	slog.SetDefault(logger)

	backends, err := cfg.TypedBackends()
	if err != nil {
		return nil, cli.Exit(err, exitConfig)
	}
	roles, err := verify.NewRoleMap(backends)
	if err != nil {
		return nil, cli.Exit(fmt.Errorf("%w: %v", config.ErrConfiguration, err), exitConfig)
	}

	return &env{
		cfg:     cfg,
		format:  format,
		out:     c.App.Writer,
		metrics: telemetry.NewMetrics(),
		roles:   roles,
	}, nil
}

// connect opens the session pool, retrying the first contact with the
// run's retry budget.
func (e *env) connect(ctx context.Context) error {
	manager, err := session.Open(ctx, e.cfg.TypedEndpoint(), session.Options{
		MaxSessions:     e.cfg.Endpoint.MaxConnections,
		Policy:          session.Policy(e.cfg.Session.AcquirePolicy),
		AcquireTimeout:  e.cfg.Session.AcquireTimeout,
		ConnectAttempts: e.cfg.Run.Retry.MaxAttempts,
		ConnectBackoff:  e.cfg.Run.Retry.Backoff,
	})
	if err != nil {
		return err
	}
	e.manager = manager
	return nil
}

// openSinks never fails the command: a target that cannot be reached is
// logged and the run goes ahead without it.
func (e *env) openSinks(ctx context.Context) {
	sinks, err := sink.FromConfig(ctx, e.cfg.Targets)
	if err != nil {
		slog.Error("Report targets unavailable, continuing without them", "error", err)
		return
	}
	if len(sinks) == 0 {
		return
	}
	e.sink = sink.NewBroadcastSink(sinks, sink.WithFailureHook(func(name string, err error) {
		e.metrics.SinkFailed(name)
	}))
}

func (e *env) close() {
	if e.sink != nil {
		if err := e.sink.Close(); err != nil {
			slog.Warn("Failed to close report targets", "error", err)
		}
	}
	if e.manager != nil {
		e.manager.Close()
	}
}

func (e *env) runner(probes []types.Probe) *runner.Runner {
	opts := runner.Options{
		Endpoint:              e.cfg.TypedEndpoint().String(),
		Setup:                 e.cfg.Setup,
		Probes:                probes,
		Roles:                 e.roles,
		Parallelism:           e.cfg.Run.Parallelism,
		MaxConnectionFailures: e.cfg.Run.MaxConnectionFailures,
		Retry:                 e.cfg.Run.Retry,
		Executor:              probe.NewExecutor(probe.Options{Timeout: e.cfg.Run.ProbeTimeout}),
		Metrics:               e.metrics,
	}
	if e.cfg.Discovery.Enabled {
		opts.Discoverer = discovery.New(e.cfg.Discovery.Timeout, nil)
	}
	if e.sink != nil {
		opts.Sink = e.sink
	}
	return runner.New(runner.FromManager(e.manager), opts)
}

func (e *env) push(ctx context.Context) {
	if e.cfg.Telemetry.PushGateway == "" {
		return
	}
	if err := e.metrics.Push(ctx, e.cfg.Telemetry.PushGateway, e.cfg.Telemetry.Job, e.cfg.TypedEndpoint().String()); err != nil {
		slog.Warn("Failed to push metrics", "error", err)
	}
}

func runAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c.Context = ctx

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	probes, err := e.cfg.TypedProbes()
	if err != nil {
		return cli.Exit(err, exitConfig)
	}

	started := time.Now()
	if err := e.connect(ctx); err != nil {
		report := unreachableReport(e.cfg.TypedEndpoint().String(), started, err)
		if rErr := render.Report(e.out, e.format, report); rErr != nil {
			slog.Error("Failed to render report", "error", rErr)
		}
		return cli.Exit(err, exitRuntime)
	}
	e.openSinks(ctx)

	r := e.runner(probes)
	report, runErr := r.Run(ctx)
	if err := render.Report(e.out, e.format, report); err != nil {
		return cli.Exit(fmt.Errorf("render report: %w", err), exitRuntime)
	}
	e.push(ctx)

	return exitFor(report, runErr)
}

func watchAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c.Context = ctx

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	probes, err := e.cfg.TypedProbes()
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	if err := e.connect(ctx); err != nil {
		return cli.Exit(err, exitRuntime)
	}
	e.metrics.WithRuntime()
	e.openSinks(ctx)

	r := e.runner(probes)

	interval := e.cfg.Run.Interval
	if c.IsSet("interval") {
		interval = c.Duration("interval")
	}

	watchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	srvDone := serveMetrics(watchCtx, cancel, e.cfg.Telemetry.Address, e.metrics.Serve)

	slog.Info("Watching endpoint", "endpoint", e.cfg.TypedEndpoint().String(), "interval", interval)
	err = r.Watch(watchCtx, interval, func(report *types.Report, runErr error) {
		if err := render.Report(e.out, e.format, report); err != nil {
			slog.Error("Failed to render report", "error", err)
		}
		if runErr != nil {
			slog.Warn("Run aborted", "run_id", report.RunID, "error", runErr)
		}
		e.push(watchCtx)
	})
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	if cause := context.Cause(watchCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cli.Exit(cause, exitRuntime)
	}

	select {
	case <-srvDone:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// serveMetrics runs serve until ctx ends. A server that fails is logged and
// cancels ctx with its error, which ends the watch. The returned channel is
// closed once serve has returned.
func serveMetrics(ctx context.Context, cancel context.CancelCauseFunc, addr string, serve func(context.Context, string) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := serve(ctx, addr); err != nil {
			slog.Error("Metrics server failed", "address", addr, "error", err)
			cancel(err)
		}
	}()
	return done
}

func discoverAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c.Context = ctx

	e, err := setup(c, config.ForceDiscovery())
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.connect(ctx); err != nil {
		return cli.Exit(err, exitRuntime)
	}

	s, err := e.manager.Acquire(ctx)
	if err != nil {
		return cli.Exit(err, exitRuntime)
	}
	defer s.Release()

	discovered, err := discovery.New(e.cfg.Discovery.Timeout, nil).Discover(ctx, s)
	if err != nil {
		return cli.Exit(err, exitRuntime)
	}
	roles := e.roles.Merge(discovered)

	if err := render.Backends(e.out, e.format, roles.Backends()); err != nil {
		return cli.Exit(fmt.Errorf("render backends: %w", err), exitRuntime)
	}
	return nil
}

// unreachableReport stands in for a run that never reached the endpoint, so
// machine-readable output is produced even then.
func unreachableReport(endpoint string, started time.Time, err error) *types.Report {
	return &types.Report{
		RunID:      uuid.NewString(),
		Endpoint:   endpoint,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Results:    []types.ProbeResult{},
		Aborted:    fmt.Sprintf("endpoint unreachable: %v", err),
	}
}

// exitFor maps a finished run to the process exit status.
func exitFor(report *types.Report, runErr error) error {
	switch {
	case runErr != nil && errors.Is(runErr, runner.ErrAborted):
		return cli.Exit("", exitRuntime)
	case runErr != nil:
		return cli.Exit(runErr, exitRuntime)
	case !report.Passed:
		return cli.Exit("", exitFail)
	default:
		return nil
	}
}
