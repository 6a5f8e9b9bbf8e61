package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nikolay-makurin/routecheck/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds every collector routecheck exports, on its own registry so
// a push carries nothing but verification state.
type Metrics struct {
	Registry *prometheus.Registry

	ProbesTotal   *prometheus.CounterVec
	ProbeDuration *prometheus.HistogramVec
	RunsTotal     *prometheus.CounterVec
	RunPassed     prometheus.Gauge
	ReplayLag     prometheus.Gauge
	SinkFailures  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routecheck_probes_total",
				Help: "Probes executed, by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routecheck_probe_duration_seconds",
				Help:    "Time from probe dispatch to result",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"kind"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routecheck_runs_total",
				Help: "Verification runs, by outcome",
			},
			[]string{"result"},
		),
		RunPassed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "routecheck_run_passed",
				Help: "1 if the last run passed, 0 otherwise",
			},
		),
		ReplayLag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "routecheck_replay_lag_bytes",
				Help: "WAL bytes between the primary write position and the slowest standby replay position seen in the last run",
			},
		),
		SinkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routecheck_sink_failures_total",
				Help: "Report deliveries that failed after retries",
			},
			[]string{"sink"},
		),
	}

	m.Registry.MustRegister(
		m.ProbesTotal,
		m.ProbeDuration,
		m.RunsTotal,
		m.RunPassed,
		m.ReplayLag,
		m.SinkFailures,
	)
	return m
}

// WithRuntime adds the Go and process collectors, for the long-running
// watch mode.
func (m *Metrics) WithRuntime() *Metrics {
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveProbe(r types.ProbeResult) {
	if m == nil {
		return
	}
	result := "pass"
	switch {
	case r.ErrorKind != types.ErrorNone:
		result = string(r.ErrorKind)
	case !r.Passed:
		result = "misrouted"
	}
	m.ProbesTotal.WithLabelValues(string(r.Kind), result).Inc()
	if r.Duration > 0 {
		m.ProbeDuration.WithLabelValues(string(r.Kind)).Observe(r.Duration.Seconds())
	}
}

func (m *Metrics) ObserveRun(r *types.Report) {
	if m == nil || r == nil {
		return
	}
	switch {
	case r.Aborted != "":
		m.RunsTotal.WithLabelValues("aborted").Inc()
	case r.Passed:
		m.RunsTotal.WithLabelValues("passed").Inc()
	default:
		m.RunsTotal.WithLabelValues("failed").Inc()
	}
	if r.Passed {
		m.RunPassed.Set(1)
	} else {
		m.RunPassed.Set(0)
	}
	m.ReplayLag.Set(float64(r.ReplayLagBytes))
}

func (m *Metrics) SinkFailed(name string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(name).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting telemetry server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("telemetry server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Push sends the registry to a Pushgateway, grouped by job and endpoint.
func (m *Metrics) Push(ctx context.Context, gateway, job, endpoint string) error {
	p := push.New(gateway, job).Gatherer(m.Registry)
	if endpoint != "" {
		p = p.Grouping("endpoint", endpoint)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push to %s: %w", gateway, err)
	}
	return nil
}

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
