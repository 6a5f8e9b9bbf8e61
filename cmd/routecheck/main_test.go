package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikolay-makurin/routecheck/internal/runner"
	"github.com/nikolay-makurin/routecheck/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func exitCode(err error) int {
	if err == nil {
		return exitPass
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func TestExitFor(t *testing.T) {
	tests := []struct {
		name   string
		report *types.Report
		err    error
		want   int
	}{
		{"pass", &types.Report{Passed: true}, nil, exitPass},
		{"verification failure", &types.Report{Passed: false}, nil, exitFail},
		{"aborted", &types.Report{Aborted: "setup"}, fmt.Errorf("%w: setup", runner.ErrAborted), exitRuntime},
		{"other error", &types.Report{}, errors.New("boom"), exitRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(exitFor(tt.report, tt.err)))
		})
	}
}

func runApp(t *testing.T, args ...string) error {
	t.Helper()
	_, err := runAppOutput(t, args...)
	return err
}

func runAppOutput(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.ErrWriter = &bytes.Buffer{}
	app.Writer = &out
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"routecheck"}, args...))
	return out.String(), err
}

func TestConfigErrorsExitWithTwo(t *testing.T) {
	for _, k := range []string{"PGHOST", "PGUSER", "PGPASSWORD", "ROUTECHECK_ENDPOINT_HOST", "ROUTECHECK_ENDPOINT_USER", "ROUTECHECK_ENDPOINT_PASSWORD"} {
		t.Setenv(k, "")
	}

	t.Run("missing config file", func(t *testing.T) {
		err := runApp(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "run")
		assert.Equal(t, exitConfig, exitCode(err))
	})

	t.Run("placeholder password", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "routecheck.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
endpoint:
  host: pgpool
  user: app
  password: YOUR_PASSWORD_HERE
backends:
  - address: 10.0.0.1
    role: primary
`), 0o600))
		err := runApp(t, "--config", path, "run")
		assert.Equal(t, exitConfig, exitCode(err))
	})

	t.Run("unknown format", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "routecheck.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
endpoint:
  host: pgpool
  user: app
  password: secret
backends:
  - address: 10.0.0.1
    role: primary
`), 0o600))
		err := runApp(t, "--config", path, "--format", "xml", "discover")
		assert.Equal(t, exitConfig, exitCode(err))
	})
}

func TestAppCommands(t *testing.T) {
	app := newApp()
	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"run", "watch", "discover"}, names)
	assert.Equal(t, "run", app.DefaultCommand)
}

func TestServeMetricsFailureEndsWatch(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	inUse := errors.New("listen tcp :9090: bind: address already in use")
	done := serveMetrics(ctx, cancel, ":9090", func(context.Context, string) error { return inUse })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), inUse)
}

func TestServeMetricsStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())

	done := serveMetrics(ctx, cancel, ":0", func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return nil
	})
	cancel(nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve did not stop")
	}
	assert.ErrorIs(t, context.Cause(ctx), context.Canceled)
}

func TestUnreachableEndpointRendersAbortedReport(t *testing.T) {
	for _, k := range []string{"PGHOST", "PGUSER", "PGPASSWORD", "ROUTECHECK_ENDPOINT_HOST", "ROUTECHECK_ENDPOINT_USER", "ROUTECHECK_ENDPOINT_PASSWORD"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "routecheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint:
  host: 127.0.0.1
  port: 1
  user: app
  password: secret
  sslmode: disable
backends:
  - address: 10.0.0.1
    role: primary
run:
  retry:
    max_attempts: 2
    backoff: 1ms
`), 0o600))

	out, err := runAppOutput(t, "--config", path, "--format", "json", "run")
	assert.Equal(t, exitRuntime, exitCode(err))

	var report types.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.False(t, report.Passed)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "app@127.0.0.1:1/postgres", report.Endpoint)
	assert.Contains(t, report.Aborted, "endpoint unreachable")
	assert.Empty(t, report.Results)
}
