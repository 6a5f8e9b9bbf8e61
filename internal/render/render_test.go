package render

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/nikolay-makurin/routecheck/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleReport() *types.Report {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &types.Report{
		RunID:          "run-42",
		Endpoint:       "app@pgpool:9999/app",
		StartedAt:      start,
		FinishedAt:     start.Add(120 * time.Millisecond),
		Passed:         false,
		ReplayLagBytes: 256,
		Results: []types.ProbeResult{
			{
				Probe: "insert_routing", Kind: types.KindWrite, ExpectedRole: types.RolePrimary,
				Observed: types.BackendIdentity{Address: "10.0.0.1", Name: "pg-1", Role: types.RolePrimary, LSN: 0x3000100},
				Duration: 1500 * time.Microsecond, Rows: 1, Success: true, Passed: true,
			},
			{
				Probe: "select_routing", Kind: types.KindRead, ExpectedRole: types.RoleStandby,
				Observed: types.BackendIdentity{Address: "10.0.0.1", Name: "pg-1", Role: types.RolePrimary},
				Duration: time.Millisecond, Success: true,
			},
			{
				Probe: "final_count", Kind: types.KindRead, ExpectedRole: types.RoleStandby,
				ErrorKind: types.ErrorTimeout, Error: "context deadline\nexceeded",
			},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "TEXT": FormatText, "json": FormatJSON, " yaml ": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestReportText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Report(&buf, FormatText, sampleReport()))
	out := buf.String()

	assert.Contains(t, out, "Run run-42 against app@pgpool:9999/app")
	assert.Contains(t, out, "took 120ms")
	assert.Contains(t, out, "10.0.0.1 (pg-1)")
	assert.Contains(t, out, "misrouted")
	assert.Contains(t, out, "context deadline exceeded")
	assert.Contains(t, out, "Standby replay lag: 256 bytes")
	assert.Contains(t, out, "FAIL: 1/3 probes routed as expected")
}

func TestReportTextPassAndAbort(t *testing.T) {
	r := &types.Report{
		RunID:   "r",
		Passed:  true,
		Results: []types.ProbeResult{{Probe: "p", Passed: true, Success: true}},
	}
	var buf bytes.Buffer
	require.NoError(t, Report(&buf, FormatText, r))
	assert.Contains(t, buf.String(), "PASS: 1/1 probes routed as expected")

	r = &types.Report{RunID: "r", Aborted: "setup failed"}
	buf.Reset()
	require.NoError(t, Report(&buf, FormatText, r))
	assert.Contains(t, buf.String(), "Run aborted: setup failed")
	assert.Contains(t, buf.String(), "FAIL: 0/0")
}

func TestReportJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Report(&buf, FormatJSON, sampleReport()))

	var decoded struct {
		RunID   string `json:"run_id"`
		Passed  bool   `json:"passed"`
		Results []struct {
			Probe        string  `json:"probe"`
			ExpectedRole string  `json:"expected_role"`
			DurationMS   float64 `json:"duration_ms"`
			Observed     struct {
				Role string `json:"role"`
				LSN  string `json:"lsn"`
			} `json:"observed"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-42", decoded.RunID)
	assert.False(t, decoded.Passed)
	require.Len(t, decoded.Results, 3)
	assert.Equal(t, "primary", decoded.Results[0].ExpectedRole)
	assert.Equal(t, 1.5, decoded.Results[0].DurationMS)
	assert.Equal(t, "0/3000100", decoded.Results[0].Observed.LSN)
	assert.Equal(t, "primary", decoded.Results[1].Observed.Role)

	var roundTrip types.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &roundTrip))
	assert.Equal(t, types.LSN(0x3000100), roundTrip.Results[0].Observed.LSN)
	assert.Equal(t, types.RoleStandby, roundTrip.Results[1].ExpectedRole)
}

func TestReportYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Report(&buf, FormatYAML, sampleReport()))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-42", decoded["run_id"])
	results, ok := decoded["results"].([]any)
	require.True(t, ok)
	first := results[0].(map[string]any)
	assert.Equal(t, "write", first["kind"])
	assert.Equal(t, "primary", first["expected_role"])
}

func TestBackends(t *testing.T) {
	backends := []types.Backend{
		{Address: "10.0.0.1", Name: "pg-1", Role: types.RolePrimary},
		{Address: "10.0.0.2", Role: types.RoleStandby},
	}

	var buf bytes.Buffer
	require.NoError(t, Backends(&buf, FormatText, backends))
	assert.Contains(t, buf.String(), "ADDRESS")
	assert.Regexp(t, `10\.0\.0\.2\s+-\s+standby`, buf.String())

	buf.Reset()
	require.NoError(t, Backends(&buf, FormatJSON, backends))
	var decoded []types.Backend
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, backends, decoded)
}
