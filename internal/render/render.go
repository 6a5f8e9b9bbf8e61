package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nikolay-makurin/routecheck/pkg/types"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
	}
}

// Report writes r to w in the given format.
func Report(w io.Writer, f Format, r *types.Report) error {
	switch f {
	case FormatJSON:
		return writeJSON(w, r)
	case FormatYAML:
		return writeYAML(w, r)
	default:
		return reportText(w, r)
	}
}

// Backends writes a role map, e.g. the result of discovery.
func Backends(w io.Writer, f Format, backends []types.Backend) error {
	switch f {
	case FormatJSON:
		return writeJSON(w, backends)
	case FormatYAML:
		return writeYAML(w, backends)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tROLE")
	for _, b := range backends {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Address, dash(b.Name), b.Role)
	}
	return tw.Flush()
}

func reportText(w io.Writer, r *types.Report) error {
	fmt.Fprintf(w, "Run %s against %s\n", r.RunID, r.Endpoint)
	if !r.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started %s, took %s\n\n",
			r.StartedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROBE\tKIND\tEXPECTED\tBACKEND\tOBSERVED\tDURATION\tRESULT\tERROR")
	for _, res := range r.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			res.Probe,
			res.Kind,
			res.ExpectedRole,
			backend(res.Observed),
			res.Observed.Role,
			res.Duration.Round(time.Microsecond),
			verdict(res),
			dash(oneLine(res.Error)),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	if r.ReplayLagBytes > 0 {
		fmt.Fprintf(w, "Standby replay lag: %d bytes\n", r.ReplayLagBytes)
	}
	if r.Aborted != "" {
		fmt.Fprintf(w, "Run aborted: %s\n", r.Aborted)
	}

	passed := len(r.Results) - len(r.Failed())
	if r.Passed {
		_, err := fmt.Fprintf(w, "PASS: %d/%d probes routed as expected\n", passed, len(r.Results))
		return err
	}
	_, err := fmt.Fprintf(w, "FAIL: %d/%d probes routed as expected\n", passed, len(r.Results))
	return err
}

func verdict(r types.ProbeResult) string {
	switch {
	case r.Passed:
		return "ok"
	case r.ErrorKind != types.ErrorNone:
		return string(r.ErrorKind)
	default:
		return "misrouted"
	}
}

func backend(id types.BackendIdentity) string {
	if id.Address == "" {
		return "-"
	}
	if id.Name != "" {
		return fmt.Sprintf("%s (%s)", id.Address, id.Name)
	}
	return id.Address
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
