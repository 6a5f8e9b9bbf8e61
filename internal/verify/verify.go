package verify

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/nikolay-makurin/routecheck/pkg/types"
)

// RoleMap resolves a backend address to the role it is expected to play.
// Keys are unique canonical addresses, so a lookup can never be ambiguous.
type RoleMap struct {
	backends map[string]types.Backend
}

func NewRoleMap(backends []types.Backend) (*RoleMap, error) {
	m := &RoleMap{backends: make(map[string]types.Backend, len(backends))}
	for _, b := range backends {
		key := canonical(b.Address)
		if key == "" {
			return nil, fmt.Errorf("backend %q has an empty address", b.Name)
		}
		if b.Role == types.RoleUnknown {
			return nil, fmt.Errorf("backend %s has no role", b.Address)
		}
		if prev, ok := m.backends[key]; ok {
			return nil, fmt.Errorf("backend address %s listed twice (%q and %q)", key, prev.Name, b.Name)
		}
		b.Address = key
		m.backends[key] = b
	}
	return m, nil
}

// Lookup returns the configured backend for addr. For an unknown address it
// returns a Backend whose role is RoleUnknown and false.
func (m *RoleMap) Lookup(addr string) (types.Backend, bool) {
	key := canonical(addr)
	if m != nil {
		if b, ok := m.backends[key]; ok {
			return b, true
		}
	}
	return types.Backend{Address: key, Role: types.RoleUnknown}, false
}

// Merge returns a new map holding m's entries plus those of extra that m
// does not already define. Entries in m always win.
func (m *RoleMap) Merge(extra []types.Backend) *RoleMap {
	out := &RoleMap{backends: make(map[string]types.Backend, m.Len()+len(extra))}
	for _, b := range extra {
		key := canonical(b.Address)
		if key == "" || b.Role == types.RoleUnknown {
			continue
		}
		b.Address = key
		out.backends[key] = b
	}
	if m != nil {
		for k, b := range m.backends {
			out.backends[k] = b
		}
	}
	return out
}

func (m *RoleMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.backends)
}

// Backends lists the map ordered by address.
func (m *RoleMap) Backends() []types.Backend {
	if m == nil {
		return nil
	}
	out := make([]types.Backend, 0, len(m.backends))
	for _, b := range m.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func canonical(addr string) string {
	addr = strings.TrimSpace(addr)
	if a, err := netip.ParseAddr(addr); err == nil {
		return a.Unmap().String()
	}
	if p, err := netip.ParsePrefix(addr); err == nil {
		return p.Addr().Unmap().String()
	}
	return strings.ToLower(addr)
}

// Classify annotates result with the observed role and decides whether it
// passed: the probe succeeded and landed on a backend of the expected role.
// An address missing from roles always fails.
func Classify(result types.ProbeResult, roles *RoleMap) types.ProbeResult {
	if result.Observed.Address != "" {
		b, known := roles.Lookup(result.Observed.Address)
		result.Observed.Role = b.Role
		result.Observed.Name = b.Name

		if !known && result.Success {
			result.Passed = false
			result.ErrorKind = types.ErrorClassification
			result.Error = fmt.Sprintf("backend %s is not in the role map", b.Address)
			return result
		}
	} else {
		result.Observed.Role = types.RoleUnknown
	}

	result.Passed = result.Success &&
		result.Observed.Role != types.RoleUnknown &&
		result.Observed.Role == result.ExpectedRole
	return result
}

// Aggregate builds a report from results in the order given. The overall
// verdict is the AND of every probe; a run without probes fails.
func Aggregate(results []types.ProbeResult) types.Report {
	out := make([]types.ProbeResult, len(results))
	copy(out, results)

	passed := len(out) > 0
	for _, r := range out {
		passed = passed && r.Passed
	}

	return types.Report{
		Results:        out,
		Passed:         passed,
		ReplayLagBytes: replayLag(out),
	}
}

// replayLag compares the newest WAL position written through the primary
// with the oldest replay position a standby reported.
func replayLag(results []types.ProbeResult) uint64 {
	var (
		written  types.LSN
		replayed types.LSN
		haveRep  bool
	)
	for _, r := range results {
		if !r.Success || r.Observed.LSN == 0 {
			continue
		}
		if r.Observed.InRecovery {
			if !haveRep || r.Observed.LSN < replayed {
				replayed = r.Observed.LSN
				haveRep = true
			}
		} else if r.Observed.LSN > written {
			written = r.Observed.LSN
		}
	}
	if !haveRep || written <= replayed {
		return 0
	}
	return uint64(written - replayed)
}
