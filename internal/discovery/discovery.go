package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nikolay-makurin/routecheck/pkg/types"
)

const showPoolNodes = "SHOW pool_nodes"

var ErrNotPgpool = errors.New("endpoint does not answer SHOW pool_nodes")

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Node is one row of SHOW pool_nodes.
type Node struct {
	ID       string
	Hostname string
	Port     string
	Status   string
	Role     types.Role
}

type Discoverer struct {
	resolver Resolver
	timeout  time.Duration
}

// New returns a Discoverer. A nil resolver uses net.DefaultResolver.
func New(timeout time.Duration, resolver Resolver) *Discoverer {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Discoverer{resolver: resolver, timeout: timeout}
}

// Discover asks the proxy for its backend list and turns it into backends
// keyed by IP address. An address claimed by nodes of different roles is
// dropped, since no probe could be classified against it.
func (d *Discoverer) Discover(ctx context.Context, q Querier) ([]types.Backend, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	nodes, err := Nodes(ctx, q)
	if err != nil {
		return nil, err
	}

	var (
		out      []types.Backend
		index    = make(map[string]int)
		conflict = make(map[string]bool)
	)
	for _, n := range nodes {
		if n.Role == types.RoleUnknown {
			slog.Warn("Skipping pool node with unrecognised role", "node", n.ID, "hostname", n.Hostname)
			continue
		}
		if n.Status == "down" {
			slog.Warn("Pool node is down", "node", n.ID, "hostname", n.Hostname, "role", n.Role)
		}

		addrs, err := d.resolve(ctx, n.Hostname)
		if err != nil {
			return nil, fmt.Errorf("resolve pool node %s (%s): %w", n.ID, n.Hostname, err)
		}
		for _, addr := range addrs {
			if i, ok := index[addr]; ok {
				if out[i].Role != n.Role {
					conflict[addr] = true
				}
				continue
			}
			index[addr] = len(out)
			out = append(out, types.Backend{Address: addr, Name: n.Hostname, Role: n.Role})
		}
	}

	kept := out[:0]
	for _, b := range out {
		if conflict[b.Address] {
			slog.Warn("Dropping address shared by nodes of different roles", "address", b.Address)
			continue
		}
		kept = append(kept, b)
	}
	return kept, nil
}

func (d *Discoverer) resolve(ctx context.Context, host string) ([]string, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []string{a.Unmap().String()}, nil
	}
	hosts, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if a, err := netip.ParseAddr(h); err == nil {
			out = append(out, a.Unmap().String())
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return out, nil
}

// Nodes runs SHOW pool_nodes. Columns are located by name because their
// number and order differ between pgpool releases.
func Nodes(ctx context.Context, q Querier) ([]Node, error) {
	rows, err := q.Query(ctx, showPoolNodes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotPgpool, err)
	}
	defer rows.Close()

	cols := make(map[string]int)
	for i, fd := range rows.FieldDescriptions() {
		cols[strings.ToLower(fd.Name)] = i
	}
	for _, required := range []string{"hostname", "role"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: no %s column", ErrNotPgpool, required)
		}
	}

	get := func(raw [][]byte, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(raw) {
			return ""
		}
		return strings.TrimSpace(string(raw[i]))
	}

	var nodes []Node
	for rows.Next() {
		raw := rows.RawValues()
		nodes = append(nodes, Node{
			ID:       get(raw, "node_id"),
			Hostname: get(raw, "hostname"),
			Port:     get(raw, "port"),
			Status:   strings.ToLower(get(raw, "status")),
			Role:     parseRole(get(raw, "role")),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// parseRole accepts the names used by pgpool 3.x as well as 4.x.
func parseRole(s string) types.Role {
	switch strings.ToLower(s) {
	case "primary", "master":
		return types.RolePrimary
	case "standby", "slave", "replica":
		return types.RoleStandby
	default:
		return types.RoleUnknown
	}
}
