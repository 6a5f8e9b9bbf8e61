package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nikolay-makurin/routecheck/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRows struct {
	pgx.Rows
	columns []string
	data    [][]string
	pos     int
	closed  bool
}

func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *mockRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *mockRows) RawValues() [][]byte {
	row := r.data[r.pos-1]
	out := make([][]byte, len(row))
	for i, v := range row {
		out[i] = []byte(v)
	}
	return out
}

func (r *mockRows) Err() error { return nil }
func (r *mockRows) Close()     { r.closed = true }

type mockQuerier struct {
	rows *mockRows
	err  error
	sql  string
}

func (q *mockQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.sql = sql
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

type mockResolver map[string][]string

func (m mockResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if addrs, ok := m[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func poolNodes(data ...[]string) *mockRows {
	return &mockRows{
		columns: []string{"node_id", "hostname", "port", "status", "pg_status", "lb_weight", "role", "pg_role"},
		data:    data,
	}
}

func TestDiscover(t *testing.T) {
	q := &mockQuerier{rows: poolNodes(
		[]string{"0", "pg-1", "5432", "up", "up", "0.5", "primary", "primary"},
		[]string{"1", "10.0.0.2", "5432", "up", "up", "0.5", "standby", "standby"},
		[]string{"2", "pg-3", "5432", "down", "down", "0", "standby", "unknown"},
	)}
	d := New(0, mockResolver{
		"pg-1": {"10.0.0.1"},
		"pg-3": {"10.0.0.3", "fe80::1"},
	})

	backends, err := d.Discover(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, "SHOW pool_nodes", q.sql)
	assert.True(t, q.rows.closed)
	assert.Equal(t, []types.Backend{
		{Address: "10.0.0.1", Name: "pg-1", Role: types.RolePrimary},
		{Address: "10.0.0.2", Name: "10.0.0.2", Role: types.RoleStandby},
		{Address: "10.0.0.3", Name: "pg-3", Role: types.RoleStandby},
		{Address: "fe80::1", Name: "pg-3", Role: types.RoleStandby},
	}, backends)
}

func TestDiscoverColumnOrderAndLegacyRoles(t *testing.T) {
	q := &mockQuerier{rows: &mockRows{
		columns: []string{"role", "hostname", "node_id"},
		data: [][]string{
			{"master", "10.0.0.1", "0"},
			{"slave", "10.0.0.2", "1"},
			{"witness", "10.0.0.3", "2"},
		},
	}}

	backends, err := New(0, mockResolver{}).Discover(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, backends, 2)
	assert.Equal(t, types.RolePrimary, backends[0].Role)
	assert.Equal(t, types.RoleStandby, backends[1].Role)
}

func TestDiscoverDropsConflictingAddresses(t *testing.T) {
	q := &mockQuerier{rows: poolNodes(
		[]string{"0", "pg-a", "5432", "up", "up", "0.5", "primary", "primary"},
		[]string{"1", "pg-b", "5433", "up", "up", "0.5", "standby", "standby"},
		[]string{"2", "10.0.0.2", "5432", "up", "up", "0.5", "standby", "standby"},
	)}
	d := New(0, mockResolver{"pg-a": {"127.0.0.1"}, "pg-b": {"127.0.0.1"}})

	backends, err := d.Discover(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []types.Backend{{Address: "10.0.0.2", Name: "10.0.0.2", Role: types.RoleStandby}}, backends)
}

func TestDiscoverErrors(t *testing.T) {
	t.Run("not pgpool", func(t *testing.T) {
		q := &mockQuerier{err: errors.New(`unrecognized configuration parameter "pool_nodes"`)}
		_, err := New(0, nil).Discover(context.Background(), q)
		assert.ErrorIs(t, err, ErrNotPgpool)
	})

	t.Run("missing columns", func(t *testing.T) {
		q := &mockQuerier{rows: &mockRows{columns: []string{"pool_nodes"}}}
		_, err := New(0, nil).Discover(context.Background(), q)
		assert.ErrorIs(t, err, ErrNotPgpool)
	})

	t.Run("unresolvable hostname", func(t *testing.T) {
		q := &mockQuerier{rows: poolNodes(
			[]string{"0", "ghost", "5432", "up", "up", "1", "primary", "primary"},
		)}
		_, err := New(0, mockResolver{}).Discover(context.Background(), q)
		assert.ErrorContains(t, err, "ghost")
	})
}
