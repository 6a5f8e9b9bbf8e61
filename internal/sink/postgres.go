package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nikolay-makurin/routecheck/internal/config"
	"github.com/nikolay-makurin/routecheck/pkg/types"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// PostgresSink keeps a history of probe results, one row per probe, in a
// database of its own. It never talks to the endpoint under test.
type PostgresSink struct {
	db    pgDB
	table string
}

func NewPostgresSink(ctx context.Context, cfg config.PostgresTarget) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	s := newPostgresSink(pool, cfg.Table)
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSink(db pgDB, table string) *PostgresSink {
	return &PostgresSink{db: db, table: quoteTable(table)}
}

func (s *PostgresSink) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id        TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	probe         TEXT NOT NULL,
	kind          TEXT NOT NULL,
	expected_role TEXT NOT NULL,
	observed_addr TEXT NOT NULL,
	observed_role TEXT NOT NULL,
	passed        BOOLEAN NOT NULL,
	error_kind    TEXT NOT NULL,
	error         TEXT NOT NULL,
	duration_ms   DOUBLE PRECISION NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create history table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, report *types.Report) error {
	query := fmt.Sprintf(`INSERT INTO %s (run_id, endpoint, probe, kind, expected_role,
	observed_addr, observed_role, passed, error_kind, error, duration_ms, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, s.table)

	pgBatch := &pgx.Batch{}
	for _, r := range report.Results {
		pgBatch.Queue(query,
			report.RunID,
			report.Endpoint,
			r.Probe,
			string(r.Kind),
			r.ExpectedRole.String(),
			r.Observed.Address,
			r.Observed.Role.String(),
			r.Passed,
			string(r.ErrorKind),
			r.Error,
			float64(r.Duration.Microseconds())/1000,
			report.FinishedAt,
		)
	}
	if pgBatch.Len() == 0 {
		return nil
	}

	br := s.db.SendBatch(ctx, pgBatch)
	defer br.Close()

	for i := 0; i < pgBatch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch execution failed at index %d: %w", i, err)
		}
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.db.Close()
	return nil
}

// quoteTable accepts "table" or "schema.table".
func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
