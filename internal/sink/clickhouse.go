package sink

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/nikolay-makurin/routecheck/internal/config"
	"github.com/nikolay-makurin/routecheck/pkg/types"
)

type chConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// ClickHouseSink appends probe results to a MergeTree table for long-term
// routing analytics.
type ClickHouseSink struct {
	conn  chConn
	table string
}

func NewClickHouseSink(ctx context.Context, cfg config.ClickHouseTarget) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &ClickHouseSink{conn: conn, table: cfg.Table}
	if err := s.ensureTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id        String,
	endpoint      String,
	probe         String,
	kind          LowCardinality(String),
	expected_role LowCardinality(String),
	observed_addr String,
	observed_role LowCardinality(String),
	passed        Bool,
	error_kind    LowCardinality(String),
	error         String,
	duration_ms   Float64,
	recorded_at   DateTime64(3)
) ENGINE = MergeTree ORDER BY (recorded_at, run_id)`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, report *types.Report) error {
	if len(report.Results) == 0 {
		return nil
	}

	chBatch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("prepare batch failed for %s: %w", s.table, err)
	}
	defer chBatch.Abort()

	for _, r := range report.Results {
		err := chBatch.Append(
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
		if err != nil {
			return err
		}
	}

	if err := chBatch.Send(); err != nil {
		return fmt.Errorf("batch send failed for %s: %w", s.table, err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
