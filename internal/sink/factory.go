package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nikolay-makurin/routecheck/internal/config"
)

// FromConfig opens every configured target, each wrapped in a RetrySink.
// On error the sinks opened so far are closed.
func FromConfig(ctx context.Context, targets config.TargetsConfig) ([]Sink, error) {
	var sinks []Sink
	fail := func(kind, name string, err error) ([]Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, fmt.Errorf("init %s sink %s: %w", kind, name, err)
	}

	for _, t := range targets.Postgres {
		s, err := NewPostgresSink(ctx, t)
		if err != nil {
			return fail("postgres", t.Name, err)
		}
		sinks = append(sinks, NewRetrySink(t.Name, s, t.Retry))
		slog.Info("Initialized Postgres sink", "name", t.Name)
	}

	for _, t := range targets.ClickHouse {
		s, err := NewClickHouseSink(ctx, t)
		if err != nil {
			return fail("clickhouse", t.Name, err)
		}
		sinks = append(sinks, NewRetrySink(t.Name, s, t.Retry))
		slog.Info("Initialized ClickHouse sink", "name", t.Name)
	}

	for _, t := range targets.Redis {
		s, err := NewRedisSink(t)
		if err != nil {
			return fail("redis", t.Name, err)
		}
		sinks = append(sinks, NewRetrySink(t.Name, s, t.Retry))
		slog.Info("Initialized Redis sink", "name", t.Name)
	}

	for _, t := range targets.NATS {
		s, err := NewNATSSink(t)
		if err != nil {
			return fail("nats", t.Name, err)
		}
		sinks = append(sinks, NewRetrySink(t.Name, s, t.Retry))
		slog.Info("Initialized NATS sink", "name", t.Name)
	}

	return sinks, nil
}
