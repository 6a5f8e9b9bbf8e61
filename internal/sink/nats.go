package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nikolay-makurin/routecheck/internal/config"
	"github.com/nikolay-makurin/routecheck/pkg/types"
)

const (
	headerRunID  = "Routecheck-Run-Id"
	headerPassed = "Routecheck-Passed"
)

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSSink publishes every report as JSON on a subject, so alerting or
// dashboards can subscribe without polling.
type NATSSink struct {
	conn    natsConn
	subject string
}

func NewNATSSink(cfg config.NATSTarget) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("routecheck"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return &NATSSink{conn: nc, subject: cfg.Subject}, nil
}

func (s *NATSSink) Write(ctx context.Context, report *types.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return permanent(fmt.Errorf("failed to marshal report: %w", err))
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = data
	msg.Header.Set(headerRunID, report.RunID)
	msg.Header.Set(headerPassed, strconv.FormatBool(report.Passed))

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}
