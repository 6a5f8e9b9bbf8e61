package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/nikolay-makurin/routecheck/internal/config"
	"github.com/nikolay-makurin/routecheck/pkg/types"
	"github.com/redis/go-redis/v9"
)

type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisSink stores each report as JSON under a key rendered from the
// configured pattern, e.g. "routecheck:{{.RunID}}".
type RedisSink struct {
	client     redisClient
	keyTmpl    *template.Template
	expiration time.Duration
}

type keyData struct {
	RunID    string
	Endpoint string
	Passed   bool
}

func NewRedisSink(cfg config.RedisTarget) (*RedisSink, error) {
	opt, err := redis.ParseURL(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("invalid redis connection string: %w", err)
	}
	return newRedisSink(redis.NewClient(opt), cfg.KeyPattern, cfg.Expiration)
}

func newRedisSink(client redisClient, pattern string, expiration time.Duration) (*RedisSink, error) {
	tmpl, err := template.New("key").Option("missingkey=error").Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern: %w", err)
	}
	return &RedisSink{
		client:     client,
		keyTmpl:    tmpl,
		expiration: expiration,
	}, nil
}

func (s *RedisSink) Write(ctx context.Context, report *types.Report) error {
	key, err := s.generateKey(keyData{
		RunID:    report.RunID,
		Endpoint: report.Endpoint,
		Passed:   report.Passed,
	})
	if err != nil {
		return permanent(err)
	}

	data, err := json.Marshal(report)
	if err != nil {
		return permanent(fmt.Errorf("failed to marshal report: %w", err))
	}

	if err := s.client.Set(ctx, key, data, s.expiration).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) generateKey(data keyData) (string, error) {
	var buf bytes.Buffer
	if err := s.keyTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute key template: %w", err)
	}
	return buf.String(), nil
}
