package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nikolay-makurin/routecheck/pkg/types"
)

// BroadcastSink writes to multiple sinks in parallel.
// It returns an error if ANY sink fails.
type BroadcastSink struct {
	sinks     []Sink
	onFailure func(name string, err error)
}

type BroadcastOption func(*BroadcastSink)

// WithFailureHook is called once for every sink whose write failed.
func WithFailureHook(fn func(name string, err error)) BroadcastOption {
	return func(b *BroadcastSink) { b.onFailure = fn }
}

func NewBroadcastSink(sinks []Sink, opts ...BroadcastOption) *BroadcastSink {
	b := &BroadcastSink{sinks: sinks}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BroadcastSink) Len() int { return len(b.sinks) }

func (b *BroadcastSink) Write(ctx context.Context, report *types.Report) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, s := range b.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Write(ctx, report); err != nil {
				name := nameOf(s)
				if b.onFailure != nil {
					b.onFailure(name, err)
				}
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("broadcast failed: %w", errors.Join(errs...))
	}
	return nil
}

func (b *BroadcastSink) Close() error {
	var errs []error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close failed: %w", errors.Join(errs...))
	}
	return nil
}
