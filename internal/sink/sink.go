package sink

import (
	"context"
	"errors"

	"github.com/nikolay-makurin/routecheck/pkg/types"
)

// Sink delivers a finished report somewhere outside the process. A failed
// delivery never changes the verdict of the run it describes.
type Sink interface {
	Write(ctx context.Context, report *types.Report) error
	Close() error
}

// Named is implemented by sinks that carry a configured name.
type Named interface {
	Name() string
}

func nameOf(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "unnamed"
}

// permanentError marks a delivery failure that no retry can fix, such as a
// report that cannot be encoded for its target.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return permanentError{err} }

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
