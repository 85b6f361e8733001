package eventstream

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/redata/internal/progress"
)

// BuildQueueFromDSN returns nil, nil for an empty DSN; callers fall back to
// an in-memory queue.
func BuildQueueFromDSN(dsn string, capacity int) (EventQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, path, err := progress.SplitDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		if path == "" {
			return nil, progress.ErrInvalidInput
		}
		return NewFileQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: event queue backend %s", progress.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported event queue scheme: %s", scheme)
	}
}
