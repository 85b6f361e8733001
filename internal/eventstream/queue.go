package eventstream

import (
	"context"
	"strings"
	"sync"
)

// EventQueue buffers validated frames between the sources and the single
// delivery worker. Frames are raw JSON text.
type EventQueue interface {
	TryEnqueue(frame string) bool
	Enqueue(ctx context.Context, frame string) bool
	Dequeue(ctx context.Context) (string, bool)
	Depth() int
	Capacity() int
	Close() error
}

const defaultQueueCapacity = 1024

type inMemoryQueue struct {
	ch chan string
}

func NewInMemoryQueue(capacity int) EventQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryQueue{
		ch: make(chan string, capacity),
	}
}

func (q *inMemoryQueue) TryEnqueue(frame string) bool {
	if q == nil || strings.TrimSpace(frame) == "" {
		return false
	}
	select {
	case q.ch <- frame:
		return true
	default:
		return false
	}
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, frame string) bool {
	if q == nil || strings.TrimSpace(frame) == "" {
		return false
	}
	select {
	case q.ch <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (string, bool) {
	if q == nil {
		return "", false
	}
	select {
	case frame := <-q.ch:
		return frame, true
	case <-ctx.Done():
		return "", false
	}
}

func (q *inMemoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryQueue) Close() error {
	return nil
}

type QueueFactory func(dsn string, capacity int) (EventQueue, error)

var queueFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]QueueFactory
}{
	factories: map[string]QueueFactory{},
}

func RegisterQueueFactory(scheme string, factory QueueFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	queueFactoryRegistry.mu.Lock()
	defer queueFactoryRegistry.mu.Unlock()
	queueFactoryRegistry.factories[scheme] = factory
}

func lookupQueueFactory(scheme string) (QueueFactory, bool) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	queueFactoryRegistry.mu.RLock()
	defer queueFactoryRegistry.mu.RUnlock()
	factory, ok := queueFactoryRegistry.factories[scheme]
	return factory, ok
}
