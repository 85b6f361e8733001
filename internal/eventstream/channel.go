package eventstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/redata/internal/progress"
)

var (
	ErrChannelClosed = errors.New("event channel closed")
	ErrQueueFull     = errors.New("event queue full")
)

// Handler receives decoded events in delivery order. *progress.Store
// satisfies it.
type Handler interface {
	Apply(ev progress.Event)
}

// IngestFunc hands one raw frame to the channel.
type IngestFunc func(ctx context.Context, frame []byte) error

// Source produces frames until ctx is done.
type Source interface {
	Name() string
	Run(ctx context.Context, ingest IngestFunc) error
}

type ChannelOptions struct {
	Queue     EventQueue
	Validator *Validator
	Sources   []Source
	// BlockOnFull makes Ingest wait for queue space instead of dropping.
	BlockOnFull bool
	Logger      progress.Logger
}

type Stats struct {
	Accepted   uint64 `json:"accepted"`
	Invalid    uint64 `json:"invalid"`
	Dropped    uint64 `json:"dropped"`
	Delivered  uint64 `json:"delivered"`
	QueueDepth int    `json:"queueDepth"`
}

// Channel is the process-wide live subscription. Every source feeds the
// same queue and exactly one worker drains it into the handler.
type Channel struct {
	handler     Handler
	queue       EventQueue
	validator   *Validator
	sources     []Source
	blockOnFull bool
	logger      progress.Logger

	accepted  atomic.Uint64
	invalid   atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewChannel(handler Handler, opts ChannelOptions) (*Channel, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: event handler is required", progress.ErrInvalidInput)
	}
	validator := opts.Validator
	if validator == nil {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryQueue(defaultQueueCapacity)
	}
	return &Channel{
		handler:     handler,
		queue:       queue,
		validator:   validator,
		sources:     append([]Source(nil), opts.Sources...),
		blockOnFull: opts.BlockOnFull,
		logger:      opts.Logger,
	}, nil
}

// Start launches the delivery worker and every configured source. It is a
// no-op after the first call or after Close.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deliver(ctx)
	}()
	for _, src := range c.sources {
		src := src
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := src.Run(ctx, c.Ingest); err != nil && ctx.Err() == nil {
				c.logf("event source %s stopped: %v", src.Name(), err)
			}
		}()
	}
}

// Ingest validates a frame and queues it for delivery.
func (c *Channel) Ingest(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.dropped.Add(1)
		return ErrChannelClosed
	}
	if _, err := c.validator.Decode(frame); err != nil {
		c.invalid.Add(1)
		return err
	}
	var ok bool
	if c.blockOnFull {
		ok = c.queue.Enqueue(ctx, string(frame))
	} else {
		ok = c.queue.TryEnqueue(string(frame))
	}
	if !ok {
		c.dropped.Add(1)
		return ErrQueueFull
	}
	c.accepted.Add(1)
	return nil
}

func (c *Channel) deliver(ctx context.Context) {
	for {
		frame, ok := c.queue.Dequeue(ctx)
		if !ok {
			return
		}
		ev, err := c.validator.Decode([]byte(frame))
		if err != nil {
			// Frames written to a durable queue by an older build may no
			// longer validate.
			c.invalid.Add(1)
			c.logf("drop queued frame: %v", err)
			continue
		}
		c.handler.Apply(ev)
		c.delivered.Add(1)
	}
}

// Close stops the sources and the worker and closes the queue. It is safe
// to call more than once and before Start.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return c.queue.Close()
}

func (c *Channel) Stats() Stats {
	return Stats{
		Accepted:   c.accepted.Load(),
		Invalid:    c.invalid.Load(),
		Dropped:    c.dropped.Load(),
		Delivered:  c.delivered.Load(),
		QueueDepth: c.queue.Depth(),
	}
}

func (c *Channel) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
