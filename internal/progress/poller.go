package progress

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type PollerOptions struct {
	Interval    time.Duration
	Jitter      float64
	Concurrency int
	Timeout     time.Duration
	Logger      Logger
	// Sample returns a value in [0,1) used to jitter each wait.
	Sample func() float64
}

// Poller periodically re-fetches status for tasks that are not yet terminal
// and ratchets them forward. It is the fallback for lost live events.
type Poller struct {
	store       *Store
	fetcher     StatusFetcher
	interval    time.Duration
	jitter      float64
	concurrency int
	timeout     time.Duration
	logger      Logger
	sample      func() float64
}

func NewPoller(store *Store, fetcher StatusFetcher, opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sample := opts.Sample
	if sample == nil {
		var mu sync.Mutex
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sample = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64()
		}
	}
	return &Poller{
		store:       store,
		fetcher:     fetcher,
		interval:    interval,
		jitter:      ClampJitterRatio(opts.Jitter),
		concurrency: concurrency,
		timeout:     timeout,
		logger:      opts.Logger,
		sample:      sample,
	}
}

// PollOnce runs one cycle and returns how many tasks advanced. Fetch errors
// are logged and leave the task as it was.
func (p *Poller) PollOnce(ctx context.Context) int {
	ids := p.store.nonTerminalTaskIDs()
	if len(ids) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var advanced atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, id := range ids {
		taskID := id
		g.Go(func() error {
			st, err := p.fetcher.GetStatus(ctx, taskID)
			if err != nil {
				p.logf("status poll for task %s failed: %v", taskID, err)
				return nil
			}
			if p.store.MergeStatus(taskID, st) {
				advanced.Add(1)
				p.logf("status poll moved task %s to %s", taskID, PhaseFromStatus(st.Status))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(advanced.Load())
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.PollOnce(ctx)
			timer.Reset(p.nextDelay())
		}
	}
}

func (p *Poller) nextDelay() time.Duration {
	return JitteredInterval(p.interval, p.jitter, p.sample())
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by ±jitterRatio; sample 0 gives the lower
// bound, 0.5 the base and 1 the upper bound.
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
