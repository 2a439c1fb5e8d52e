// Package clock fans one time.Ticker out to subscribers with their own
// intervals. The scheduler uses it to sweep the store for work it was not
// told about.
package clock

import (
	"context"
	"sync"
	"time"
)

type Ticker interface {
	Tick(ctx context.Context) error
}

// TickerFunc adapts a function to Ticker.
type TickerFunc func(ctx context.Context) error

func (f TickerFunc) Tick(ctx context.Context) error {
	return f(ctx)
}

type TickerID interface{}

type ExecutionMode int

const (
	// NonBlocking runs the subscriber in its own goroutine, skipping ticks
	// while a previous one is still running.
	NonBlocking ExecutionMode = iota
	// BestEffort runs the subscriber inline on the clock goroutine.
	BestEffort
)

type TickerSubscriber struct {
	ID           TickerID
	Ticker       Ticker
	Mode         ExecutionMode
	LastExecTime time.Time
	Interval     time.Duration
	Name         string
	OnError      func(error)

	running bool
}

type TickerSubscriberOption func(*TickerSubscriber)

func WithInterval(interval time.Duration) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.Interval = interval
	}
}

func WithName(name string) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.Name = name
	}
}

func WithOnError(onError func(error)) TickerSubscriberOption {
	return func(ts *TickerSubscriber) {
		ts.OnError = onError
	}
}

type Clock struct {
	interval time.Duration
	subs     []*TickerSubscriber
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	onError  func(error)
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

func NewClock(ctx context.Context, interval time.Duration, onError func(error)) *Clock {
	ctx, cancel := context.WithCancel(ctx)
	return &Clock{
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		onError:  onError,
	}
}

func (c *Clock) Add(id TickerID, ticker Ticker, mode ExecutionMode, opts ...TickerSubscriberOption) {
	sub := &TickerSubscriber{
		ID:     id,
		Ticker: ticker,
		Mode:   mode,
	}
	for _, opt := range opts {
		opt(sub)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

func (c *Clock) Remove(id TickerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub.ID == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.dispatchTicks()
}

// Stop cancels running subscribers and waits for them to return.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}

func (c *Clock) dispatchTicks() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.tick(now)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Clock) tick(now time.Time) {
	c.mu.Lock()
	var due []*TickerSubscriber
	for _, sub := range c.subs {
		interval := c.interval
		if sub.Interval > 0 {
			interval = sub.Interval
		}
		if sub.running || now.Sub(sub.LastExecTime) < interval {
			continue
		}
		sub.LastExecTime = now
		due = append(due, sub)
	}
	c.mu.Unlock()

	for _, sub := range due {
		switch sub.Mode {
		case NonBlocking:
			c.mu.Lock()
			sub.running = true
			c.mu.Unlock()
			c.wg.Add(1)
			go func(sub *TickerSubscriber) {
				defer c.wg.Done()
				c.run(sub)
				c.mu.Lock()
				sub.running = false
				c.mu.Unlock()
			}(sub)
		case BestEffort:
			c.run(sub)
		}
	}
}

func (c *Clock) run(sub *TickerSubscriber) {
	if err := sub.Ticker.Tick(c.ctx); err != nil {
		if sub.OnError != nil {
			sub.OnError(err)
		} else if c.onError != nil {
			c.onError(err)
		}
	}
}
