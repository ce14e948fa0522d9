// Package proctortest provides deterministic doubles for driving a proctor.Monitor in tests.
package proctortest

import (
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// FakeClock is a manually advanced proctor.Clock. Tickers fire synchronously
// inside Advance, in time order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Tick(interval time.Duration, fn func()) proctor.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, interval: interval, next: c.now.Add(interval), fn: fn}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward by d, firing every ticker that falls due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due *fakeTicker
		for _, t := range c.tickers {
			if t.stopped || t.next.After(end) {
				continue
			}
			if due == nil || t.next.Before(due.next) {
				due = t
			}
		}
		if due == nil {
			c.now = end
			c.prune()
			c.mu.Unlock()
			return
		}
		c.now = due.next
		due.next = due.next.Add(due.interval)
		fn := due.fn
		c.mu.Unlock()

		fn()
	}
}

// Active returns the number of tickers that have not been stopped.
func (c *FakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *FakeClock) prune() {
	live := c.tickers[:0]
	for _, t := range c.tickers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.tickers = live
}

type fakeTicker struct {
	clock    *FakeClock
	interval time.Duration
	next     time.Time
	fn       func()
	stopped  bool
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}
