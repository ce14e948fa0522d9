package proctor

import (
	"sync"
	"time"
)

// Clock schedules the monitor's periodic work. Tests swap in a manual clock.
type Clock interface {
	Now() time.Time
	// Tick calls fn every interval until the returned Ticker is stopped.
	Tick(interval time.Duration, fn func()) Ticker
}

// Ticker is a cancellable periodic task.
type Ticker interface {
	Stop()
}

// SystemClock runs tickers on wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Tick(interval time.Duration, fn func()) Ticker {
	t := &systemTicker{done: make(chan struct{})}
	tk := time.NewTicker(interval)

	go func() {
		defer tk.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-tk.C:
				fn()
			}
		}
	}()

	return t
}

type systemTicker struct {
	once sync.Once
	done chan struct{}
}

func (t *systemTicker) Stop() {
	t.once.Do(func() { close(t.done) })
}
