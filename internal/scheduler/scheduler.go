// Package scheduler provides the delayed-callback primitive used by the
// download queue and sync tasks: one-shot timeouts and fixed-interval
// tickers with cancellable handles.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Handle cancels a scheduled callback. Stop is safe to call more than once.
type Handle interface {
	Stop()
}

// TickFunc is invoked by Every with the 1-based tick count and the time
// elapsed since the interval was started.
type TickFunc func(tick int, elapsed time.Duration)

type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Handle
	Every(d time.Duration, f TickFunc) Handle
}

// Real schedules callbacks on wall-clock timers. Callbacks run on their
// own goroutines.
type Real struct{}

func (Real) AfterFunc(d time.Duration, f func()) Handle {
	return &timerHandle{t: time.AfterFunc(d, f)}
}

func (Real) Every(d time.Duration, f TickFunc) Handle {
	h := &tickerHandle{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	start := time.Now()
	go func() {
		tick := 0
		for {
			select {
			case <-h.done:
				return
			case now := <-h.ticker.C:
				tick++
				f(tick, now.Sub(start))
			}
		}
	}()
	return h
}

type timerHandle struct {
	t *time.Timer
}

func (h *timerHandle) Stop() { h.t.Stop() }

type tickerHandle struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *tickerHandle) Stop() {
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
	})
}

// Sleep blocks for d on s, returning early with ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, s Scheduler, d time.Duration) error {
	done := make(chan struct{})
	h := s.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.Stop()
		return ctx.Err()
	}
}
