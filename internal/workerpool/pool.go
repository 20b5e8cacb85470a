// Package workerpool implements a dynamically-scaled worker pool over a
// delivery channel, driven by queue-length sampling on an interval.
package workerpool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Pool runs Process over every item received on Deliveries, scaling the
// number of concurrent goroutines between Min and Max based on how many
// buffered items are waiting, sampled every ScaleInterval.
type Pool[T any] struct {
	Deliveries    <-chan T
	Process       func(context.Context, T)
	Min           int
	Max           int
	ScaleInterval time.Duration
	// QueueLen reports the current backlog size driving scale decisions. If
	// nil, the pool runs a fixed Min workers and never scales.
	QueueLen func() int
	// IdleTimeout is how long the backlog must stay empty before scale-down
	// actually lowers target, to avoid thrashing workers up and down across
	// a bursty delivery pattern. Zero scales down on the first empty tick.
	IdleTimeout time.Duration

	active int64 // goroutines currently running
	target int64 // goroutines that should be running

	idleSince time.Time // zero when the backlog isn't currently empty
}

// Run starts Min workers, then scales between Min and Max until ctx is
// canceled.
func (p *Pool[T]) Run(ctx context.Context) {
	if p.Min < 1 {
		p.Min = 1
	}
	if p.Max < p.Min {
		p.Max = p.Min
	}
	atomic.StoreInt64(&p.target, int64(p.Min))

	for i := 0; i < p.Min; i++ {
		atomic.AddInt64(&p.active, 1)
		go p.worker(ctx)
	}
	slog.Info("worker pool started", slog.Int("min_workers", p.Min), slog.Int("max_workers", p.Max))

	if p.QueueLen == nil {
		<-ctx.Done()
		return
	}

	interval := p.ScaleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scale(ctx)
		}
	}
}

// scale adjusts target up or down from the current backlog, spawning new
// workers immediately on scale-up; scale-down workers retire themselves the
// next time they finish an item, never mid-delivery. Scale-down only takes
// effect once the backlog has stayed empty for IdleTimeout, so a brief lull
// between bursts doesn't spin workers down just to spin them back up.
func (p *Pool[T]) scale(ctx context.Context) {
	queueLen := p.QueueLen()
	active := int(atomic.LoadInt64(&p.active))

	if queueLen > 0 {
		p.idleSince = time.Time{}
	}

	if queueLen > 0 && active < p.Max {
		toAdd := queueLen
		if toAdd > p.Max-active {
			toAdd = p.Max - active
		}
		if toAdd > 0 {
			atomic.AddInt64(&p.target, int64(toAdd))
			for i := 0; i < toAdd; i++ {
				atomic.AddInt64(&p.active, 1)
				go p.worker(ctx)
			}
			slog.Info("worker pool scaled up", slog.Int("added", toAdd), slog.Int("queue_length", queueLen))
		}
		return
	}

	if active <= p.Min || queueLen != 0 {
		return
	}

	if p.idleSince.IsZero() {
		p.idleSince = time.Now()
	}
	if time.Since(p.idleSince) < p.IdleTimeout {
		return
	}

	toRemove := active - p.Min
	atomic.StoreInt64(&p.target, int64(p.Min))
	slog.Info("worker pool scaling down", slog.Int("removing_up_to", toRemove), slog.Duration("idle_for", time.Since(p.idleSince)))
	p.idleSince = time.Time{}
}

// worker processes deliveries until it observes active exceeding target (a
// scale-down signal, checked only between deliveries) or the channel closes.
func (p *Pool[T]) worker(ctx context.Context) {
	retired := false
	defer func() {
		if !retired {
			atomic.AddInt64(&p.active, -1)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.Deliveries:
			if !ok {
				return
			}
			p.Process(ctx, item)
		}

		if atomic.LoadInt64(&p.active) > atomic.LoadInt64(&p.target) {
			atomic.AddInt64(&p.active, -1)
			retired = true
			return
		}
	}
}
