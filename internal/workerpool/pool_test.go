package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesAllDeliveries(t *testing.T) {
	deliveries := make(chan int, 100)
	var processed int64
	for i := 0; i < 50; i++ {
		deliveries <- i
	}
	close(deliveries)

	p := &Pool[int]{
		Deliveries: deliveries,
		Process: func(_ context.Context, _ int) {
			atomic.AddInt64(&processed, 1)
		},
		Min: 4,
		Max: 4,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Run(ctx)

	require.Equal(t, int64(50), atomic.LoadInt64(&processed))
}

func TestPool_ScalesUpWithBacklog(t *testing.T) {
	backlog := make(chan int, 200)
	deliveries := make(chan int)
	go func() {
		for i := 0; i < 200; i++ {
			backlog <- i
		}
	}()

	var processed, peakActive int64
	var p *Pool[int]
	p = &Pool[int]{
		Deliveries: deliveries,
		Process: func(_ context.Context, _ int) {
			atomic.AddInt64(&processed, 1)
			if a := atomic.LoadInt64(&p.active); a > atomic.LoadInt64(&peakActive) {
				atomic.StoreInt64(&peakActive, a)
			}
			time.Sleep(time.Millisecond)
		},
		Min:           1,
		Max:           8,
		ScaleInterval: 20 * time.Millisecond,
		QueueLen:      func() int { return len(backlog) },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-backlog:
				select {
				case deliveries <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	p.Run(ctx)
	require.True(t, atomic.LoadInt64(&processed) > 0)
	require.Greater(t, atomic.LoadInt64(&peakActive), int64(p.Min), "expected pool to scale above Min under backlog")
}

func TestPool_ScaleDownWaitsForIdleTimeout(t *testing.T) {
	// Workers only recheck target-vs-active between deliveries, so a slow
	// trickle of items keeps every worker looping even once the backlog
	// (as QueueLen reports it) has drained.
	deliveries := make(chan int)
	queueLen := int64(5)

	p := &Pool[int]{
		Deliveries:    deliveries,
		Process:       func(_ context.Context, _ int) {},
		Min:           1,
		Max:           4,
		ScaleInterval: 10 * time.Millisecond,
		IdleTimeout:   100 * time.Millisecond,
		QueueLen:      func() int { return int(atomic.LoadInt64(&queueLen)) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case deliveries <- 1:
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&p.active) > int64(p.Min)
	}, time.Second, 5*time.Millisecond, "expected pool to scale up under backlog")

	atomic.StoreInt64(&queueLen, 0)

	// Immediately after the backlog drains, active should still exceed Min:
	// scale-down is debounced by IdleTimeout.
	time.Sleep(30 * time.Millisecond)
	require.True(t, atomic.LoadInt64(&p.active) > int64(p.Min), "scaled down before IdleTimeout elapsed")

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&p.active) == int64(p.Min)
	}, time.Second, 5*time.Millisecond, "expected pool to scale back down to Min after IdleTimeout")
}
