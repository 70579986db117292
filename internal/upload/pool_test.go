package upload

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitBlocksWhenSaturated(t *testing.T) {
	pool := NewPool(2)
	release := make(chan struct{})
	var started atomic.Int32

	for range 2 {
		pool.Submit(func(ctx context.Context) {
			started.Add(1)
			<-release
		})
	}

	submitted := make(chan struct{})
	go func() {
		pool.Submit(func(ctx context.Context) {})
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("third submit should block while both workers are busy")
	case <-time.After(50 * time.Millisecond):
	}
	if pool.InFlight() != 2 {
		t.Fatalf("in flight = %d", pool.InFlight())
	}

	close(release)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submit did not unblock after a worker freed")
	}
	if !pool.Close(time.Second) {
		t.Fatal("close should drain")
	}
	if started.Load() != 2 {
		t.Fatalf("started = %d", started.Load())
	}
}

func TestCloseAbandonsStuckJobs(t *testing.T) {
	pool := NewPool(1)
	cancelled := make(chan struct{})
	pool.Submit(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	if pool.Close(20 * time.Millisecond) {
		t.Fatal("close should report abandoned jobs")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled")
	}
	if pool.Submit(func(context.Context) {}) {
		t.Fatal("submit after close must be rejected")
	}
}

func TestPoolMinimumOneWorker(t *testing.T) {
	if NewPool(0).Workers() != 1 {
		t.Fatal("pool must have at least one worker")
	}
}
