package upload

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool runs upload jobs on a fixed number of workers. Submit blocks while
// every worker is busy, so a slow sink slows the producer instead of
// growing a queue.
type Pool struct {
	g        errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	workers  int
	inflight atomic.Int64
	closed   atomic.Bool
}

// NewPool creates a pool with the given number of workers (minimum 1).
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, workers: workers}
	p.g.SetLimit(workers)
	return p
}

// Submit runs job on a free worker, blocking until one is available.
// Jobs receive a context that is cancelled if Close gives up waiting.
// Submit returns false after Close.
func (p *Pool) Submit(job func(ctx context.Context)) bool {
	if p.closed.Load() {
		return false
	}
	p.g.Go(func() error {
		p.inflight.Add(1)
		defer p.inflight.Add(-1)
		job(p.ctx)
		return nil
	})
	return true
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// InFlight returns the number of running jobs.
func (p *Pool) InFlight() int { return int(p.inflight.Load()) }

// Close stops accepting jobs and waits up to timeout for running ones.
// It returns false if jobs were abandoned.
func (p *Pool) Close(timeout time.Duration) bool {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		_ = p.g.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		p.cancel()
		return true
	case <-t.C:
		p.cancel()
		return false
	}
}
