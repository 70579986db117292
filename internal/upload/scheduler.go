// Package upload samples frames on a wall-clock cadence and ships them to a
// storage sink on a bounded worker pool.
package upload

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/A-910/duan2024/camstream/internal/logger"
	"github.com/A-910/duan2024/camstream/internal/metrics"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

// DefaultInterval is the minimum time between two dispatches.
const DefaultInterval = 2 * time.Second

// Encoder produces the wire form of a frame.
type Encoder interface {
	Encode(f *types.Frame) ([]byte, error)
}

// Scheduler decides which frames are uploaded. It is driven from a single
// goroutine; only the uploads themselves run concurrently.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	encoder  Encoder
	sink     Sink
	pool     *Pool
	name     func(time.Time) string
	metrics  *metrics.Metrics
	log      logger.Module

	last       time.Time
	dispatched bool

	// Mirrors for readers outside the driving goroutine.
	count     atomic.Uint64
	lastNanos atomic.Int64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the dispatch cadence.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithUploadTimeout bounds each upload.
func WithUploadTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = d }
}

// WithNamer replaces ObjectName.
func WithNamer(fn func(time.Time) string) SchedulerOption {
	return func(s *Scheduler) { s.name = fn }
}

// WithSchedulerMetrics records upload counters.
func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler that uploads through pool.
func NewScheduler(enc Encoder, sink Sink, pool *Pool, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		interval: DefaultInterval,
		timeout:  15 * time.Second,
		encoder:  enc,
		sink:     sink,
		pool:     pool,
		name:     ObjectName,
		log:      logger.For("Upload"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaybeSubmit dispatches f for upload if at least one interval has passed
// since the previous dispatch (the first frame always qualifies). The
// cadence is measured at dispatch time, not at upload completion. It blocks
// while the pool is saturated and reports whether a dispatch happened.
func (s *Scheduler) MaybeSubmit(f *types.Frame, now time.Time) bool {
	if f == nil {
		return false
	}
	if s.dispatched && now.Sub(s.last) < s.interval {
		return false
	}

	data, err := s.encoder.Encode(f)
	if err != nil {
		s.log.Warn("Skipping snapshot of frame %d: %v", f.Seq, err)
		return false
	}

	name := s.name(now)
	seq := f.Seq
	ok := s.pool.Submit(func(ctx context.Context) {
		s.upload(ctx, name, seq, data)
	})
	if !ok {
		return false
	}

	s.last = now
	s.dispatched = true
	s.count.Add(1)
	s.lastNanos.Store(now.UnixNano())
	if s.metrics != nil {
		s.metrics.UploadsDispatched.Add(1)
	}
	s.log.Debug("Dispatched frame %d as %s (%d bytes)", seq, name, len(data))
	return true
}

// upload runs on a pool worker. Failures stay here.
func (s *Scheduler) upload(ctx context.Context, name string, seq uint64, data []byte) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := s.sink.Upload(ctx, name, data); err != nil {
		if s.metrics != nil {
			s.metrics.UploadsFailed.Add(1)
		}
		s.log.Error("Upload of frame %d failed: %v", seq, err)
		return
	}
	if s.metrics != nil {
		s.metrics.UploadsSucceeded.Add(1)
		s.metrics.UploadBytes.Add(uint64(len(data)))
	}
	s.log.Info("Uploaded %s (%d bytes, %v)", name, len(data), time.Since(start).Round(time.Millisecond))
}

// Dispatched returns how many uploads were dispatched. Safe for concurrent use.
func (s *Scheduler) Dispatched() uint64 { return s.count.Load() }

// LastDispatch returns the time of the most recent dispatch. Safe for
// concurrent use.
func (s *Scheduler) LastDispatch() (time.Time, bool) {
	n := s.lastNanos.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
