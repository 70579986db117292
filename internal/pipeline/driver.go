// Package pipeline drives frames from a source to the display and the
// upload scheduler.
package pipeline

import (
	"context"
	"iter"
	"time"

	"github.com/A-910/duan2024/camstream/internal/logger"
	"github.com/A-910/duan2024/camstream/internal/metrics"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

// Reason explains why Run returned.
type Reason string

const (
	// ReasonStopped means the context was cancelled.
	ReasonStopped Reason = "stopped"
	// ReasonStreamExhausted means the source ended on its own, typically
	// after the camera client spent its retries.
	ReasonStreamExhausted Reason = "stream exhausted"
)

// Display shows frames to a user.
type Display interface {
	Show(f *types.Frame)
	Close()
}

// Uploader samples frames for upload.
type Uploader interface {
	MaybeSubmit(f *types.Frame, now time.Time) bool
}

// Result summarizes a run.
type Result struct {
	Frames  uint64
	Uploads uint64
	Reason  Reason
}

// Driver wires a frame source to a display and an uploader.
type Driver struct {
	Source   iter.Seq[*types.Frame]
	Display  Display
	Uploader Uploader

	// Now defaults to time.Now.
	Now func() time.Time
	// HousekeepingEvery is the number of frames between progress logs and
	// memory samples (default 50).
	HousekeepingEvery int

	Metrics *metrics.Metrics
	Log     logger.Module
}

// Run consumes the source until it ends or ctx is cancelled. The display is
// closed before Run returns.
func (d *Driver) Run(ctx context.Context) Result {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	every := d.HousekeepingEvery
	if every <= 0 {
		every = 50
	}
	log := d.Log
	if log.Name() == "" {
		log = logger.For("Pipeline")
	}
	if d.Display != nil {
		defer d.Display.Close()
	}

	var res Result
	if d.Source != nil {
		for f := range d.Source {
			if ctx.Err() != nil {
				break
			}
			res.Frames++

			if d.Display != nil {
				d.Display.Show(f)
				if d.Metrics != nil {
					d.Metrics.FramesDisplayed.Add(1)
				}
			}
			if d.Uploader != nil && d.Uploader.MaybeSubmit(f, now()) {
				res.Uploads++
			}

			if res.Frames%uint64(every) == 0 {
				d.housekeep(log, res)
			}
		}
	}

	if ctx.Err() != nil {
		res.Reason = ReasonStopped
	} else {
		res.Reason = ReasonStreamExhausted
	}
	log.Info("Pipeline finished (%s): %d frames, %d uploads", res.Reason, res.Frames, res.Uploads)
	return res
}

func (d *Driver) housekeep(log logger.Module, res Result) {
	if d.Metrics == nil {
		log.Info("Processed %d frames, %d uploads", res.Frames, res.Uploads)
		return
	}
	heap := d.Metrics.SampleMemory()
	log.Info("Processed %d frames, %d uploads, buffer %d bytes, heap %.1f MiB",
		res.Frames, res.Uploads, d.Metrics.BufferBytes.Load(), float64(heap)/(1<<20))
}
