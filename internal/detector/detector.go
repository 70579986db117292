// Package detector classifies the most recent uploaded snapshot for fire
// and publishes the outcome.
package detector

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"github.com/A-910/duan2024/camstream/internal/frame"
	"github.com/A-910/duan2024/camstream/internal/logger"
	"github.com/A-910/duan2024/camstream/internal/metrics"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

var boxColor = color.RGBA{R: 255, A: 255}

// Summary describes a finished run.
type Summary struct {
	Classified int
	Fires      int
	Stopped    bool // ctx was cancelled; otherwise empty fetches ran out
}

// Detector is the fetch, classify, publish loop.
type Detector struct {
	cache      *Cache
	classifier Classifier
	sink       ResultSink

	label     string
	threshold float64
	maxEmpty  int
	emptyWait time.Duration
	cadence   time.Duration
	debugDir  string
	metrics   *metrics.Metrics
	log       logger.Module
}

// Option configures a Detector.
type Option func(*Detector)

// WithLabel sets the class name counted as fire.
func WithLabel(label string) Option {
	return func(d *Detector) { d.label = label }
}

// WithThreshold sets the confidence a detection must exceed.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.threshold = t }
}

// WithEmptyLimit sets how many failed or empty fetches end the run, and
// the wait after each.
func WithEmptyLimit(n int, wait time.Duration) Option {
	return func(d *Detector) { d.maxEmpty, d.emptyWait = n, wait }
}

// WithCadence sets the pause after each classified image.
func WithCadence(c time.Duration) Option {
	return func(d *Detector) { d.cadence = c }
}

// WithDebugDir saves annotated copies of images where fire was found.
func WithDebugDir(dir string) Option {
	return func(d *Detector) { d.debugDir = dir }
}

// WithMetrics records classification counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// New creates a Detector.
func New(src ImageSource, cls Classifier, sink ResultSink, opts ...Option) *Detector {
	d := &Detector{
		cache:      NewCache(src),
		classifier: cls,
		sink:       sink,
		label:      "fire",
		threshold:  DefaultThreshold,
		maxEmpty:   5,
		emptyWait:  time.Second,
		cadence:    2 * time.Second,
		log:        logger.For("Detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run loops until ctx is cancelled or the empty-fetch allowance is spent.
// The allowance is never replenished.
func (d *Detector) Run(ctx context.Context) Summary {
	var sum Summary
	remaining := d.maxEmpty

	for remaining > 0 {
		if ctx.Err() != nil {
			sum.Stopped = true
			return sum
		}

		d.log.Debug("Fetching latest image")
		data, err := d.cache.Fetch(ctx)
		if err != nil || len(data) == 0 {
			remaining--
			d.log.Warn("No image available (%v), %d attempts left", err, remaining)
			if remaining <= 0 {
				break
			}
			if !wait(ctx, d.emptyWait) {
				sum.Stopped = true
				return sum
			}
			continue
		}

		f := frame.Decode(data)
		if f == nil {
			d.log.Warn("Could not decode %s, retrying", d.cache.Name())
			if !wait(ctx, d.emptyWait) {
				sum.Stopped = true
				return sum
			}
			continue
		}

		result := d.Process(ctx, f)
		sum.Classified++
		if result == types.FireDetected {
			sum.Fires++
		}

		if !wait(ctx, d.cadence) {
			sum.Stopped = true
			return sum
		}
	}

	d.log.Info("Out of fetch attempts after %d classifications", sum.Classified)
	return sum
}

// Process classifies one frame and publishes the result. Classifier and
// sink failures are logged; a failed classification counts as no fire.
func (d *Detector) Process(ctx context.Context, f *types.Frame) types.FireResult {
	dets, err := d.classifier.Classify(ctx, f.JPEG)
	if err != nil {
		d.log.Error("Classification failed: %v", err)
	}
	for _, det := range dets {
		d.log.Debug("Detected %s (%.2f)", det.Label, det.Confidence)
	}

	result, boxes := Evaluate(dets, d.label, d.threshold)
	if d.metrics != nil {
		d.metrics.Classifications.Add(1)
	}
	if result == types.FireDetected {
		d.log.Warn("Fire detected in %s (%d regions)", d.cache.Name(), len(boxes))
		if d.metrics != nil {
			d.metrics.FireDetections.Add(1)
		}
		if d.debugDir != "" {
			if err := d.saveAnnotated(f, boxes); err != nil {
				d.log.Warn("Saving annotated image: %v", err)
			}
		}
	}

	if err := d.sink.SetResult(ctx, result); err != nil {
		d.log.Error("Publishing result %s failed: %v", result, err)
	} else {
		d.log.Info("Published result %d (%s)", int(result), result)
	}
	return result
}

func (d *Detector) saveAnnotated(f *types.Frame, boxes []image.Rectangle) error {
	annotated := &types.Frame{
		Image:     frame.DrawBoxes(f.Image, boxes, boxColor, 3),
		Width:     f.Width,
		Height:    f.Height,
		Timestamp: f.Timestamp,
	}
	data, err := frame.Encoder{Quality: 85}.Encode(annotated)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.debugDir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(d.debugDir, fmt.Sprintf("fire_%s.jpg", time.Now().UTC().Format("20060102T150405.000Z")))
	return os.WriteFile(name, data, 0o644)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
