// Package mjpeg rebuilds discrete JPEG frames from a raw Motion-JPEG byte
// stream.
//
// The demuxer keeps a bounded accumulator of received-but-not-yet-framed
// bytes. Frames are located purely by their SOI (FF D8) and EOI (FF D9)
// markers, so any multipart boundary text the camera interleaves between
// parts is skipped as leading garbage.
package mjpeg

import (
	"bytes"
	"iter"

	"github.com/A-910/duan2024/camstream/internal/frame"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

const (
	DefaultMaxBufferSize = 200 * 1024
	DefaultTrimTailSize  = 10 * 1024
)

// DecodeFunc turns one JPEG slice into a frame, or nil if it is not decodable.
type DecodeFunc func([]byte) *types.Frame

// Stats describes the demuxer's accumulator activity.
type Stats struct {
	BytesIn   uint64
	Extracted uint64 // Complete SOI..EOI slices found
	Decoded   uint64 // Slices that decoded into frames
	Rejected  uint64 // Slices the decoder refused
	Trims     uint64 // Overflow truncations
	Buffered  int    // Current accumulator length
}

// Demuxer owns the byte accumulator. It is not safe for concurrent use.
type Demuxer struct {
	maxBufferSize int
	trimTailSize  int
	decode        DecodeFunc

	buf   []byte
	seq   uint64
	stats Stats
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithBufferLimits sets the overflow threshold and the number of trailing
// bytes kept when it is exceeded.
func WithBufferLimits(maxBufferSize, trimTailSize int) Option {
	return func(d *Demuxer) {
		d.maxBufferSize = maxBufferSize
		d.trimTailSize = trimTailSize
	}
}

// WithDecoder replaces frame.Decode.
func WithDecoder(fn DecodeFunc) Option {
	return func(d *Demuxer) {
		d.decode = fn
	}
}

// NewDemuxer creates a demuxer with default limits.
func NewDemuxer(opts ...Option) *Demuxer {
	d := &Demuxer{
		maxBufferSize: DefaultMaxBufferSize,
		trimTailSize:  DefaultTrimTailSize,
		decode:        frame.Decode,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.trimTailSize > d.maxBufferSize {
		d.trimTailSize = d.maxBufferSize
	}
	if d.trimTailSize < 0 {
		d.trimTailSize = 0
	}
	return d
}

// Write appends a chunk to the accumulator, truncating it to the last
// trimTailSize bytes if it grows past maxBufferSize. It never fails.
func (d *Demuxer) Write(chunk []byte) (int, error) {
	d.buf = append(d.buf, chunk...)
	d.stats.BytesIn += uint64(len(chunk))

	if len(d.buf) > d.maxBufferSize {
		// Reuse the backing array; the tail is moved to the front.
		n := copy(d.buf, d.buf[len(d.buf)-d.trimTailSize:])
		d.buf = d.buf[:n]
		d.stats.Trims++
	}
	return len(chunk), nil
}

// bounds locates the first SOI and the first EOI after it.
func (d *Demuxer) bounds() (start, end int, ok bool) {
	start = bytes.Index(d.buf, frame.SOI)
	if start < 0 {
		return 0, 0, false
	}
	rel := bytes.Index(d.buf[start+len(frame.SOI):], frame.EOI)
	if rel < 0 {
		return 0, 0, false
	}
	return start, start + len(frame.SOI) + rel + len(frame.EOI), true
}

// consume drops everything before end.
func (d *Demuxer) consume(end int) {
	n := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:n]
}

// Next extracts the next complete SOI..EOI slice, removing it and any bytes
// before it from the accumulator. The result is a fresh copy.
func (d *Demuxer) Next() ([]byte, bool) {
	start, end, ok := d.bounds()
	if !ok {
		return nil, false
	}
	jpegData := bytes.Clone(d.buf[start:end])
	d.consume(end)
	d.stats.Extracted++
	return jpegData, true
}

// Frames lazily yields every decodable frame currently in the accumulator,
// in byte order. Slices that fail to decode are dropped. If the consumer
// stops early, the remaining bytes stay buffered.
func (d *Demuxer) Frames() iter.Seq[*types.Frame] {
	return func(yield func(*types.Frame) bool) {
		for {
			start, end, ok := d.bounds()
			if !ok {
				return
			}
			// The decoder sees the accumulator directly and must not retain it.
			f := d.decode(d.buf[start:end])
			d.consume(end)
			d.stats.Extracted++
			if f == nil {
				d.stats.Rejected++
				continue
			}
			d.seq++
			f.Seq = d.seq
			d.stats.Decoded++
			if !yield(f) {
				return
			}
		}
	}
}

// Ingest appends a chunk and returns the frames it completes.
func (d *Demuxer) Ingest(chunk []byte) iter.Seq[*types.Frame] {
	_, _ = d.Write(chunk)
	return d.Frames()
}

// Buffered returns a copy of the unconsumed bytes.
func (d *Demuxer) Buffered() []byte {
	return bytes.Clone(d.buf)
}

// Len returns the accumulator length.
func (d *Demuxer) Len() int { return len(d.buf) }

// Stats returns a snapshot of the accumulator counters.
func (d *Demuxer) Stats() Stats {
	s := d.stats
	s.Buffered = len(d.buf)
	return s
}

// Reset discards buffered bytes, e.g. when the connection is reopened.
func (d *Demuxer) Reset() {
	d.buf = d.buf[:0]
}
