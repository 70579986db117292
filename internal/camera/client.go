// Package camera opens the MJPEG stream of a networked camera and turns it
// into a sequence of decoded frames.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/A-910/duan2024/camstream/internal/logger"
	"github.com/A-910/duan2024/camstream/internal/metrics"
	"github.com/A-910/duan2024/camstream/internal/mjpeg"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

var (
	// ErrReadTimeout is the cause of an attempt that saw no bytes within
	// the configured timeout.
	ErrReadTimeout = errors.New("camera: read timeout")
	// ErrStreamEnded is returned when the camera closes the body.
	ErrStreamEnded = errors.New("camera: stream ended")
)

// StatusError is a non-200 answer from the stream endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("camera: unexpected status code %d", e.Code)
}

// Backoff is an exponential delay between attempts. A zero Initial means
// retries start immediately.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry number attempt (1-based):
// Initial * 2^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 || attempt <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Stats describes the client's connection history.
type Stats struct {
	Attempts  int
	Failures  int
	Connected bool
	LastError string
	Buffer    mjpeg.Stats
}

// Client streams frames from a camera.
type Client struct {
	httpClient   *http.Client
	port         int
	resolution   string
	chunkSize    int
	backoff      Backoff
	demuxOptions []mjpeg.Option
	metrics      *metrics.Metrics
	log          logger.Module

	mu        sync.Mutex
	stats     Stats
	lastDemux mjpeg.Stats
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout must be zero: the
// stream is unbounded and only idle time is limited.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPort sets the camera HTTP port (default 80).
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithResolution sets the resolution query parameter (default 640x480).
func WithResolution(res string) Option {
	return func(c *Client) { c.resolution = res }
}

// WithChunkSize sets the read size (default 1024).
func WithChunkSize(n int) Option {
	return func(c *Client) { c.chunkSize = n }
}

// WithBackoff sets the delay policy between attempts.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithDemuxOptions configures the per-stream demuxer.
func WithDemuxOptions(opts ...mjpeg.Option) Option {
	return func(c *Client) { c.demuxOptions = append(c.demuxOptions, opts...) }
}

// WithMetrics records ingest counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger replaces the module logger.
func WithLogger(l logger.Module) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a camera client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		port:       80,
		resolution: "640x480",
		chunkSize:  1024,
		log:        logger.For("Camera"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DialContext:       (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				DisableKeepAlives: true,
			},
		}
	}
	if c.chunkSize <= 0 {
		c.chunkSize = 1024
	}
	return c
}

// StreamURL builds the stream endpoint for a device address.
func (c *Client) StreamURL(address string) string {
	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(address, strconv.Itoa(c.port)),
		Path:     "/stream",
		RawQuery: url.Values{"resolution": {c.resolution}}.Encode(),
	}
	return u.String()
}

// Stats returns a snapshot of the connection history.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Stream yields frames from the camera at address. Every attempt that ends,
// whatever the reason, consumes one of maxRetries; the sequence ends when
// they are spent or ctx is cancelled. No error escapes: the end of the
// sequence is the only failure signal. timeout bounds connection setup and
// each wait for the next chunk; time the consumer spends handling a frame is
// not counted. A non-positive timeout disables the limit.
//
// Cancelling ctx does not interrupt a read in progress; it is observed once
// the read returns or times out.
func (c *Client) Stream(ctx context.Context, address string, maxRetries int, timeout time.Duration) iter.Seq[*types.Frame] {
	return func(yield func(*types.Frame) bool) {
		streamURL := c.StreamURL(address)
		demux := mjpeg.NewDemuxer(c.demuxOptions...)
		c.mu.Lock()
		c.lastDemux = mjpeg.Stats{}
		c.mu.Unlock()

		for attempt := 1; attempt <= maxRetries; attempt++ {
			if ctx.Err() != nil {
				return
			}

			c.log.Info("Attempting to fetch stream from %s (attempt %d/%d)", streamURL, attempt, maxRetries)
			demux.Reset()
			stopped, err := c.attempt(ctx, streamURL, timeout, demux, yield)
			if stopped {
				return
			}
			c.recordFailure(err)

			switch {
			case errors.Is(err, ErrReadTimeout):
				c.log.Warn("Timeout while fetching stream from %s", streamURL)
			default:
				c.log.Warn("Stream attempt %d/%d failed: %v", attempt, maxRetries, err)
			}

			if attempt == maxRetries {
				break
			}
			if err := sleep(ctx, c.backoff.Delay(attempt)); err != nil {
				return
			}
		}

		c.log.Error("Max retries reached. Could not fetch stream from %s", streamURL)
	}
}

// attempt runs one connection. stopped reports that the consumer or ctx
// ended the sequence; otherwise err says why the attempt ended.
func (c *Client) attempt(ctx context.Context, streamURL string, timeout time.Duration, demux *mjpeg.Demuxer, yield func(*types.Frame) bool) (stopped bool, err error) {
	c.mu.Lock()
	c.stats.Attempts++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ConnectAttempts.Add(1)
	}

	reqCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	idle := newIdleTimer(timeout, func() { cancel(ErrReadTimeout) })
	defer idle.stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		return false, fmt.Errorf("camera: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, timeoutCause(reqCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &StatusError{Code: resp.StatusCode}
	}

	c.setConnected(true)
	defer c.setConnected(false)

	// Only time spent waiting on the network counts against timeout; the
	// consumer may block in yield for as long as it needs.
	buf := make([]byte, c.chunkSize)
	for {
		idle.reset()
		n, readErr := resp.Body.Read(buf)
		idle.stop()
		if n > 0 {
			if c.metrics != nil {
				c.metrics.ChunksReceived.Add(1)
				c.metrics.BytesReceived.Add(uint64(n))
			}
			for f := range demux.Ingest(buf[:n]) {
				c.observe(demux)
				if ctx.Err() != nil || !yield(f) {
					return true, nil
				}
			}
			c.observe(demux)
		}
		if ctx.Err() != nil {
			return true, nil
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return false, ErrStreamEnded
			}
			return false, timeoutCause(reqCtx, readErr)
		}
	}
}

// idleTimer fires onIdle when armed for longer than d. A non-positive d
// disables it.
type idleTimer struct {
	d time.Duration
	t *time.Timer
}

func newIdleTimer(d time.Duration, onIdle func()) *idleTimer {
	it := &idleTimer{d: d}
	if d > 0 {
		it.t = time.AfterFunc(d, onIdle)
	}
	return it
}

func (it *idleTimer) reset() {
	if it.t != nil {
		it.t.Reset(it.d)
	}
}

func (it *idleTimer) stop() {
	if it.t != nil {
		it.t.Stop()
	}
}

func timeoutCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrReadTimeout) {
		return cause
	}
	return fmt.Errorf("camera: %w", err)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.stats.Connected = v
	c.mu.Unlock()
}

func (c *Client) recordFailure(err error) {
	c.mu.Lock()
	c.stats.Failures++
	if err != nil {
		c.stats.LastError = err.Error()
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ConnectFailures.Add(1)
	}
}

// observe folds demuxer counter deltas into the shared metrics.
func (c *Client) observe(demux *mjpeg.Demuxer) {
	s := demux.Stats()

	c.mu.Lock()
	prev := c.lastDemux
	c.lastDemux = s
	c.stats.Buffer = s
	c.mu.Unlock()

	if c.metrics == nil {
		return
	}
	c.metrics.FramesDecoded.Add(s.Decoded - prev.Decoded)
	c.metrics.FramesRejected.Add(s.Rejected - prev.Rejected)
	c.metrics.BufferTrims.Add(s.Trims - prev.Trims)
	c.metrics.BufferBytes.Store(uint64(s.Buffered))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
