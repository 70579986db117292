// Package webmonitor is the browser display of the camera pipeline: it
// re-serves the decoded frames as MJPEG and over a websocket, and reports
// pipeline status as JSON or server-sent events.
package webmonitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/A-910/duan2024/camstream/internal/logger"
	"github.com/A-910/duan2024/camstream/internal/metrics"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

// Server serves the monitor endpoints and implements the pipeline display.
type Server struct {
	cfg      Config
	monitor  *Monitor
	frames   *FrameBroadcaster
	metrics  *metrics.Metrics
	status   func(*Status)
	stop     func()
	upgrader websocket.Upgrader
	log      logger.Module

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves m on /metrics and counts display clients.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStatus lets the caller fill the camera and upload sections of the
// status payload.
func WithStatus(fn func(*Status)) Option {
	return func(s *Server) { s.status = fn }
}

// WithStopFunc enables POST /api/stop.
func WithStopFunc(fn func()) Option {
	return func(s *Server) { s.stop = fn }
}

// NewServer returns a configured monitor server.
func NewServer(cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.Title == "" {
		cfg.Title = def.Title
	}

	s := &Server{
		cfg:     cfg,
		monitor: NewMonitor(),
		frames:  NewFrameBroadcaster(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  logger.For("WebMonitor"),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Show publishes a frame to every connected viewer.
func (s *Server) Show(f *types.Frame) {
	if f == nil {
		return
	}
	s.monitor.Observe(f)
	if len(f.JPEG) > 0 {
		s.frames.Publish(f.JPEG)
	}
}

// Close disconnects all viewers and ends the status streams.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.frames.Close()
		close(s.done)
		s.log.Info("Display closed")
	})
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/stop", s.handleStop)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, indexHTML, s.cfg.Title, s.cfg.Title)
}

func (s *Server) subscribe() (int, <-chan []byte) {
	id, ch := s.frames.Subscribe()
	if s.metrics != nil {
		s.metrics.DisplayClients.Add(1)
	}
	return id, ch
}

func (s *Server) unsubscribe(id int) {
	s.frames.Unsubscribe(id)
	if s.metrics != nil {
		s.metrics.DisplayClients.Add(-1)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.subscribe()
	defer s.unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh, s.cfg.IdleInterval)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade error: %v", err)
		return
	}
	id, frameCh := s.subscribe()
	defer s.unsubscribe(id)
	streamWebSocket(conn, frameCh)
}

// Snapshot builds the current status payload.
func (s *Server) Snapshot() Status {
	st := Status{
		Display:   s.monitor.Snapshot(),
		Timestamp: float64(time.Now().Unix()),
	}
	st.Display.Clients = s.frames.Clients()
	if s.status != nil {
		s.status(&st)
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	// Content negotiation based on Accept header
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamStatusEvents(w, r, s.cfg.StatusInterval, useProtobuf, s.done, func() (*SerializedEvent, error) {
		return serializeStatus(s.Snapshot())
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.stop == nil {
		writeJSONWithStatus(w, map[string]any{"error": "stop is not configured"}, http.StatusServiceUnavailable)
		return
	}
	s.log.Info("Stop requested by %s", r.RemoteAddr)
	s.stop()
	writeJSON(w, map[string]any{
		"status":     "stopping",
		"stopped_at": float64(time.Now().Unix()),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
