package webmonitor

import (
	"sync"
	"time"

	"github.com/A-910/duan2024/camstream/pkg/types"
)

// fpsWindow is the period over which CurrentFPS is averaged.
const fpsWindow = time.Second

// Monitor keeps display statistics for the status endpoints.
type Monitor struct {
	now func() time.Time

	mu           sync.Mutex
	stats        DisplayStats
	windowStart  time.Time
	windowFrames int
}

// NewMonitor creates a Monitor using the wall clock.
func NewMonitor() *Monitor {
	return &Monitor{now: time.Now}
}

// Observe records a shown frame.
func (m *Monitor) Observe(f *types.Frame) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.FramesShown++
	m.stats.LastSeq = f.Seq
	m.stats.LastFrameAt = float64(now.UnixNano()) / 1e9
	m.stats.Width, m.stats.Height = f.Width, f.Height

	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.windowFrames++
	if elapsed := now.Sub(m.windowStart); elapsed >= fpsWindow {
		m.stats.CurrentFPS = float64(m.windowFrames) / elapsed.Seconds()
		m.windowStart = now
		m.windowFrames = 0
	}
}

// Snapshot returns the current statistics.
func (m *Monitor) Snapshot() DisplayStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
