package webmonitor

import "time"

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr           string
	Title          string
	StatusInterval time.Duration
	// IdleInterval is how long /stream waits for a frame before sending the
	// color-bar placeholder.
	IdleInterval time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		Title:          "Camera Stream Monitor",
		StatusInterval: 2 * time.Second,
		IdleInterval:   5 * time.Second,
	}
}
