package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvRegistryAPI  = "IP_REGISTER_API"
	EnvRegistryFile = "IP_REGISTER_FILE"
	EnvConfigFile   = "CAMSTREAM_CONFIG"
)

// CameraConfig controls the stream connection.
type CameraConfig struct {
	Port         int           `yaml:"port"`
	Resolution   string        `yaml:"resolution"`
	MaxRetries   int           `yaml:"max_retries"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	ChunkSize    int           `yaml:"chunk_size"`
}

// BufferConfig bounds the demuxer accumulator.
type BufferConfig struct {
	MaxBytes  int `yaml:"max_bytes"`
	TrimBytes int `yaml:"trim_bytes"`
}

// UploadConfig controls snapshot sampling and the upload sink.
type UploadConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Workers    int           `yaml:"workers"`
	Quality    int           `yaml:"quality"`
	MaxWidth   int           `yaml:"max_width"`
	Stamp      bool          `yaml:"stamp"`
	Timeout    time.Duration `yaml:"timeout"`
	Sink       string        `yaml:"sink"` // file, http, mqtt, kafka
	Dir        string        `yaml:"dir"`
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	MQTTBroker string        `yaml:"mqtt_broker"`
	MQTTTopic  string        `yaml:"mqtt_topic"`
	Brokers    []string      `yaml:"kafka_brokers"`
	KafkaTopic string        `yaml:"kafka_topic"`
}

// RegistryConfig locates the device registry.
type RegistryConfig struct {
	File    string        `yaml:"file"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MonitorConfig controls the web display.
type MonitorConfig struct {
	Addr           string        `yaml:"addr"`
	StatusInterval time.Duration `yaml:"status_interval"`
	IdleInterval   time.Duration `yaml:"idle_interval"`
}

// DetectorConfig controls the fire detection loop.
type DetectorConfig struct {
	SourceDir     string        `yaml:"source_dir"`
	SourceURL     string        `yaml:"source_url"`
	ClassifierURL string        `yaml:"classifier_url"`
	FireLabel     string        `yaml:"fire_label"`
	Threshold     float64       `yaml:"threshold"`
	ImageSize     int           `yaml:"image_size"`
	ResultURL     string        `yaml:"result_url"`
	ResultToken   string        `yaml:"result_token"`
	MQTTBroker    string        `yaml:"mqtt_broker"`
	MQTTTopic     string        `yaml:"mqtt_topic"`
	MaxEmpty      int           `yaml:"max_empty"`
	EmptyWait     time.Duration `yaml:"empty_wait"`
	Cadence       time.Duration `yaml:"cadence"`
	Timeout       time.Duration `yaml:"timeout"`
	DebugDir      string        `yaml:"debug_dir"`
	MetricsAddr   string        `yaml:"metrics_addr"`
}

// Config defines the runtime configuration for both binaries.
type Config struct {
	Camera            CameraConfig   `yaml:"camera"`
	Buffer            BufferConfig   `yaml:"buffer"`
	Upload            UploadConfig   `yaml:"upload"`
	Registry          RegistryConfig `yaml:"registry"`
	Monitor           MonitorConfig  `yaml:"monitor"`
	Detector          DetectorConfig `yaml:"detector"`
	HousekeepingEvery int            `yaml:"housekeeping_every"`
	LogLevel          string         `yaml:"log_level"`
	LogColor          bool           `yaml:"log_color"`
	PprofAddr         string         `yaml:"pprof_addr"`
}

// DefaultConfig returns a config matching the ESP32-CAM field setup.
func DefaultConfig() Config {
	return Config{
		Camera: CameraConfig{
			Port:         80,
			Resolution:   "640x480",
			MaxRetries:   3,
			Timeout:      10 * time.Second,
			RetryBackoff: 500 * time.Millisecond,
			MaxBackoff:   5 * time.Second,
			ChunkSize:    1024,
		},
		Buffer: BufferConfig{
			MaxBytes:  200 * 1024,
			TrimBytes: 10 * 1024,
		},
		Upload: UploadConfig{
			Interval:  2 * time.Second,
			Workers:   2,
			Quality:   80,
			Timeout:   15 * time.Second,
			Sink:      "file",
			Dir:       "./uploads",
			MQTTTopic: "camstream/snapshots",
		},
		Registry: RegistryConfig{
			File:    "05.ip-register/registered_ips.json",
			Timeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			Addr:           ":8080",
			StatusInterval: 2 * time.Second,
			IdleInterval:   5 * time.Second,
		},
		Detector: DetectorConfig{
			SourceDir: "./uploads",
			FireLabel: "fire",
			Threshold: 0.7,
			ImageSize: 320,
			MQTTTopic: "fire_detection",
			MaxEmpty:  5,
			EmptyWait: time.Second,
			Cadence:   2 * time.Second,
			Timeout:   10 * time.Second,
		},
		HousekeepingEvery: 50,
		LogLevel:          "info",
		LogColor:          true,
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides registry locations from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvRegistryAPI); v != "" {
		c.Registry.URL = v
	}
	if v := getenv(EnvRegistryFile); v != "" {
		c.Registry.File = v
	}
}

// Validate checks values that would otherwise break the pipeline at runtime.
func (c Config) Validate() error {
	var errs []error
	if c.Camera.Port <= 0 || c.Camera.Port > 65535 {
		errs = append(errs, fmt.Errorf("camera.port out of range: %d", c.Camera.Port))
	}
	if c.Camera.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("camera.max_retries must be positive"))
	}
	if c.Camera.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("camera.timeout must be positive"))
	}
	if c.Camera.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("camera.chunk_size must be positive"))
	}
	if c.Buffer.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("buffer.max_bytes must be positive"))
	}
	if c.Buffer.TrimBytes <= 0 || c.Buffer.TrimBytes > c.Buffer.MaxBytes {
		errs = append(errs, fmt.Errorf("buffer.trim_bytes must be in (0, max_bytes]"))
	}
	if c.Upload.Interval <= 0 {
		errs = append(errs, fmt.Errorf("upload.interval must be positive"))
	}
	if c.Upload.Workers <= 0 {
		errs = append(errs, fmt.Errorf("upload.workers must be positive"))
	}
	if c.Upload.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("upload.timeout must be positive"))
	}
	switch c.Upload.Sink {
	case "file":
		if c.Upload.Dir == "" {
			errs = append(errs, fmt.Errorf("upload.dir is required for the file sink"))
		}
	case "http":
		if c.Upload.URL == "" {
			errs = append(errs, fmt.Errorf("upload.url is required for the http sink"))
		}
	case "mqtt":
		if c.Upload.MQTTBroker == "" {
			errs = append(errs, fmt.Errorf("upload.mqtt_broker is required for the mqtt sink"))
		}
	case "kafka":
		if len(c.Upload.Brokers) == 0 || c.Upload.KafkaTopic == "" {
			errs = append(errs, fmt.Errorf("upload.kafka_brokers and upload.kafka_topic are required for the kafka sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("upload.sink unknown: %q", c.Upload.Sink))
	}
	if c.HousekeepingEvery <= 0 {
		errs = append(errs, fmt.Errorf("housekeeping_every must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateDetector checks the settings the fire detector needs.
func (c Config) ValidateDetector() error {
	d := c.Detector
	var errs []error
	if d.SourceDir == "" && d.SourceURL == "" {
		errs = append(errs, fmt.Errorf("detector.source_dir or detector.source_url is required"))
	}
	if d.ClassifierURL == "" {
		errs = append(errs, fmt.Errorf("detector.classifier_url is required"))
	}
	if d.ResultURL == "" && d.MQTTBroker == "" {
		errs = append(errs, fmt.Errorf("detector.result_url or detector.mqtt_broker is required"))
	}
	if d.Threshold < 0 || d.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("detector.threshold must be in [0, 1)"))
	}
	if d.MaxEmpty <= 0 {
		errs = append(errs, fmt.Errorf("detector.max_empty must be positive"))
	}
	if d.FireLabel == "" {
		errs = append(errs, fmt.Errorf("detector.fire_label is required"))
	}
	return errors.Join(errs...)
}
