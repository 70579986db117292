package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/A-910/duan2024/camstream/internal/broker"
	"github.com/A-910/duan2024/camstream/internal/camera"
	"github.com/A-910/duan2024/camstream/internal/config"
	"github.com/A-910/duan2024/camstream/internal/frame"
	"github.com/A-910/duan2024/camstream/internal/logger"
	"github.com/A-910/duan2024/camstream/internal/metrics"
	"github.com/A-910/duan2024/camstream/internal/mjpeg"
	"github.com/A-910/duan2024/camstream/internal/pipeline"
	"github.com/A-910/duan2024/camstream/internal/registry"
	"github.com/A-910/duan2024/camstream/internal/upload"
	"github.com/A-910/duan2024/camstream/internal/webmonitor"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

// Exit codes.
const (
	exitOK              = 0
	exitStreamExhausted = 1
	exitConfig          = 2
)

var (
	// Command-line flags; set flags override the config file.
	configPath   = flag.String("config", os.Getenv(config.EnvConfigFile), "YAML config file")
	registryFile = flag.String("registry-file", "", "Device registry file (JSON or YAML)")
	registryURL  = flag.String("registry-url", "", "Device registry URL")
	httpAddr     = flag.String("http", "", "Monitor HTTP address")
	sinkKind     = flag.String("sink", "", "Upload sink (file, http, mqtt, kafka)")
	interval     = flag.Duration("interval", 0, "Minimum time between uploads")
	maxRetries   = flag.Int("max-retries", 0, "Stream connection attempts")
	timeout      = flag.Duration("timeout", 0, "Stream idle timeout")
	pprofAddr    = flag.String("pprof", "", "pprof server address (empty disables)")
	logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor     = flag.Bool("log-color", true, "Enable colored log output")
)

// App wires the camera stream to the display and the uploader.
type App struct {
	cfg        config.Config
	device     types.Device
	metrics    *metrics.Metrics
	client     *camera.Client
	pool       *upload.Pool
	scheduler  *upload.Scheduler
	sink       upload.Sink
	closeSink  func() error
	display    *webmonitor.Server
	httpServer *http.Server
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		return exitConfig
	}
	logger.Init(level, os.Stderr, cfg.LogColor)
	logger.Info("Main", "camstream starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Main", "Received %s, shutting down...", sig)
		cancel()
	}()

	provider := registry.New(cfg.Registry.URL, cfg.Registry.File, cfg.Registry.Timeout)
	device, err := provider.Resolve(ctx)
	if err != nil {
		logger.Error("Main", "Could not resolve camera: %v", err)
		return exitConfig
	}
	logger.Info("Main", "Using device %s at %s", device.Name, device.IPAddress)

	app, err := NewApp(cfg, device, cancel)
	if err != nil {
		logger.Error("Main", "Failed to create app: %v", err)
		return exitConfig
	}
	app.Start()

	res := app.Run(ctx)

	if err := app.Shutdown(); err != nil {
		logger.Warn("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Stopped (%s)", res.Reason)

	if res.Reason == pipeline.ReasonStreamExhausted {
		return exitStreamExhausted
	}
	return exitOK
}

// loadConfig layers defaults, the config file, the environment and set flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	cfg.ApplyEnv(os.Getenv)

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "registry-file":
			cfg.Registry.File = *registryFile
		case "registry-url":
			cfg.Registry.URL = *registryURL
		case "http":
			cfg.Monitor.Addr = *httpAddr
		case "sink":
			cfg.Upload.Sink = *sinkKind
		case "interval":
			cfg.Upload.Interval = *interval
		case "max-retries":
			cfg.Camera.MaxRetries = *maxRetries
		case "timeout":
			cfg.Camera.Timeout = *timeout
		case "pprof":
			cfg.PprofAddr = *pprofAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		}
	})
	return cfg, cfg.Validate()
}

// NewApp builds every component. stop is invoked by POST /api/stop.
func NewApp(cfg config.Config, device types.Device, stop func()) (*App, error) {
	m := metrics.New()

	sink, closeSink, err := newSink(cfg.Upload, device)
	if err != nil {
		return nil, err
	}

	client := camera.NewClient(
		camera.WithPort(cfg.Camera.Port),
		camera.WithResolution(cfg.Camera.Resolution),
		camera.WithChunkSize(cfg.Camera.ChunkSize),
		camera.WithBackoff(camera.Backoff{Initial: cfg.Camera.RetryBackoff, Max: cfg.Camera.MaxBackoff}),
		camera.WithDemuxOptions(mjpeg.WithBufferLimits(cfg.Buffer.MaxBytes, cfg.Buffer.TrimBytes)),
		camera.WithMetrics(m),
	)

	pool := upload.NewPool(cfg.Upload.Workers)
	encoder := frame.Encoder{Quality: cfg.Upload.Quality, MaxWidth: cfg.Upload.MaxWidth, Stamp: cfg.Upload.Stamp}
	scheduler := upload.NewScheduler(encoder, sink, pool,
		upload.WithInterval(cfg.Upload.Interval),
		upload.WithUploadTimeout(cfg.Upload.Timeout),
		upload.WithSchedulerMetrics(m),
	)

	app := &App{
		cfg:       cfg,
		device:    device,
		metrics:   m,
		client:    client,
		pool:      pool,
		scheduler: scheduler,
		sink:      sink,
		closeSink: closeSink,
	}

	app.display = webmonitor.NewServer(webmonitor.Config{
		Addr:           cfg.Monitor.Addr,
		Title:          fmt.Sprintf("%s (%s)", device.Name, device.IPAddress),
		StatusInterval: cfg.Monitor.StatusInterval,
		IdleInterval:   cfg.Monitor.IdleInterval,
	},
		webmonitor.WithMetrics(m),
		webmonitor.WithStatus(app.fillStatus),
		webmonitor.WithStopFunc(stop),
	)
	app.httpServer = &http.Server{
		Addr:    cfg.Monitor.Addr,
		Handler: app.display.Handler(),
	}
	return app, nil
}

func newSink(cfg config.UploadConfig, device types.Device) (upload.Sink, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Sink {
	case "file":
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("upload dir: %w", err)
		}
		return upload.FileSink{Dir: cfg.Dir}, noop, nil
	case "http":
		return upload.HTTPSink{BaseURL: cfg.URL, Token: cfg.Token, Client: &http.Client{Timeout: cfg.Timeout}}, noop, nil
	case "mqtt":
		client, err := broker.ConnectMQTT(broker.MQTTOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: "camstream-" + device.Name,
		})
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() error {
			client.Disconnect(250)
			return nil
		}
		return upload.MQTTSink{Publisher: client, Topic: cfg.MQTTTopic}, closeFn, nil
	case "kafka":
		sink, err := upload.NewKafkaSink(cfg.Brokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown upload sink %q", cfg.Sink)
}

// Start launches the HTTP servers.
func (a *App) Start() {
	if a.cfg.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", a.cfg.PprofAddr)
			if err := http.ListenAndServe(a.cfg.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Monitor listening on %s", a.cfg.Monitor.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()
}

// Run streams until ctx is cancelled or the camera retries are spent.
func (a *App) Run(ctx context.Context) pipeline.Result {
	d := &pipeline.Driver{
		Source:            a.client.Stream(ctx, a.device.IPAddress, a.cfg.Camera.MaxRetries, a.cfg.Camera.Timeout),
		Display:           a.display,
		Uploader:          a.scheduler,
		HousekeepingEvery: a.cfg.HousekeepingEvery,
		Metrics:           a.metrics,
	}
	return d.Run(ctx)
}

// Shutdown drains uploads and stops the HTTP server.
func (a *App) Shutdown() error {
	var errs []error

	if !a.pool.Close(a.cfg.Upload.Timeout) {
		errs = append(errs, fmt.Errorf("abandoned %d in-flight uploads", a.pool.InFlight()))
	}
	if err := a.closeSink(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}

	// The display was closed by the driver, which ends open streams.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) fillStatus(st *webmonitor.Status) {
	cs := a.client.Stats()
	st.Camera = &webmonitor.CameraStats{
		DeviceName:    a.device.Name,
		IPAddress:     a.device.IPAddress,
		StreamURL:     a.client.StreamURL(a.device.IPAddress),
		Attempts:      cs.Attempts,
		Failures:      cs.Failures,
		Connected:     cs.Connected,
		LastError:     cs.LastError,
		BufferedBytes: cs.Buffer.Buffered,
		BufferTrims:   cs.Buffer.Trims,
	}

	st.Upload = &webmonitor.UploadStats{
		Dispatched: a.scheduler.Dispatched(),
		InFlight:   a.pool.InFlight(),
		Workers:    a.pool.Workers(),
		Sink:       a.cfg.Upload.Sink,
	}
	if last, ok := a.scheduler.LastDispatch(); ok {
		st.Upload.LastDispatch = float64(last.UnixNano()) / 1e9
	}
}
