package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/A-910/duan2024/camstream/internal/broker"
	"github.com/A-910/duan2024/camstream/internal/config"
	"github.com/A-910/duan2024/camstream/internal/detector"
	"github.com/A-910/duan2024/camstream/internal/logger"
	"github.com/A-910/duan2024/camstream/internal/metrics"
)

var (
	configPath    = flag.String("config", os.Getenv(config.EnvConfigFile), "YAML config file")
	sourceDir     = flag.String("source-dir", "", "Directory written by the file upload sink")
	sourceURL     = flag.String("source-url", "", "URL serving the newest snapshot")
	classifierURL = flag.String("classifier", "", "Inference server URL")
	resultURL     = flag.String("result-url", "", "URL the result document is PUT to")
	mqttBroker    = flag.String("mqtt", "", "MQTT broker for results (tcp://host:1883)")
	threshold     = flag.Float64("threshold", 0, "Confidence a fire detection must exceed")
	metricsAddr   = flag.String("metrics", "", "Metrics server address (empty disables)")
	logLevel      = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor      = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		return 2
	}
	logger.Init(level, os.Stderr, cfg.LogColor)
	logger.Info("Main", "Fire detector starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Main", "Shutting down...")
		cancel()
	}()

	m := metrics.New()
	var metricsServer *http.Server
	if cfg.Detector.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: cfg.Detector.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("Main", "Starting metrics server on %s", cfg.Detector.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	sink, closeSink, err := newResultSink(cfg.Detector)
	if err != nil {
		logger.Error("Main", "Result sink: %v", err)
		return 2
	}
	defer closeSink()

	d := detector.New(newSource(cfg.Detector),
		detector.HTTPClassifier{
			URL:       cfg.Detector.ClassifierURL,
			ImageSize: cfg.Detector.ImageSize,
			Client:    &http.Client{Timeout: cfg.Detector.Timeout},
		},
		sink,
		detector.WithLabel(cfg.Detector.FireLabel),
		detector.WithThreshold(cfg.Detector.Threshold),
		detector.WithEmptyLimit(cfg.Detector.MaxEmpty, cfg.Detector.EmptyWait),
		detector.WithCadence(cfg.Detector.Cadence),
		detector.WithDebugDir(cfg.Detector.DebugDir),
		detector.WithMetrics(m),
	)

	sum := d.Run(ctx)
	logger.Info("Main", "Done: %d images classified, %d with fire", sum.Classified, sum.Fires)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if sum.Stopped {
		return 0
	}
	return 1
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "source-dir":
			cfg.Detector.SourceDir = *sourceDir
		case "source-url":
			cfg.Detector.SourceURL = *sourceURL
		case "classifier":
			cfg.Detector.ClassifierURL = *classifierURL
		case "result-url":
			cfg.Detector.ResultURL = *resultURL
		case "mqtt":
			cfg.Detector.MQTTBroker = *mqttBroker
		case "threshold":
			cfg.Detector.Threshold = *threshold
		case "metrics":
			cfg.Detector.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		}
	})
	return cfg, cfg.ValidateDetector()
}

// newSource prefers the URL when both are set.
func newSource(cfg config.DetectorConfig) detector.ImageSource {
	if cfg.SourceURL != "" {
		return detector.HTTPSource{URL: cfg.SourceURL, Client: &http.Client{Timeout: cfg.Timeout}}
	}
	return detector.DirSource{Dir: cfg.SourceDir}
}

func newResultSink(cfg config.DetectorConfig) (detector.ResultSink, func(), error) {
	var sinks detector.MultiSink
	closeFn := func() {}

	if cfg.ResultURL != "" {
		sinks = append(sinks, detector.HTTPResultSink{
			URL:    cfg.ResultURL,
			Token:  cfg.ResultToken,
			Client: &http.Client{Timeout: cfg.Timeout},
		})
	}
	if cfg.MQTTBroker != "" {
		client, err := broker.ConnectMQTT(broker.MQTTOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: "firedetector",
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		closeFn = func() { client.Disconnect(250) }
		sinks = append(sinks, detector.MQTTResultSink{Publisher: client, Topic: cfg.MQTTTopic})
	}

	if len(sinks) == 1 {
		return sinks[0], closeFn, nil
	}
	return sinks, closeFn, nil
}
