package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"

	"github.com/A-910/duan2024/camstream/internal/broker"
)

// Sink stores one encoded snapshot under name.
type Sink interface {
	Upload(ctx context.Context, name string, jpeg []byte) error
}

// ObjectName returns the storage key for a snapshot taken at t.
func ObjectName(t time.Time) string {
	return fmt.Sprintf("images/%s_%s.jpg", t.UTC().Format("20060102T150405.000Z"), uuid.NewString())
}

// FileSink writes snapshots below a directory.
type FileSink struct {
	Dir string
}

// Upload implements Sink. Files appear atomically.
func (s FileSink) Upload(ctx context.Context, name string, jpeg []byte) error {
	dst := filepath.Join(s.Dir, filepath.FromSlash(path.Clean("/" + name)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("file sink: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(jpeg); err != nil {
		tmp.Close()
		return fmt.Errorf("file sink: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file sink: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("file sink: rename: %w", err)
	}
	return nil
}

// HTTPSink sends snapshots to an object store over HTTP.
type HTTPSink struct {
	BaseURL string
	Method  string // PUT (default) or POST
	Token   string // Bearer token, optional
	Client  *http.Client
}

// Upload implements Sink. Any non-2xx answer is an error.
func (s HTTPSink) Upload(ctx context.Context, name string, jpeg []byte) error {
	method := s.Method
	if method == "" {
		method = http.MethodPut
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	target, err := url.JoinPath(s.BaseURL, strings.Split(name, "/")...)
	if err != nil {
		return fmt.Errorf("http sink: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(jpeg))
	if err != nil {
		return fmt.Errorf("http sink: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http sink: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http sink: %s %s: status code %d", method, target, resp.StatusCode)
	}
	return nil
}

// MQTTSink publishes snapshots to a topic.
type MQTTSink struct {
	Publisher broker.Publisher
	Topic     string
}

// Upload implements Sink.
func (s MQTTSink) Upload(ctx context.Context, name string, jpeg []byte) error {
	return broker.Publish(ctx, s.Publisher, s.Topic, false, jpeg)
}

// KafkaSink produces snapshots to a topic keyed by object name.
type KafkaSink struct {
	Producer sarama.SyncProducer
	Topic    string
}

// NewKafkaSink connects a synchronous producer.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.MaxMessageBytes = 4 << 20
	cfg.ClientID = "camstream"

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	return &KafkaSink{Producer: producer, Topic: topic}, nil
}

// Upload implements Sink. The producer does not observe ctx.
func (s *KafkaSink) Upload(ctx context.Context, name string, jpeg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.Producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.Topic,
		Key:   sarama.StringEncoder(name),
		Value: sarama.ByteEncoder(jpeg),
	})
	if err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	return nil
}

// Close releases the producer.
func (s *KafkaSink) Close() error {
	return s.Producer.Close()
}
