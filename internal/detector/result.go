package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/A-910/duan2024/camstream/internal/broker"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

// ResultSink publishes the latest detection outcome.
type ResultSink interface {
	SetResult(ctx context.Context, r types.FireResult) error
}

type resultPayload struct {
	Result    types.FireResult `json:"result"`
	Timestamp int64            `json:"timestamp,omitempty"`
}

// HTTPResultSink overwrites a JSON document with {"result": N}, the shape
// of a realtime-database REST PUT.
type HTTPResultSink struct {
	URL    string
	Token  string // Bearer token, optional
	Client *http.Client
}

// SetResult implements ResultSink.
func (s HTTPResultSink) SetResult(ctx context.Context, r types.FireResult) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(resultPayload{Result: r})
	if err != nil {
		return fmt.Errorf("result sink: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("result sink: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("result sink: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("result sink: status code %d", resp.StatusCode)
	}
	return nil
}

// MQTTResultSink publishes the result as a retained JSON message.
type MQTTResultSink struct {
	Publisher broker.Publisher
	Topic     string
	Now       func() time.Time
}

// SetResult implements ResultSink.
func (s MQTTResultSink) SetResult(ctx context.Context, r types.FireResult) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	body, err := json.Marshal(resultPayload{Result: r, Timestamp: now().Unix()})
	if err != nil {
		return fmt.Errorf("result sink: %w", err)
	}
	return broker.Publish(ctx, s.Publisher, s.Topic, true, body)
}

// MultiSink sends the result to every sink and joins their errors.
type MultiSink []ResultSink

// SetResult implements ResultSink.
func (m MultiSink) SetResult(ctx context.Context, r types.FireResult) error {
	var errs []error
	for _, s := range m {
		if err := s.SetResult(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
