// Package broker holds the MQTT plumbing shared by the upload and result sinks.
package broker

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/A-910/duan2024/camstream/internal/logger"
)

// Publisher is the subset of mqtt.Client the sinks use.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions describes a broker connection.
type MQTTOptions struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// ConnectMQTT connects to the broker with auto-reconnect enabled.
func ConnectMQTT(o MQTTOptions) (mqtt.Client, error) {
	log := logger.For("MQTT")
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(o.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("Connection to %s lost: %v", o.Broker, err)
		})
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(o.Timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", o.Broker, err)
	}
	log.Info("Connected to %s as %s", o.Broker, o.ClientID)
	return client, nil
}

// Publish sends payload with QoS 1 and waits for the acknowledgement or ctx.
func Publish(ctx context.Context, p Publisher, topic string, retained bool, payload []byte) error {
	token := p.Publish(topic, 1, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
}
