// Package telemetry mirrors bench status messages onto an MQTT broker.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/config"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

type publishFunc func(topic string, qos byte, retained bool, payload []byte) error

// Publisher sends every status message of a bench to
// <prefix>/<bench>/<snapshot|error|info>. Snapshots are retained so a new
// subscriber sees the latest state at once.
type Publisher struct {
	prefix  string
	qos     byte
	publish publishFunc
	close   func()
	logger  *zap.Logger
}

// Connect dials the broker and returns a publisher on it.
func Connect(cfg config.MQTTConfig, logger *zap.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}
	logger.Info("MQTT connected", zap.String("broker", cfg.Broker))

	publish := func(topic string, qos byte, retained bool, payload []byte) error {
		token := client.Publish(topic, qos, retained, payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("mqtt: publish to %s timed out", topic)
		}
		return token.Error()
	}
	p := newPublisher(cfg.TopicPrefix, cfg.QoS, publish, logger)
	p.close = func() { client.Disconnect(250) }
	return p, nil
}

func newPublisher(prefix string, qos byte, publish publishFunc, logger *zap.Logger) *Publisher {
	return &Publisher{
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		publish: publish,
		close:   func() {},
		logger:  logger,
	}
}

// Topic returns the topic a message of kind is published on.
func Topic(prefix, bench string, kind types.MessageType) string {
	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	return strings.Join(append(parts, bench, string(kind)), "/")
}

func (p *Publisher) Publish(bench string, msg types.StatusMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt: encode %s message: %w", msg.Type, err)
	}

	topic := Topic(p.prefix, bench, msg.Type)
	retained := msg.Type == types.MessageSnapshot
	if err := p.publish(topic, p.qos, retained, payload); err != nil {
		return err
	}

	p.logger.Debug("Published status message", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

func (p *Publisher) Close() {
	p.close()
}
