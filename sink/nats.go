package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"tributary/cfg"
	"tributary/telemetry"
)

func init() {
	Register("nats", func(config cfg.SinkConfiguration) (Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	telemetry.SinkUp.With("nats").Set(1)
	return &NatsSink{nc: nc, js: js}, nil
}

// Publish sends a message to NATS JetStream.
// topic: JetStream subject (e.g., "cdc.app.orders")
// key: routing key (stored as header)
// attrs: routing attributes, attached as headers
func (n *NatsSink) Publish(ctx context.Context, topic, key string, value []byte, attrs map[string]string) error {
	// Ensure stream exists for this subject
	streamName := sanitizeStreamName(topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	header := nats.Header{"key": []string{key}}
	for k, v := range attrs {
		header.Set(k, v)
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  header,
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	telemetry.SinkUp.With("nats").Set(0)
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
// JetStream stream names can't contain "." so we replace with "_"
func sanitizeStreamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}
