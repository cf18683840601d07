package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"tributary/cfg"
	"tributary/telemetry"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	Register("kafka", func(config cfg.SinkConfiguration) (Sink, error) {
		return NewKafkaSink(KafkaConfig{
			Brokers:          config.Brokers,
			BatchSize:        DefaultKafkaBatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     kafka.RequireAll, // durability over throughput
			AutoCreateTopics: true,
		})
	})
}

// KafkaSink implements the Sink interface for Kafka publishing
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	BatchSize        int                // Batch size for writes (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Partition by key for consistent routing
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Sync writes for durability
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	telemetry.SinkUp.With("kafka").Set(1)
	return &KafkaSink{writer: writer}, nil
}

// Publish sends a message to Kafka.
// key: partition key (same key, same partition)
// attrs: routing attributes, attached as message headers
func (k *KafkaSink) Publish(ctx context.Context, topic, key string, value []byte, attrs map[string]string) error {
	headers := make([]kafka.Header, 0, len(attrs))
	for hk, hv := range attrs {
		headers = append(headers, kafka.Header{Key: hk, Value: []byte(hv)})
	}

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	}

	return k.writer.WriteMessages(ctx, msg)
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	telemetry.SinkUp.With("kafka").Set(0)
	return k.writer.Close()
}
