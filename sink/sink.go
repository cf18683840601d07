// Package sink provides publish destinations for captured change
// events. A Sink is a thin, reliable-enough transport: retry,
// dead-lettering and circuit breaking live in the pipeline worker pool,
// not here.
package sink

import (
	"context"
	"fmt"
	"sync"

	"tributary/cfg"
)

// Sink represents a destination topic for change events.
type Sink interface {
	// Publish sends a serialized event. key routes the message so
	// events for the same document stay ordered; attrs carry routing
	// attributes (operation, namespace). The context bounds the call.
	Publish(ctx context.Context, topic string, key string, value []byte, attrs map[string]string) error
	// Close releases any resources held by the sink.
	Close() error
}

// Factory is a function that creates a Sink from a configuration.
type Factory func(cfg.SinkConfiguration) (Sink, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a sink factory for a type.
func Register(sinkType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sinkType] = factory
}

// New creates a sink based on the configured type.
func New(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}
