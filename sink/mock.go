package sink

import (
	"context"
	"sync"
)

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	mu       sync.Mutex
	messages []MockMessage

	// PublishErr, when set, is returned by every Publish call.
	PublishErr error
	// FailFirst fails the first N Publish calls before succeeding.
	FailFirst int
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
	Attrs map[string]string
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(ctx context.Context, topic, key string, value []byte, attrs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	if m.FailFirst > 0 {
		m.FailFirst--
		return context.DeadlineExceeded
	}

	m.messages = append(m.messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: append([]byte(nil), value...),
		Attrs: attrs,
	})

	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Messages returns a copy of all recorded messages
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Count returns the number of recorded messages
func (m *MockSink) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
