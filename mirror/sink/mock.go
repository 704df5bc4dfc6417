package sink

import (
	"context"
	"sync"

	"github.com/maxpert/changerelay/cfg"
	"github.com/maxpert/changerelay/mirror"
)

func init() {
	mirror.RegisterSink("mock", func(cfg.MirrorConfiguration) (mirror.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records messages in memory; registered as type "mock"
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	mu         sync.Mutex
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message for later inspection
func (m *MockSink) Publish(_ context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
