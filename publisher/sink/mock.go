package sink

import (
	"sync"

	"github.com/maxpert/gradm/cfg"
	"github.com/maxpert/gradm/publisher"
)

var (
	mocksMu sync.Mutex
	mocks   = map[string]*MockSink{}
)

func init() {
	publisher.RegisterSink("mock", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		m := &MockSink{}
		mocksMu.Lock()
		mocks[config.Name] = m
		mocksMu.Unlock()
		return m, nil
	})
}

// Mock returns the MockSink most recently created for a sink name
func Mock(name string) *MockSink {
	mocksMu.Lock()
	defer mocksMu.Unlock()
	return mocks[name]
}

// MockSink records published messages in memory
type MockSink struct {
	PublishErr error

	mu       sync.Mutex
	messages []MockMessage
	closed   bool
}

// MockMessage is one recorded publish
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message unless PublishErr is set
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Messages returns a copy of the recorded messages
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.messages...)
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
