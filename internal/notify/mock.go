package notify

import (
	"context"
	"sync"
)

// MockSink captures published events for test assertions.
type MockSink struct {
	// PublishFunc allows injecting delivery failures.
	PublishFunc func(ctx context.Context, event Event) error

	mu     sync.Mutex
	events []Event
}

var _ Sink = (*MockSink)(nil)

func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Publish(ctx context.Context, event Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, event)
	}
	return nil
}

// Events returns a copy of everything published so far.
func (m *MockSink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Kinds returns just the kinds, in publish order.
func (m *MockSink) Kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]Kind, len(m.events))
	for i, e := range m.events {
		kinds[i] = e.Kind
	}
	return kinds
}
