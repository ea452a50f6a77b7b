package telemetry

import (
	"context"
	"sync"
	"time"
)

// Event is one entry of the dispatcher's event stream.
type Event struct {
	Time      time.Time         `json:"ts"`
	Type      string            `json:"type"`
	Namespace string            `json:"namespace,omitempty"`
	Relation  string            `json:"relation,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	PassID    string            `json:"passId,omitempty"`
	Result    string            `json:"result"`
	Message   string            `json:"message,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Sink stores events and serves the most recent ones.
type Sink interface {
	Publish(ctx context.Context, ev Event)
	Recent(ctx context.Context, n int) ([]Event, error)
}

var (
	globalMu sync.RWMutex
	global   Sink = NewMemory(256)
)

// SetGlobal overrides the process-wide sink.
func SetGlobal(s Sink) {
	if s == nil {
		return
	}
	globalMu.Lock()
	global = s
	globalMu.Unlock()
}

// Global returns the process-wide sink.
func Global() Sink {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Publish sends ev to the global sink, stamping it when needed.
func Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	Global().Publish(ctx, ev)
}

// Memory keeps the last cap events in process.
type Memory struct {
	mu     sync.Mutex
	cap    int
	events []Event
}

// NewMemory returns a ring of at most capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{cap: capacity}
}

func (m *Memory) Publish(_ context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if over := len(m.events) - m.cap; over > 0 {
		m.events = append([]Event(nil), m.events[over:]...)
	}
}

func (m *Memory) Recent(_ context.Context, n int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.events) {
		n = len(m.events)
	}
	return append([]Event(nil), m.events[len(m.events)-n:]...), nil
}
