package fanout

import (
	"context"
	"sync"
)

// Memory is a process-local Bus for tests and single-process deployments.
// It deliberately delivers asynchronously so subscribers see the same
// unordered, decoupled behavior the Redis bus gives them.
type Memory struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Handler
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]Handler)}
}

func (m *Memory) Publish(ctx context.Context, channel string, env Envelope) error {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		go h(env)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, h Handler) error {
	m.mu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.subs[channel][id] = h
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.subs[channel], id)
	m.mu.Unlock()
	return nil
}
