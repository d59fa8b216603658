package responder

import (
	"context"
	"sync"
)

// Mock is a scripted Responder for tests. Calls are recorded.
type Mock struct {
	mu      sync.Mutex
	prompts [][]Turn
	reply   func(prompt []Turn) (string, error)
}

// NewMock returns a Mock that always answers with text.
func NewMock(text string) *Mock {
	return &Mock{reply: func([]Turn) (string, error) { return text, nil }}
}

// NewMockFunc returns a Mock that answers with fn.
func NewMockFunc(fn func(prompt []Turn) (string, error)) *Mock {
	return &Mock{reply: fn}
}

// Reply implements Responder.
func (m *Mock) Reply(_ context.Context, prompt []Turn) (string, error) {
	m.mu.Lock()
	cp := make([]Turn, len(prompt))
	copy(cp, prompt)
	m.prompts = append(m.prompts, cp)
	fn := m.reply
	m.mu.Unlock()
	return fn(prompt)
}

// Calls returns the number of Reply invocations.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// Prompts returns a copy of every prompt received.
func (m *Mock) Prompts() [][]Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Turn, len(m.prompts))
	copy(out, m.prompts)
	return out
}
