// Package transcript persists conversation turns per session.
package transcript

import (
	"context"
	"sync"
	"time"
)

// Turn is one completed user or assistant message.
type Turn struct {
	SessionID string    `json:"session_id"`
	StreamID  string    `json:"stream_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Chain     string    `json:"chain,omitempty"`
	Time      time.Time `json:"time"`
}

// ListOptions limits List results to the most recent Limit turns.
type ListOptions struct {
	Limit int
}

type Store interface {
	Append(ctx context.Context, turn Turn) error
	List(ctx context.Context, sessionID string, opts ListOptions) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// MemoryStore keeps turns in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]Turn)}
}

func (m *MemoryStore) Append(ctx context.Context, turn Turn) error {
	if err := validate(turn); err != nil {
		return err
	}
	m.mu.Lock()
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], turn)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, sessionID string, opts ListOptions) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return limit(append([]Turn(nil), m.turns[sessionID]...), opts.Limit), nil
}

func (m *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.turns, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// NoopStore discards every turn.
type NoopStore struct{}

func (NoopStore) Append(context.Context, Turn) error { return nil }
func (NoopStore) List(context.Context, string, ListOptions) ([]Turn, error) {
	return nil, nil
}
func (NoopStore) Clear(context.Context, string) error { return nil }
func (NoopStore) Close() error                        { return nil }

func limit(turns []Turn, n int) []Turn {
	if n > 0 && len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}
