package chain

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/harunnryd/relay/pkg/llm"
)

// SliceStream replays a fixed list of items.
type SliceStream struct {
	mu     sync.Mutex
	items  []any
	closed bool
}

func NewSliceStream(items ...any) *SliceStream {
	return &SliceStream{items: items}
}

func (s *SliceStream) Recv() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if len(s.items) == 0 {
		return nil, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	if err, ok := item.(error); ok {
		return nil, err
	}
	return item, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ChannelStream adapts an llm chunk channel. Items are MessageChunk values
// with the assistant role.
type ChannelStream struct {
	ctx     context.Context
	ch      <-chan llm.Chunk
	mu      sync.Mutex
	closed  bool
	onClose func()

	// onDone receives the concatenated text once the channel is drained.
	onDone func(string)
	text   strings.Builder
}

func NewChannelStream(ctx context.Context, ch <-chan llm.Chunk) *ChannelStream {
	return &ChannelStream{ctx: ctx, ch: ch}
}

func (s *ChannelStream) Recv() (any, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStreamClosed
	}
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case c, ok := <-s.ch:
		if !ok {
			if fn := s.onDone; fn != nil {
				s.onDone = nil
				fn(s.text.String())
			}
			return nil, io.EOF
		}
		if c.Err != nil {
			s.onDone = nil
			return nil, c.Err
		}
		s.text.WriteString(c.Text)
		return MessageChunk{Role: "assistant", Content: c.Text}, nil
	}
}

func (s *ChannelStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}
