package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/llm"
)

// LLMAdapter replays scripted output. It records every request it receives.
type LLMAdapter struct {
	cfg LLMConfig

	mu       sync.Mutex
	requests []llm.Context
}

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	// GenerateErr fails Generate and the opening of Stream.
	GenerateErr error
	// StreamErr is sent after FailAfter chunks.
	StreamErr error
	FailAfter int
	// Delay is applied before each streamed chunk.
	Delay time.Duration
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

// Requests returns the inputs seen so far.
func (a *LLMAdapter) Requests() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.requests...)
}

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.remember(input)
	if a.cfg.GenerateErr != nil {
		return llm.Response{}, a.cfg.GenerateErr
	}
	return llm.Response{Text: a.cfg.ResponseText, FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	a.remember(input)
	if a.cfg.GenerateErr != nil {
		return nil, a.cfg.GenerateErr
	}
	chunks := a.cfg.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{a.cfg.ResponseText}
	}
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for i, text := range chunks {
			if a.cfg.StreamErr != nil && i == a.cfg.FailAfter {
				send(ctx, out, llm.Chunk{Err: a.cfg.StreamErr})
				return
			}
			if a.cfg.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(a.cfg.Delay):
				}
			}
			if !send(ctx, out, llm.Chunk{Text: text}) {
				return
			}
		}
		if a.cfg.StreamErr != nil && a.cfg.FailAfter >= len(chunks) {
			send(ctx, out, llm.Chunk{Err: a.cfg.StreamErr})
		}
	}()
	return out, nil
}

func (a *LLMAdapter) remember(input llm.Context) {
	a.mu.Lock()
	a.requests = append(a.requests, input)
	a.mu.Unlock()
}

func send(ctx context.Context, out chan<- llm.Chunk, c llm.Chunk) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- c:
		return true
	}
}
