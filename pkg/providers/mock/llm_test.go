package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/relay/pkg/llm"
)

func collect(ch <-chan llm.Chunk) (string, error) {
	var text string
	for c := range ch {
		if c.Err != nil {
			return text, c.Err
		}
		text += c.Text
	}
	return text, nil
}

func TestMockStreamChunks(t *testing.T) {
	a := NewLLMAdapter(LLMConfig{StreamChunks: []string{"a", "b", "c"}})
	ch, err := a.Stream(context.Background(), llm.Context{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := collect(ch)
	if err != nil || text != "abc" {
		t.Fatalf("unexpected result %q err=%v", text, err)
	}
	if len(a.Requests()) != 1 {
		t.Fatalf("expected request recorded")
	}
}

func TestMockStreamFailsAfter(t *testing.T) {
	boom := errors.New("boom")
	a := NewLLMAdapter(LLMConfig{StreamChunks: []string{"a", "b"}, StreamErr: boom, FailAfter: 1})
	ch, _ := a.Stream(context.Background(), llm.Context{})
	text, err := collect(ch)
	if !errors.Is(err, boom) || text != "a" {
		t.Fatalf("expected one chunk then boom, got %q %v", text, err)
	}
}

func TestMockGenerateDefault(t *testing.T) {
	a := NewLLMAdapter(LLMConfig{})
	resp, err := a.Generate(context.Background(), llm.Context{})
	if err != nil || resp.Text != "mock response" {
		t.Fatalf("unexpected response %+v err=%v", resp, err)
	}
}
