package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/relay/pkg/llm"
	"github.com/harunnryd/relay/pkg/resilience"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAdapter(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "gpt-test"})
}

func TestGenerate(t *testing.T) {
	var body map[string]any
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	})
	resp, err := a.Generate(context.Background(), llm.Context{Messages: []map[string]any{
		{"role": "system", "content": "be brief"},
		{"role": "user", "content": "hi"},
	}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "hello" || resp.Usage.TotalTokens != 4 || resp.FinishReason != "stop" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if body["model"] != "gpt-test" {
		t.Fatalf("unexpected model in request %v", body["model"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected two messages, got %v", body["messages"])
	}
}

func TestStream(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	ch, err := a.Stream(context.Background(), llm.Context{Messages: []map[string]any{{"role": "user", "content": "hi"}}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var got string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		got += c.Text
	}
	if got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestRateLimitMapped(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	})
	_, err := a.Generate(context.Background(), llm.Context{Messages: []map[string]any{{"role": "user", "content": "hi"}}})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}
