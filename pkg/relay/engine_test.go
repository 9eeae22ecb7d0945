package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/relay/pkg/chain"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/llm"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/providers/mock"
	"github.com/harunnryd/relay/pkg/transcript"
	mocktransport "github.com/harunnryd/relay/pkg/transports/mock"
)

func llmContext(text string) llm.Context {
	return llm.Context{Messages: []map[string]any{{"role": "user", "content": text}}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LLM.Provider = "mock"
	cfg.Transport.Provider = "mock"
	cfg.SystemPrompt = "be brief"
	cfg.DrainTimeoutMS = 200
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func userText(sessionID, text string) frames.Frame {
	return frames.NewTextFrame(sessionID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaSessionID: sessionID,
		frames.MetaTraceID:   "trace-" + sessionID,
		frames.MetaSource:    frames.SourceUser,
		frames.MetaIsFinal:   "true",
	})
}

func countMarkers(sent []frames.Frame, marker frames.ResponseMarker) int {
	n := 0
	for _, f := range sent {
		if frames.IsMarker(f, marker) {
			n++
		}
	}
	return n
}

func chainText(sent []frames.Frame) string {
	var sb strings.Builder
	for _, f := range sent {
		if tf, ok := f.(frames.TextFrame); ok && tf.Meta()[frames.MetaSource] == frames.SourceChain {
			sb.WriteString(tf.Text())
		}
	}
	return sb.String()
}

func waitForFullEnds(t *testing.T, tr *mocktransport.Transport, n int) []frames.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok := tr.WaitFor(ctx, func(sent []frames.Frame) bool {
		return countMarkers(sent, frames.MarkerFullResponseEnd) >= n
	})
	if !ok {
		t.Fatalf("timed out waiting for %d full responses; sent=%d", n, len(tr.Sent()))
	}
	return tr.Sent()
}

func newTestEngine(t *testing.T, cfg Config, adapter llm.LLMAdapter, store transcript.Store) (*Engine, *mocktransport.Transport) {
	t.Helper()
	reg := NewProviderRegistry()
	reg.RegisterLLM("mock", func(context.Context, map[string]any) (llm.LLMAdapter, error) {
		return adapter, nil
	})
	tr := mocktransport.New()
	eng, err := NewEngine(EngineOptions{
		Config:     cfg,
		Providers:  reg,
		Transport:  tr,
		Transcript: store,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	return eng, tr
}

func TestEngineStreamsChainReply(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"hel", "lo"}})
	store := transcript.NewMemoryStore()
	_, tr := newTestEngine(t, testConfig(), adapter, store)

	tr.Push(userText("s1", "  hi  "))
	sent := waitForFullEnds(t, tr, 1)

	if got := chainText(sent); got != "hello" {
		t.Fatalf("expected streamed reply hello, got %q", got)
	}
	if n := countMarkers(sent, frames.MarkerResponseStart); n != 2 {
		t.Fatalf("expected one token bracket per chunk, got %d", n)
	}
	for _, f := range sent {
		if f.Kind() == frames.KindText && f.Meta()[frames.MetaSource] == frames.SourceChain {
			if f.Meta()[frames.MetaSessionID] != "s1" || f.Meta()[frames.MetaTraceID] != "trace-s1" {
				t.Fatalf("routing meta lost: %v", f.Meta())
			}
		}
	}

	turns, err := store.List(context.Background(), "s1", transcript.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != frames.RoleUser || turns[0].Text != "hi" || turns[1].Text != "hello" {
		t.Fatalf("unexpected transcript: %+v", turns)
	}
}

func TestEngineCarriesConversationMemory(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"ok"}})
	_, tr := newTestEngine(t, testConfig(), adapter, nil)

	tr.Push(userText("s1", "hi"))
	waitForFullEnds(t, tr, 1)
	tr.Push(userText("s1", "again"))
	waitForFullEnds(t, tr, 2)

	reqs := adapter.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected two requests, got %d", len(reqs))
	}
	var roles, contents []string
	for _, m := range reqs[1].Messages {
		roles = append(roles, llm.Role(m))
		contents = append(contents, llm.Content(m))
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Fatalf("unexpected roles: %v", roles)
	}
	if strings.Join(contents, "|") != "be brief|hi|ok|again" {
		t.Fatalf("unexpected contents: %v", contents)
	}
}

func requestTranscript(ctx llm.Context) string {
	parts := make([]string, 0, len(ctx.Messages))
	for _, m := range ctx.Messages {
		parts = append(parts, llm.Role(m)+":"+llm.Content(m))
	}
	return strings.Join(parts, "|")
}

func TestEngineBindsHistoryToEachTurn(t *testing.T) {
	for _, mode := range []string{"stream", "invoke"} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig()
			cfg.Pipeline.Async = true
			cfg.Chain.Mode = mode
			adapter := mock.NewLLMAdapter(mock.LLMConfig{
				ResponseText: "ok",
				StreamChunks: []string{"o", "k"},
				Delay:        50 * time.Millisecond,
			})
			_, tr := newTestEngine(t, cfg, adapter, nil)

			tr.Push(userText("s1", "first"))
			tr.Push(userText("s1", "second"))
			waitForFullEnds(t, tr, 2)

			reqs := adapter.Requests()
			if len(reqs) != 2 {
				t.Fatalf("expected two requests, got %d", len(reqs))
			}
			if got := requestTranscript(reqs[0]); got != "system:be brief|user:first" {
				t.Fatalf("unexpected first request: %s", got)
			}
			if got := requestTranscript(reqs[1]); got != "system:be brief|user:first|assistant:ok|user:second" {
				t.Fatalf("unexpected second request: %s", got)
			}
		})
	}
}

func TestEngineInvokeMode(t *testing.T) {
	cfg := testConfig()
	cfg.Chain.Mode = "invoke"
	adapter := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "full reply"})
	_, tr := newTestEngine(t, cfg, adapter, nil)

	tr.Push(userText("s1", "hi"))
	sent := waitForFullEnds(t, tr, 1)
	if got := chainText(sent); got != "full reply" {
		t.Fatalf("unexpected reply %q", got)
	}
	if n := countMarkers(sent, frames.MarkerResponseStart); n != 0 {
		t.Fatalf("invoke mode must not emit token brackets, got %d", n)
	}
}

func TestEngineKeepsPartialOutputOnStreamFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Resilience.UseCircuitBreaker = false
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		StreamChunks: []string{"a", "b"},
		StreamErr:    errors.New("upstream reset"),
		FailAfter:    1,
	})
	obs := metrics.NewMemoryObserver()
	reg := NewProviderRegistry()
	reg.RegisterLLM("mock", func(context.Context, map[string]any) (llm.LLMAdapter, error) { return adapter, nil })
	tr := mocktransport.New()
	eng, err := NewEngine(EngineOptions{Config: cfg, Providers: reg, Transport: tr, Logger: quietLogger(), Observers: []metrics.Observer{obs}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.Push(userText("s1", "hi"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok := tr.WaitFor(ctx, func(sent []frames.Frame) bool {
		return countMarkers(sent, frames.MarkerResponseEnd) >= 1
	})
	if !ok {
		t.Fatalf("timed out waiting for partial output")
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	sent := tr.Sent()
	if countMarkers(sent, frames.MarkerFullResponseStart) != 1 || countMarkers(sent, frames.MarkerFullResponseEnd) != 0 {
		t.Fatalf("expected open bracket without full end, got %d frames", len(sent))
	}
	if chainText(sent) != "a" {
		t.Fatalf("expected partial text a, got %q", chainText(sent))
	}
	if obs.Count(metrics.EventChainError) != 1 || obs.Count(metrics.EventStageError) != 1 {
		t.Fatalf("expected chain and stage error events, got chain=%d stage=%d",
			obs.Count(metrics.EventChainError), obs.Count(metrics.EventStageError))
	}
}

func TestEngineSessionEndRemovesSession(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"ok"}})
	eng, tr := newTestEngine(t, testConfig(), adapter, nil)

	tr.Push(userText("s1", "hi"))
	waitForFullEnds(t, tr, 1)
	if eng.Registry().Count() != 1 {
		t.Fatalf("expected one live session, got %d", eng.Registry().Count())
	}
	tr.Push(frames.NewSystemFrame("s1", time.Now().UnixNano(), "session_end", map[string]string{frames.MetaSessionID: "s1"}))
	deadline := time.Now().Add(2 * time.Second)
	for eng.Registry().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineCustomChain(t *testing.T) {
	cfg := testConfig()
	tr := mocktransport.New()
	eng, err := NewEngine(EngineOptions{
		Config:    cfg,
		Transport: tr,
		Logger:    quietLogger(),
		Chain: func(context.Context, chain.Memory) (chain.Chain, error) {
			return chain.Lambda{
				ID: "upper",
				InvokeFunc: func(_ context.Context, in chain.Input) (any, error) {
					return strings.ToUpper(in["input"].(string)), nil
				},
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	tr.Push(userText("s1", "shout"))
	sent := waitForFullEnds(t, tr, 1)
	if got := chainText(sent); got != "SHOUT" {
		t.Fatalf("unexpected reply %q", got)
	}
	for _, f := range sent {
		if f.Kind() == frames.KindText && f.Meta()[frames.MetaChain] != "upper" {
			t.Fatalf("expected chain name in meta, got %v", f.Meta())
		}
	}
}

func TestEngineHealth(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{})
	eng, _ := newTestEngine(t, testConfig(), adapter, nil)
	deadline := time.Now().Add(time.Second)
	for eng.Health() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("engine not healthy: %v", eng.Health())
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = eng.Stop()
	if eng.Health() == nil {
		t.Fatalf("expected stopped engine to be unhealthy")
	}
}
