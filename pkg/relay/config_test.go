package relay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/relay/pkg/pipeline"
	"github.com/harunnryd/relay/pkg/providers/mock"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: mock\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.Mode != "stream" || cfg.Chain.TranscriptKey != "input" || cfg.Chain.EmptyToken != "emit" {
		t.Fatalf("unexpected chain defaults: %+v", cfg.Chain)
	}
	if cfg.Transport.Provider != "websocket" || cfg.Transcript.Driver != "memory" {
		t.Fatalf("unexpected defaults: transport=%q transcript=%q", cfg.Transport.Provider, cfg.Transcript.Driver)
	}
	if !cfg.Pipeline.Async || cfg.Pipeline.Orchestrator().Backpressure != pipeline.BackpressureWait {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Context.MaxHistory != 12 || cfg.Observability.SampleRate != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "sk-test")
	t.Setenv("RELAY_TEST_PROMPT", "be brief")
	path := writeConfig(t, strings.Join([]string{
		"system_prompt: ${RELAY_TEST_PROMPT}",
		"llm:",
		"  provider: openai",
		"  settings:",
		"    api_key: ${RELAY_TEST_KEY}",
		"chain:",
		"  mode: invoke",
		"  empty_token: skip",
		"",
	}, "\n"))
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SystemPrompt != "be brief" {
		t.Fatalf("expected expanded prompt, got %q", cfg.SystemPrompt)
	}
	if cfg.LLM.Settings["api_key"] != "sk-test" {
		t.Fatalf("expected expanded api key, got %v", cfg.LLM.Settings["api_key"])
	}
	if cfg.Chain.Mode != "invoke" || cfg.Chain.EmptyToken != "skip" {
		t.Fatalf("unexpected chain config: %+v", cfg.Chain)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing llm", func(c *Config) { c.LLM.Provider = "" }, "llm.provider"},
		{"bad mode", func(c *Config) { c.Chain.Mode = "batch" }, "chain.mode"},
		{"bad empty token", func(c *Config) { c.Chain.EmptyToken = "drop" }, "chain.empty_token"},
		{"bolt without path", func(c *Config) { c.Transcript.Driver = "bolt" }, "transcript.path"},
		{"unknown driver", func(c *Config) { c.Transcript.Driver = "redis" }, "transcript.driver"},
		{"sample rate", func(c *Config) { c.Observability.SampleRate = 2 }, "sample_rate"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.LLM.Provider = "mock"
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestBuildLLMUnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Provider = "nope"
	if _, err := NewDefaultProviderRegistry().BuildLLM(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for unregistered provider")
	}
}

func TestBuildLLMValidatesSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM = VendorConfig{Provider: "openai", Settings: map[string]any{"model": "gpt-4o-mini"}}
	_, err := NewDefaultProviderRegistry().BuildLLM(context.Background(), cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "llm.settings: missing: api_key") {
		t.Fatalf("expected missing api_key error, got %v", err)
	}

	cfg.LLM = VendorConfig{Provider: "mock", Settings: map[string]any{"temperature": 1}}
	if _, err := NewDefaultProviderRegistry().BuildLLM(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected unknown setting error for mock provider")
	}
}

func TestBuildLLMWrapsAdapter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM = VendorConfig{Provider: "Mock", Settings: map[string]any{
		"response_text": "hi",
		"stream_chunks": []any{"a", "b"},
	}}
	adapter, err := NewDefaultProviderRegistry().BuildLLM(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if adapter.Name() != "mock_llm" {
		t.Fatalf("expected wrapped mock adapter, got %q", adapter.Name())
	}
	ch, err := adapter.Stream(context.Background(), llmContext("hello"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var got []string
	for c := range ch {
		got = append(got, c.Text)
	}
	if strings.Join(got, "") != "ab" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestBuildChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SystemPrompt = "be brief"
	cfg.Chain.Name = "support"
	cfg.Chain.HumanTemplate = "Question: {input}"
	adapter := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "ok"})
	c, err := BuildChain(cfg, adapter, nil)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if c.Name() != "support" {
		t.Fatalf("unexpected name %q", c.Name())
	}
	out, err := c.Invoke(context.Background(), map[string]any{"input": "why?"})
	if err != nil || out != "ok" {
		t.Fatalf("unexpected invoke result %v, %v", out, err)
	}
	req := adapter.Requests()[0]
	if len(req.Messages) != 2 || req.Messages[1]["content"] != "Question: why?" {
		t.Fatalf("unexpected request messages: %v", req.Messages)
	}

	cfg.Chain.HumanTemplate = "{question}"
	if _, err := BuildChain(cfg, adapter, nil); err == nil {
		t.Fatalf("expected error for unknown template variable")
	}
	if _, err := BuildChain(cfg, nil, nil); err == nil {
		t.Fatalf("expected error for missing adapter")
	}
}

func TestBuildTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport = VendorConfig{Provider: "websocket", Settings: map[string]any{"server_addr": "127.0.0.1:0", "path": "/chat"}}
	tr, err := BuildTransport(cfg, nil)
	if err != nil {
		t.Fatalf("build websocket: %v", err)
	}
	if tr.Name() != "websocket" {
		t.Fatalf("unexpected transport %q", tr.Name())
	}
	cfg.Transport = VendorConfig{Provider: "carrier-pigeon"}
	if _, err := BuildTransport(cfg, nil); err == nil {
		t.Fatalf("expected unsupported transport error")
	}
}
