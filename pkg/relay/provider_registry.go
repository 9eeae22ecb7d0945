package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/relay/pkg/chain"
	"github.com/harunnryd/relay/pkg/configutil"
	"github.com/harunnryd/relay/pkg/llm"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/providers/anthropic"
	"github.com/harunnryd/relay/pkg/providers/gemini"
	"github.com/harunnryd/relay/pkg/providers/mock"
	"github.com/harunnryd/relay/pkg/providers/openai"
	"github.com/harunnryd/relay/pkg/resilience"
)

type LLMFactory func(ctx context.Context, settings map[string]any) (llm.LLMAdapter, error)

type ProviderRegistry struct {
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{llm: make(map[string]LLMFactory)}
}

// NewDefaultProviderRegistry registers mock, openai, anthropic and gemini.
func NewDefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterLLM("mock", buildMock)
	r.RegisterLLM("openai", buildOpenAI)
	r.RegisterLLM("anthropic", buildAnthropic)
	r.RegisterLLM("gemini", buildGemini)
	return r
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeName(name)] = factory
}

// Providers lists the registered LLM provider names.
func (r *ProviderRegistry) Providers() []string {
	out := make([]string, 0, len(r.llm))
	for name := range r.llm {
		out = append(out, name)
	}
	return out
}

// BuildLLM creates the configured adapter wrapped with retry and, when
// enabled, a rate-limit circuit breaker reporting to obs.
func (r *ProviderRegistry) BuildLLM(ctx context.Context, cfg Config, obs metrics.Observer) (llm.LLMAdapter, error) {
	fn := r.llm[normalizeName(cfg.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.LLM.Provider)
	}
	adapter, err := fn(ctx, cfg.LLM.Settings)
	if err != nil {
		return nil, fmt.Errorf("llm provider %s: %w", cfg.LLM.Provider, err)
	}
	rc := cfg.Resilience
	if rc.UseCircuitBreaker {
		breaker := resilience.NewCircuitBreaker(rc.BreakerThreshold, time.Duration(rc.BreakerCooldownMS)*time.Millisecond)
		cb := llm.NewCircuitBreakerAdapter(adapter, breaker)
		cb.SetObserver(obs)
		adapter = cb
	}
	if rc.RetryAttempts > 1 {
		adapter = llm.NewRetryAdapter(adapter, llm.RetryConfig{
			MaxAttempts: rc.RetryAttempts,
			BaseDelay:   time.Duration(rc.RetryBaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(rc.RetryMaxDelayMS) * time.Millisecond,
			Jitter:      0.2,
		})
	}
	return adapter, nil
}

// BuildChain wires adapter into an LLMChain shaped by cfg.Chain. memory
// may be nil.
func BuildChain(cfg Config, adapter llm.LLMAdapter, memory chain.Memory) (*chain.LLMChain, error) {
	if adapter == nil {
		return nil, errors.New("build chain: llm adapter is required")
	}
	cc := cfg.Chain
	key := cc.TranscriptKey
	if key == "" {
		key = "input"
	}
	human := cc.HumanTemplate
	if human == "" {
		human = "{" + key + "}"
	}
	prompt := chain.PromptTemplate{System: cfg.SystemPrompt, Human: human}
	for _, v := range prompt.Variables() {
		if v != key {
			return nil, fmt.Errorf("chain prompt: unknown variable %q (only %q is supplied)", v, key)
		}
	}
	c := &chain.LLMChain{
		ID:          cc.Name,
		Prompt:      prompt,
		LLM:         adapter,
		Model:       cc.Model,
		Temperature: cc.Temperature,
		MaxTokens:   cc.MaxTokens,
	}
	if cc.UseMemory && memory != nil {
		c.Memory = memory
	}
	return c, nil
}

type mockSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
	StreamError  string   `mapstructure:"stream_error"`
	FailAfter    int      `mapstructure:"fail_after"`
	DelayMS      int      `mapstructure:"delay_ms"`
}

func buildMock(_ context.Context, settings map[string]any) (llm.LLMAdapter, error) {
	var s mockSettings
	if err := configutil.DecodeAndValidate(settings, configutil.Schema{
		Section:  "llm.settings",
		Optional: []string{"response_text", "stream_chunks", "stream_error", "fail_after", "delay_ms"},
	}, &s); err != nil {
		return nil, err
	}
	mc := mock.LLMConfig{
		ResponseText: s.ResponseText,
		StreamChunks: s.StreamChunks,
		FailAfter:    s.FailAfter,
		Delay:        time.Duration(s.DelayMS) * time.Millisecond,
	}
	if s.StreamError != "" {
		mc.StreamErr = errors.New(s.StreamError)
	}
	return mock.NewLLMAdapter(mc), nil
}

var remoteSchema = configutil.Schema{
	Section:  "llm.settings",
	Required: []string{"api_key"},
	Optional: []string{"model", "base_url", "max_tokens", "temperature", "max_retries"},
}

func buildOpenAI(_ context.Context, settings map[string]any) (llm.LLMAdapter, error) {
	var c openai.Config
	if err := configutil.DecodeAndValidate(settings, remoteSchema, &c); err != nil {
		return nil, err
	}
	return openai.NewAdapter(c), nil
}

func buildAnthropic(_ context.Context, settings map[string]any) (llm.LLMAdapter, error) {
	var c anthropic.Config
	if err := configutil.DecodeAndValidate(settings, remoteSchema, &c); err != nil {
		return nil, err
	}
	return anthropic.NewAdapter(c), nil
}

func buildGemini(ctx context.Context, settings map[string]any) (llm.LLMAdapter, error) {
	var c gemini.Config
	if err := configutil.DecodeAndValidate(settings, configutil.Schema{
		Section:  "llm.settings",
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "max_tokens", "temperature"},
	}, &c); err != nil {
		return nil, err
	}
	return gemini.NewAdapter(ctx, c)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
