package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/llm"
	"github.com/harunnryd/relay/pkg/resilience"
)

const (
	DefaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

type Config struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	MaxRetries  int     `mapstructure:"max_retries"`
}

// Adapter talks to the messages API.
type Adapter struct {
	client anthropic.Client
	cfg    Config
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Adapter{client: anthropic.NewClient(opts...), cfg: cfg}
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	msg, err := a.client.Messages.New(ctx, a.params(input))
	if err != nil {
		return llm.Response{}, errorsx.Wrap(mapError(err), errorsx.ReasonLLMGenerate)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return llm.Response{
		Text:         b.String(),
		FinishReason: string(msg.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(input))
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- llm.Chunk{Text: delta.Text}:
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case out <- llm.Chunk{Err: errorsx.Wrap(mapError(err), errorsx.ReasonLLMStream)}:
			}
		}
	}()
	return out, nil
}

// params moves system messages into the dedicated system field.
func (a *Adapter) params(input llm.Context) anthropic.MessageNewParams {
	model := a.cfg.Model
	if input.Model != "" {
		model = input.Model
	}
	maxTokens := a.cfg.MaxTokens
	if input.MaxTokens > 0 {
		maxTokens = input.MaxTokens
	}
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, m := range input.Messages {
		content := llm.Content(m)
		switch strings.ToLower(llm.Role(m)) {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		System:    system,
		Messages:  messages,
	}
	temp := a.cfg.Temperature
	if input.Temperature > 0 {
		temp = input.Temperature
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(temp)
	}
	return params
}

func mapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "anthropic", Message: apiErr.Error()}
	}
	return err
}
