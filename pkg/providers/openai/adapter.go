package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/llm"
	"github.com/harunnryd/relay/pkg/resilience"
)

const DefaultModel = "gpt-4o-mini"

type Config struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	MaxRetries  int     `mapstructure:"max_retries"`
}

// Adapter talks to the chat completions API.
type Adapter struct {
	client openai.Client
	cfg    Config
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Adapter{client: openai.NewClient(opts...), cfg: cfg}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	completion, err := a.client.Chat.Completions.New(ctx, a.params(input))
	if err != nil {
		return llm.Response{}, errorsx.Wrap(mapError(err), errorsx.ReasonLLMGenerate)
	}
	if len(completion.Choices) == 0 {
		return llm.Response{}, errorsx.Wrap(errors.New("openai: no choices"), errorsx.ReasonLLMGenerate)
	}
	choice := completion.Choices[0]
	return llm.Response{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.params(input))
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- llm.Chunk{Text: chunk.Choices[0].Delta.Content}:
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

func (a *Adapter) params(input llm.Context) openai.ChatCompletionNewParams {
	model := a.cfg.Model
	if input.Model != "" {
		model = input.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toMessages(input.Messages),
	}
	if n := firstPositive(input.MaxTokens, a.cfg.MaxTokens); n > 0 {
		params.MaxCompletionTokens = openai.Int(int64(n))
	}
	if t := firstPositiveFloat(input.Temperature, a.cfg.Temperature); t > 0 {
		params.Temperature = openai.Float(t)
	}
	return params
}

func toMessages(msgs []map[string]any) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		content := llm.Content(m)
		switch strings.ToLower(llm.Role(m)) {
		case "system":
			out = append(out, openai.SystemMessage(content))
		case "assistant":
			out = append(out, openai.AssistantMessage(content))
		default:
			out = append(out, openai.UserMessage(content))
		}
	}
	return out
}

// mapError turns HTTP 429 into a RateLimitError so the circuit breaker sees it.
func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: apiErr.Error()}
	}
	return err
}

func firstPositive(v ...int) int {
	for _, n := range v {
		if n > 0 {
			return n
		}
	}
	return 0
}

func firstPositiveFloat(v ...float64) float64 {
	for _, n := range v {
		if n > 0 {
			return n
		}
	}
	return 0
}
