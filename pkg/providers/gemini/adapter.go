package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/llm"
	"github.com/harunnryd/relay/pkg/resilience"
)

const DefaultModel = "gemini-2.0-flash"

type Config struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// Adapter talks to the Gemini API backend.
type Adapter struct {
	client *genai.Client
	cfg    Config
}

func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	contents, config := a.request(input)
	resp, err := a.client.Models.GenerateContent(ctx, a.model(input), contents, config)
	if err != nil {
		return llm.Response{}, errorsx.Wrap(mapError(err), errorsx.ReasonLLMGenerate)
	}
	out := llm.Response{Text: resp.Text()}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	contents, config := a.request(input)
	model := a.model(input)
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, config) {
			c := llm.Chunk{}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.Err = errorsx.Wrap(mapError(err), errorsx.ReasonLLMStream)
			} else if c.Text = resp.Text(); c.Text == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
			if c.Err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (a *Adapter) model(input llm.Context) string {
	if input.Model != "" {
		return input.Model
	}
	return a.cfg.Model
}

// request maps system messages to SystemInstruction and assistant turns to the model role.
func (a *Adapter) request(input llm.Context) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	for _, m := range input.Messages {
		content := llm.Content(m)
		switch strings.ToLower(llm.Role(m)) {
		case "system":
			if config.SystemInstruction == nil {
				config.SystemInstruction = genai.NewContentFromText(content, genai.RoleUser)
			} else {
				config.SystemInstruction.Parts = append(config.SystemInstruction.Parts, genai.NewPartFromText(content))
			}
		case "assistant":
			contents = append(contents, genai.NewContentFromText(content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(content, genai.RoleUser))
		}
	}
	maxTokens := a.cfg.MaxTokens
	if input.MaxTokens > 0 {
		maxTokens = input.MaxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}
	temp := a.cfg.Temperature
	if input.Temperature > 0 {
		temp = input.Temperature
	}
	if temp > 0 {
		config.Temperature = genai.Ptr(float32(temp))
	}
	return contents, config
}

func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "gemini", Message: apiErr.Message}
	}
	return err
}
