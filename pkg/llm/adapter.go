package llm

import "context"

// Context is the provider-neutral request: role/content message maps in order.
type Context struct {
	Messages    []map[string]any
	Model       string
	Temperature float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Chunk is one streamed delta. A chunk with Err set is terminal; the
// producer closes the channel after sending it.
type Chunk struct {
	Text string
	Err  error
}

type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan Chunk, error)
	Name() string
}

// SystemPrompt returns the content of the leading system messages joined by newlines.
func SystemPrompt(input Context) string {
	out := ""
	for _, m := range input.Messages {
		if Role(m) != "system" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += Content(m)
	}
	return out
}

// Role reads the "role" entry of a message map.
func Role(m map[string]any) string {
	s, _ := m["role"].(string)
	return s
}

// Content reads the "content" entry of a message map.
func Content(m map[string]any) string {
	s, _ := m["content"].(string)
	return s
}
