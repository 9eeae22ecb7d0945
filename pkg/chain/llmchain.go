package chain

import (
	"context"
	"errors"

	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/llm"
)

// Memory supplies earlier conversation turns for a prompt. The routing
// metadata attached with WithMeta identifies the conversation.
type Memory interface {
	History(ctx context.Context) []frames.Message
}

// ReplyRecorder is a Memory that also stores the chain's completed reply
// for the turn named by the metadata in ctx. LLMChain records the reply
// before its stream reports io.EOF, so the next turn already sees it.
type ReplyRecorder interface {
	RecordReply(ctx context.Context, reply string)
}

// LLMChain formats a prompt and sends it to an LLM adapter.
type LLMChain struct {
	ID     string
	Prompt PromptTemplate
	LLM    llm.LLMAdapter
	Memory Memory
	// Model, Temperature and MaxTokens are passed through when set.
	Model       string
	Temperature float64
	MaxTokens   int
}

func (c *LLMChain) Name() string {
	if c.ID != "" {
		return c.ID
	}
	if c.LLM != nil {
		return "llm_chain:" + c.LLM.Name()
	}
	return "llm_chain"
}

// Invoke returns the full response text as a string.
func (c *LLMChain) Invoke(ctx context.Context, in Input) (any, error) {
	req, err := c.request(ctx, in)
	if err != nil {
		return nil, err
	}
	resp, err := c.LLM.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if rec, ok := c.Memory.(ReplyRecorder); ok {
		rec.RecordReply(ctx, resp.Text)
	}
	return resp.Text, nil
}

// Stream yields MessageChunk values. Closing the stream cancels the
// underlying provider call.
func (c *LLMChain) Stream(ctx context.Context, in Input) (Stream, error) {
	req, err := c.request(ctx, in)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	ch, err := c.LLM.Stream(sctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	s := NewChannelStream(sctx, ch)
	s.onClose = cancel
	if rec, ok := c.Memory.(ReplyRecorder); ok {
		s.onDone = func(reply string) { rec.RecordReply(ctx, reply) }
	}
	return s, nil
}

func (c *LLMChain) request(ctx context.Context, in Input) (llm.Context, error) {
	if c.LLM == nil {
		return llm.Context{}, errors.New("chain: llm chain has no adapter")
	}
	prompt := c.Prompt
	if prompt.Human == "" {
		prompt.Human = "{input}"
	}
	system, human, err := prompt.Format(in)
	if err != nil {
		return llm.Context{}, err
	}
	var msgs []map[string]any
	if system != "" {
		msgs = append(msgs, map[string]any{"role": frames.RoleSystem, "content": system})
	}
	if c.Memory != nil {
		for _, m := range c.Memory.History(ctx) {
			if m.Role == frames.RoleSystem {
				continue
			}
			msgs = append(msgs, map[string]any{"role": m.Role, "content": m.Content})
		}
	}
	msgs = append(msgs, map[string]any{"role": frames.RoleUser, "content": human})
	return llm.Context{
		Messages:    msgs,
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}, nil
}
