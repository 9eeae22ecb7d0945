package pipeline

// AgentBuilder assembles the conversational order:
// pre -> user aggregator -> chain -> assistant aggregator -> post.
type AgentBuilder struct {
	pre       []FrameProcessor
	user      FrameProcessor
	chain     FrameProcessor
	assistant FrameProcessor
	post      []FrameProcessor
}

func NewAgentBuilder() *AgentBuilder {
	return &AgentBuilder{}
}

func (b *AgentBuilder) WithPre(p FrameProcessor) *AgentBuilder {
	if p != nil {
		b.pre = append(b.pre, p)
	}
	return b
}

func (b *AgentBuilder) WithUserAggregator(p FrameProcessor) *AgentBuilder {
	b.user = p
	return b
}

func (b *AgentBuilder) WithChain(p FrameProcessor) *AgentBuilder {
	b.chain = p
	return b
}

func (b *AgentBuilder) WithAssistantAggregator(p FrameProcessor) *AgentBuilder {
	b.assistant = p
	return b
}

func (b *AgentBuilder) WithPost(p FrameProcessor) *AgentBuilder {
	if p != nil {
		b.post = append(b.post, p)
	}
	return b
}

func (b *AgentBuilder) WithPostList(list []FrameProcessor) *AgentBuilder {
	for _, p := range list {
		b.WithPost(p)
	}
	return b
}

// Processors returns the assembled order, skipping unset stages.
func (b *AgentBuilder) Processors() []FrameProcessor {
	out := append([]FrameProcessor(nil), b.pre...)
	for _, p := range []FrameProcessor{b.user, b.chain, b.assistant} {
		if p != nil {
			out = append(out, p)
		}
	}
	return append(out, b.post...)
}

func (b *AgentBuilder) Build(cfg Config) Orchestrator {
	return NewWithPipelineConfig(PipelineConfig{
		Config:     cfg,
		Processors: b.Processors(),
	})
}
