package processors

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/relay/pkg/chain"
	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/pipeline"
	"github.com/harunnryd/relay/pkg/redact"
)

// InvokeMode selects how the chain is driven.
type InvokeMode string

const (
	// ModeStream emits one bracketed text frame per streamed token.
	ModeStream InvokeMode = "stream"
	// ModeInvoke emits the whole reply as a single text frame.
	ModeInvoke InvokeMode = "invoke"
)

// EmptyTokenPolicy decides what happens to streamed tokens that carry no
// recognisable text.
type EmptyTokenPolicy string

const (
	// EmptyTokenEmit keeps the token triple with an empty text payload.
	EmptyTokenEmit EmptyTokenPolicy = "emit"
	// EmptyTokenSkip drops the whole triple.
	EmptyTokenSkip EmptyTokenPolicy = "skip"
	// EmptyTokenError fails the stream with ErrUnrecognizedToken.
	EmptyTokenError EmptyTokenPolicy = "error"
)

// DefaultTranscriptKey is the chain input slot that receives the user text.
const DefaultTranscriptKey = "input"

// ErrUnrecognizedToken is returned under EmptyTokenError.
var ErrUnrecognizedToken = errors.New("chain: unrecognized token")

// ChainProcessor turns messages frames into chain invocations and
// re-emits the result as bracketed response frames.
type ChainProcessor struct {
	chain      chain.Chain
	name       string
	key        string
	mode       InvokeMode
	emptyToken EmptyTokenPolicy
	logger     *slog.Logger
	obs        metrics.Observer
	ctx        context.Context
	pts        *frames.PTSGen
}

// ChainOption configures a ChainProcessor.
type ChainOption func(*ChainProcessor)

// WithTranscriptKey sets the input slot for the user text. Blank keys are ignored.
func WithTranscriptKey(key string) ChainOption {
	return func(p *ChainProcessor) {
		if key = strings.TrimSpace(key); key != "" {
			p.key = key
		}
	}
}

// WithInvokeMode selects streaming or single-shot invocation.
func WithInvokeMode(mode InvokeMode) ChainOption {
	return func(p *ChainProcessor) {
		if mode == ModeStream || mode == ModeInvoke {
			p.mode = mode
		}
	}
}

// WithEmptyTokenPolicy sets how tokens without text are handled.
func WithEmptyTokenPolicy(policy EmptyTokenPolicy) ChainOption {
	return func(p *ChainProcessor) {
		switch policy {
		case EmptyTokenEmit, EmptyTokenSkip, EmptyTokenError:
			p.emptyToken = policy
		}
	}
}

// WithLogger sets the parent logger.
func WithLogger(logger *slog.Logger) ChainOption {
	return func(p *ChainProcessor) {
		if logger != nil {
			p.logger = logging.NewComponentLogger(logger, "chain_processor")
		}
	}
}

// WithObserver sets the metrics sink for chain_* events.
func WithObserver(obs metrics.Observer) ChainOption {
	return func(p *ChainProcessor) { p.obs = metrics.OrNoop(obs) }
}

// WithContext sets the base context used by Process.
func WithContext(ctx context.Context) ChainOption {
	return func(p *ChainProcessor) {
		if ctx != nil {
			p.ctx = ctx
		}
	}
}

func NewChainProcessor(c chain.Chain, opts ...ChainOption) (*ChainProcessor, error) {
	if c == nil {
		return nil, errors.New("chain processor: chain is required")
	}
	p := &ChainProcessor{
		chain:      c,
		name:       chain.NameOf(c),
		key:        DefaultTranscriptKey,
		mode:       ModeStream,
		emptyToken: EmptyTokenEmit,
		logger:     logging.NewComponentLogger(nil, "chain_processor"),
		obs:        metrics.NoopObserver{},
		ctx:        context.Background(),
		pts:        frames.NewPTSGen(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *ChainProcessor) Name() string { return "chain" }

func (p *ChainProcessor) Mode() InvokeMode { return p.mode }

func (p *ChainProcessor) SetObserver(obs metrics.Observer) { p.obs = metrics.OrNoop(obs) }

func (p *ChainProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// Process collects everything pushed for f. On error the frames pushed
// before the failure are returned alongside it.
func (p *ChainProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	var out []frames.Frame
	err := p.ProcessFrame(p.ctx, f, func(fr frames.Frame) { out = append(out, fr) })
	return out, err
}

// ProcessFrame invokes the chain for messages frames and forwards any
// other frame unchanged.
func (p *ChainProcessor) ProcessFrame(ctx context.Context, f frames.Frame, push pipeline.PushFunc) error {
	mf, ok := f.(frames.MessagesFrame)
	if !ok {
		push(f)
		return nil
	}
	last, ok := mf.Last()
	if !ok {
		return errorsx.Wrap(errors.New("chain processor: messages frame has no messages"), errorsx.ReasonChainInput)
	}
	text := strings.TrimSpace(last.Content)
	meta := mf.Meta()
	p.logger.Debug("messages_frame_received",
		"stream_id", meta[frames.MetaStreamID],
		"messages", len(mf.Messages()),
		"text", redact.Text(text),
	)
	ctx = chain.WithMeta(ctx, frames.CopyRouting(meta))
	if p.mode == ModeInvoke {
		return p.invoke(ctx, meta, text, push)
	}
	return p.stream(ctx, meta, text, push)
}

func (p *ChainProcessor) stream(ctx context.Context, src map[string]string, text string, push pipeline.PushFunc) error {
	streamID := src[frames.MetaStreamID]
	start := time.Now()
	p.record(metrics.EventChainInvokeStart, src, nil)
	push(frames.NewFullResponseStartFrame(streamID, p.pts.Next(streamID), p.outMeta(src)))

	s, err := p.chain.Stream(ctx, chain.Input{p.key: text})
	if err != nil {
		return p.fail(src, err, errorsx.ReasonChainStream, 0)
	}
	defer s.Close()

	tokens := 0
	for {
		if err := ctx.Err(); err != nil {
			return p.fail(src, err, errorsx.ReasonChainStream, tokens)
		}
		tok, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return p.fail(src, err, errorsx.ReasonChainStream, tokens)
		}
		tokText, ok := chain.TokenText(tok)
		if !ok {
			switch p.emptyToken {
			case EmptyTokenSkip:
				p.logger.Debug("chain_token_skipped", "stream_id", streamID, "token_index", tokens)
				continue
			case EmptyTokenError:
				return p.fail(src, ErrUnrecognizedToken, errorsx.ReasonChainStream, tokens)
			}
		}
		if tokens == 0 {
			p.record(metrics.EventChainFirstToken, src, map[string]any{"latency_ms": time.Since(start).Milliseconds()})
		}
		meta := p.outMeta(src)
		push(frames.NewResponseStartFrame(streamID, p.pts.Next(streamID), meta))
		textMeta := p.outMeta(src)
		textMeta[frames.MetaTokenIndex] = strconv.Itoa(tokens)
		push(frames.NewTextFrame(streamID, p.pts.Next(streamID), tokText, textMeta))
		push(frames.NewResponseEndFrame(streamID, p.pts.Next(streamID), meta))
		tokens++
	}

	push(frames.NewFullResponseEndFrame(streamID, p.pts.Next(streamID), p.outMeta(src)))
	p.record(metrics.EventChainDone, src, map[string]any{
		"tokens":      tokens,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

func (p *ChainProcessor) invoke(ctx context.Context, src map[string]string, text string, push pipeline.PushFunc) error {
	streamID := src[frames.MetaStreamID]
	start := time.Now()
	p.record(metrics.EventChainInvokeStart, src, nil)
	out, err := p.chain.Invoke(ctx, chain.Input{p.key: text})
	if err != nil {
		return p.fail(src, err, errorsx.ReasonChainInvoke, 0)
	}
	reply, ok := chain.TokenText(out)
	if !ok && out != nil {
		p.logger.Warn("chain_invoke_unrecognized_result", "stream_id", streamID)
	}
	push(frames.NewFullResponseStartFrame(streamID, p.pts.Next(streamID), p.outMeta(src)))
	push(frames.NewTextFrame(streamID, p.pts.Next(streamID), reply, p.outMeta(src)))
	push(frames.NewFullResponseEndFrame(streamID, p.pts.Next(streamID), p.outMeta(src)))
	p.record(metrics.EventChainDone, src, map[string]any{"duration_ms": time.Since(start).Milliseconds()})
	return nil
}

// fail logs err and returns it. Cancellations are returned unchanged;
// other errors get reason, keeping the message and errors.Is.
func (p *ChainProcessor) fail(src map[string]string, err error, reason errorsx.ReasonCode, tokens int) error {
	streamID := src[frames.MetaStreamID]
	if chain.IsCancellation(err) {
		p.logger.Warn("chain_stream_cancelled", "stream_id", streamID, "tokens", tokens, "error", err)
		p.record(metrics.EventChainCancelled, src, map[string]any{"tokens": tokens})
		return err
	}
	err = errorsx.Wrap(err, reason)
	p.logger.Error("chain_failed", append([]any{"stream_id", streamID, "tokens", tokens}, errorsx.Attrs(err)...)...)
	p.record(metrics.EventChainError, src, map[string]any{
		"tokens":      tokens,
		"reason_code": string(errorsx.Reason(err)),
		"error":       err.Error(),
	})
	return err
}

func (p *ChainProcessor) outMeta(src map[string]string) map[string]string {
	meta := frames.CopyRouting(src)
	meta[frames.MetaSource] = frames.SourceChain
	meta[frames.MetaChain] = p.name
	meta[frames.MetaInvokeMode] = string(p.mode)
	return meta
}

func (p *ChainProcessor) record(name string, src map[string]string, fields map[string]any) {
	tags := map[string]string{
		frames.MetaStreamID: src[frames.MetaStreamID],
		"component":         "chain",
		frames.MetaChain:    p.name,
	}
	if traceID := src[frames.MetaTraceID]; traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}
