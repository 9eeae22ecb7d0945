package aggregators

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/pipeline"
	"github.com/harunnryd/relay/pkg/transcript"
)

type openResponse struct {
	sb    strings.Builder
	meta  map[string]string
	start time.Time
}

// AssistantAggregator follows the response bracket per stream and records
// the completed reply. Every frame passes through unchanged.
type AssistantAggregator struct {
	mu     sync.Mutex
	conv   *Conversation
	store  transcript.Store
	obs    metrics.Observer
	logger *slog.Logger
	open   map[string]*openResponse
}

func NewAssistantAggregator(conv *Conversation, cfg AggregatorConfig) *AssistantAggregator {
	cfg = cfg.withDefaults()
	if conv == nil {
		conv = NewConversation(cfg.SystemPrompt, cfg.MaxHistory)
	}
	return &AssistantAggregator{
		conv:   conv,
		store:  cfg.Transcript,
		obs:    cfg.Observer,
		logger: logging.NewComponentLogger(cfg.Logger, "assistant_aggregator"),
		open:   make(map[string]*openResponse),
	}
}

func (a *AssistantAggregator) Name() string { return "assistant_aggregator" }

func (a *AssistantAggregator) Process(f frames.Frame) ([]frames.Frame, error) {
	out := []frames.Frame{f}
	streamID := f.Meta()[frames.MetaStreamID]
	switch v := f.(type) {
	case frames.ResponseFrame:
		switch v.Marker() {
		case frames.MarkerFullResponseStart:
			a.begin(streamID, v.Meta())
		case frames.MarkerFullResponseEnd:
			return out, a.finish(streamID)
		}
	case frames.TextFrame:
		if v.Meta()[frames.MetaSource] == frames.SourceChain {
			a.mu.Lock()
			if r, ok := a.open[streamID]; ok {
				r.sb.WriteString(v.Text())
			}
			a.mu.Unlock()
		}
	case frames.ControlFrame:
		if v.Code() == frames.ControlCancel || v.Code() == frames.ControlStartInterruption {
			a.discard(streamID, "interrupted")
		}
	case frames.SystemFrame:
		if v.Name() == "session_end" {
			a.discard(streamID, "session_end")
		}
	}
	return out, nil
}

// Open reports whether a response bracket is open for streamID.
func (a *AssistantAggregator) Open(streamID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.open[streamID]
	return ok
}

func (a *AssistantAggregator) begin(streamID string, meta map[string]string) {
	a.mu.Lock()
	prev, unclosed := a.open[streamID]
	a.open[streamID] = &openResponse{meta: meta, start: time.Now()}
	a.mu.Unlock()
	if unclosed {
		a.logger.Warn("response_bracket_unclosed", "stream_id", streamID, "partial_len", prev.sb.Len())
		a.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventResponseUnclosed,
			Time: time.Now(),
			Tags: map[string]string{frames.MetaStreamID: streamID, "component": "assistant_aggregator"},
		})
	}
}

func (a *AssistantAggregator) discard(streamID, reason string) {
	a.mu.Lock()
	r, ok := a.open[streamID]
	delete(a.open, streamID)
	a.mu.Unlock()
	if ok {
		a.logger.Debug("response_discarded", "stream_id", streamID, "reason", reason, "partial_len", r.sb.Len())
	}
}

func (a *AssistantAggregator) finish(streamID string) error {
	a.mu.Lock()
	r, ok := a.open[streamID]
	delete(a.open, streamID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	text := strings.TrimSpace(r.sb.String())
	if text == "" {
		return nil
	}
	a.conv.SetReply(ScopeKey(r.meta), TurnOf(r.meta), frames.Message{Role: frames.RoleAssistant, Content: text})
	a.logger.Debug("assistant_turn_complete", "stream_id", streamID, "duration_ms", time.Since(r.start).Milliseconds())
	err := a.store.Append(context.Background(), transcript.Turn{
		SessionID: sessionOf(r.meta),
		StreamID:  streamID,
		TraceID:   r.meta[frames.MetaTraceID],
		Role:      frames.RoleAssistant,
		Text:      text,
		Chain:     r.meta[frames.MetaChain],
		Time:      time.Now().UTC(),
	})
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTranscriptWrite)
		a.logger.Warn("transcript_append_failed", errorsx.Attrs(err)...)
		return err
	}
	return nil
}

var _ pipeline.FrameProcessor = (*AssistantAggregator)(nil)
