package aggregators

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/pipeline"
	"github.com/harunnryd/relay/pkg/redact"
	"github.com/harunnryd/relay/pkg/transcript"
)

type pendingUtterance struct {
	sb       strings.Builder
	firstPTS int64
	meta     map[string]string
}

// UserAggregator collects user text per stream and, once the utterance is
// final, emits a MessagesFrame with the whole conversation.
type UserAggregator struct {
	mu      sync.Mutex
	conv    *Conversation
	store   transcript.Store
	logger  *slog.Logger
	pending map[string]*pendingUtterance
	pts     *frames.PTSGen
}

func NewUserAggregator(conv *Conversation, cfg AggregatorConfig) *UserAggregator {
	cfg = cfg.withDefaults()
	if conv == nil {
		conv = NewConversation(cfg.SystemPrompt, cfg.MaxHistory)
	}
	return &UserAggregator{
		conv:    conv,
		store:   cfg.Transcript,
		logger:  logging.NewComponentLogger(cfg.Logger, "user_aggregator"),
		pending: make(map[string]*pendingUtterance),
		pts:     frames.NewPTSGen(),
	}
}

func (a *UserAggregator) Name() string { return "user_aggregator" }

func (a *UserAggregator) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	switch v := f.(type) {
	case frames.TextFrame:
		meta := v.Meta()
		if meta[frames.MetaSource] != frames.SourceUser {
			return []frames.Frame{f}, nil
		}
		a.add(streamID, v)
		if meta[frames.MetaIsFinal] != "true" {
			return nil, nil
		}
		return a.flush(streamID)
	case frames.ControlFrame:
		switch v.Code() {
		case frames.ControlFlush:
			out, err := a.flush(streamID)
			return append(out, f), err
		case frames.ControlCancel, frames.ControlStartInterruption:
			a.drop(streamID)
		}
	case frames.SystemFrame:
		if v.Name() == "session_end" {
			a.drop(streamID)
			a.conv.Clear(ScopeKey(v.Meta()))
			a.pts.Forget(streamID)
		}
	}
	return []frames.Frame{f}, nil
}

func (a *UserAggregator) add(streamID string, tf frames.TextFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[streamID]
	if !ok {
		p = &pendingUtterance{firstPTS: tf.PTS(), meta: tf.Meta()}
		a.pending[streamID] = p
	}
	text := tf.Text()
	if p.sb.Len() > 0 && text != "" && !startsWithSpace(text) && !endsWithSpace(p.sb.String()) {
		p.sb.WriteByte(' ')
	}
	p.sb.WriteString(text)
}

func (a *UserAggregator) drop(streamID string) {
	a.mu.Lock()
	delete(a.pending, streamID)
	a.mu.Unlock()
}

// flush emits nothing for an empty or whitespace-only utterance.
func (a *UserAggregator) flush(streamID string) ([]frames.Frame, error) {
	a.mu.Lock()
	p, ok := a.pending[streamID]
	delete(a.pending, streamID)
	a.mu.Unlock()
	if !ok {
		return nil, nil
	}
	text := strings.TrimSpace(p.sb.String())
	if text == "" {
		return nil, nil
	}
	scope := ScopeKey(p.meta)
	turn, history := a.conv.AppendUser(scope, frames.Message{Role: frames.RoleUser, Content: text})
	a.logger.Debug("user_turn_complete", "stream_id", streamID, "scope", scope, "turn", turn, "text", redact.Text(text))

	meta := frames.CopyRouting(p.meta)
	meta[frames.MetaSource] = frames.SourceUser
	meta[frames.MetaTurn] = strconv.FormatInt(turn, 10)
	out := []frames.Frame{frames.NewMessagesFrame(streamID, a.pts.Next(streamID), history, meta)}

	err := a.store.Append(context.Background(), transcript.Turn{
		SessionID: sessionOf(p.meta),
		StreamID:  streamID,
		TraceID:   p.meta[frames.MetaTraceID],
		Role:      frames.RoleUser,
		Text:      text,
		Time:      time.Now().UTC(),
	})
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTranscriptWrite)
		a.logger.Warn("transcript_append_failed", errorsx.Attrs(err)...)
	}
	return out, err
}

func sessionOf(meta map[string]string) string {
	if sid := meta[frames.MetaSessionID]; sid != "" {
		return sid
	}
	return meta[frames.MetaStreamID]
}

func startsWithSpace(s string) bool {
	return s != "" && (s[0] == ' ' || s[0] == '\n' || s[0] == '\t')
}

func endsWithSpace(s string) bool {
	return s != "" && (s[len(s)-1] == ' ' || s[len(s)-1] == '\n' || s[len(s)-1] == '\t')
}

var _ pipeline.FrameProcessor = (*UserAggregator)(nil)
