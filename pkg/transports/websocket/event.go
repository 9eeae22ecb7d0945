package websocket

import (
	"strconv"
	"time"

	"github.com/harunnryd/relay/pkg/frames"
)

// Event is the JSON message exchanged with clients.
type Event struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Final      bool   `json:"final,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Code       string `json:"code,omitempty"`
	TokenIndex *int   `json:"token_index,omitempty"`
	Message    string `json:"message,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// Inbound event types.
const (
	TypeText      = "text"
	TypeFlush     = "flush"
	TypeCancel    = "cancel"
	TypeInterrupt = "interrupt"
)

// Outbound-only event types.
const (
	TypeSession = "session"
	TypeControl = "control"
	TypeError   = "error"
)

// Encode maps an outbound frame to a client event. Frames with no client
// representation (messages, system) report false.
func Encode(f frames.Frame) (Event, bool) {
	switch v := f.(type) {
	case frames.ResponseFrame:
		return Event{Type: string(v.Marker())}, true
	case frames.TextFrame:
		ev := Event{Type: TypeText, Text: v.Text()}
		if idx, err := strconv.Atoi(v.Meta()[frames.MetaTokenIndex]); err == nil {
			ev.TokenIndex = &idx
		}
		return ev, true
	case frames.ControlFrame:
		return Event{Type: TypeControl, Code: string(v.Code())}, true
	}
	return Event{}, false
}

// Decode maps a client event to an inbound frame. ok is false for
// unknown event types.
func Decode(ev Event, meta map[string]string) (frames.Frame, bool) {
	streamID := meta[frames.MetaStreamID]
	now := time.Now().UnixNano()
	switch ev.Type {
	case TypeText:
		meta[frames.MetaSource] = frames.SourceUser
		if ev.Final {
			meta[frames.MetaIsFinal] = "true"
		}
		return frames.NewTextFrame(streamID, now, ev.Text, meta), true
	case TypeFlush:
		return frames.NewControlFrame(streamID, now, frames.ControlFlush, meta), true
	case TypeCancel:
		return frames.NewControlFrame(streamID, now, frames.ControlCancel, meta), true
	case TypeInterrupt:
		return frames.NewControlFrame(streamID, now, frames.ControlStartInterruption, meta), true
	}
	return nil, false
}
