package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindText     Kind = "text"
	KindControl  Kind = "control"
	KindSystem   Kind = "system"
	KindMessages Kind = "messages"
	KindResponse Kind = "response"
)

type ControlCode string

const (
	ControlCancel            ControlCode = "cancel"
	ControlFlush             ControlCode = "flush"
	ControlStartInterruption ControlCode = "start_interruption"
	ControlFallback          ControlCode = "fallback"
)

// ResponseMarker brackets chain output. A full response is wrapped in
// full-start/full-end; every streamed token is wrapped in start/end.
type ResponseMarker string

const (
	MarkerFullResponseStart ResponseMarker = "llm_full_response_start"
	MarkerFullResponseEnd   ResponseMarker = "llm_full_response_end"
	MarkerResponseStart     ResponseMarker = "llm_response_start"
	MarkerResponseEnd       ResponseMarker = "llm_response_end"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// Message is one role-tagged conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessagesFrame carries the accumulated conversation once a user turn is complete.
type MessagesFrame struct {
	pts      int64
	messages []Message
	meta     map[string]string
}

func NewMessagesFrame(streamID string, pts int64, messages []Message, meta map[string]string) MessagesFrame {
	return MessagesFrame{
		pts:      pts,
		messages: append([]Message(nil), messages...),
		meta:     mergeMeta(streamID, meta),
	}
}

func (m MessagesFrame) Kind() Kind              { return KindMessages }
func (m MessagesFrame) PTS() int64              { return m.pts }
func (m MessagesFrame) Meta() map[string]string { return cloneMeta(m.meta) }
func (m MessagesFrame) Messages() []Message     { return append([]Message(nil), m.messages...) }

// Last returns the most recent message.
func (m MessagesFrame) Last() (Message, bool) {
	if len(m.messages) == 0 {
		return Message{}, false
	}
	return m.messages[len(m.messages)-1], true
}

type ResponseFrame struct {
	pts    int64
	marker ResponseMarker
	meta   map[string]string
}

func NewResponseFrame(streamID string, pts int64, marker ResponseMarker, meta map[string]string) ResponseFrame {
	return ResponseFrame{
		pts:    pts,
		marker: marker,
		meta:   mergeMeta(streamID, meta),
	}
}

func NewFullResponseStartFrame(streamID string, pts int64, meta map[string]string) ResponseFrame {
	return NewResponseFrame(streamID, pts, MarkerFullResponseStart, meta)
}

func NewFullResponseEndFrame(streamID string, pts int64, meta map[string]string) ResponseFrame {
	return NewResponseFrame(streamID, pts, MarkerFullResponseEnd, meta)
}

func NewResponseStartFrame(streamID string, pts int64, meta map[string]string) ResponseFrame {
	return NewResponseFrame(streamID, pts, MarkerResponseStart, meta)
}

func NewResponseEndFrame(streamID string, pts int64, meta map[string]string) ResponseFrame {
	return NewResponseFrame(streamID, pts, MarkerResponseEnd, meta)
}

func (r ResponseFrame) Kind() Kind              { return KindResponse }
func (r ResponseFrame) PTS() int64              { return r.pts }
func (r ResponseFrame) Meta() map[string]string { return cloneMeta(r.meta) }
func (r ResponseFrame) Marker() ResponseMarker  { return r.marker }

// IsMarker reports whether f is a response frame carrying marker.
func IsMarker(f Frame, marker ResponseMarker) bool {
	if f == nil || f.Kind() != KindResponse {
		return false
	}
	switch rf := f.(type) {
	case ResponseFrame:
		return rf.marker == marker
	case *ResponseFrame:
		return rf != nil && rf.marker == marker
	}
	return false
}

type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

// Next returns a timestamp strictly greater than the previous one for streamID.
func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixNano()
	v := g.value[streamID] + time.Microsecond.Nanoseconds()
	if now > v {
		v = now
	}
	g.value[streamID] = v
	return v
}

// Forget drops the timestamp state for streamID.
func (g *PTSGen) Forget(streamID string) {
	g.mu.Lock()
	delete(g.value, streamID)
	g.mu.Unlock()
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	for k, v := range meta {
		out[k] = v
	}
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
