package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/relay/pkg/frames"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func nextFrame(t *testing.T, tr *Transport) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Recv():
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return nil
}

func TestSessionLifecycle(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	defer tr.Stop()

	conn := dial(t, srv, "?session_id=abc")
	hello := readEvent(t, conn)
	if hello.Type != TypeSession || hello.SessionID != "abc" || hello.TraceID == "" {
		t.Fatalf("unexpected session event: %+v", hello)
	}

	start := nextFrame(t, tr)
	sf, ok := start.(frames.SystemFrame)
	if !ok || sf.Name() != "session_start" {
		t.Fatalf("expected session_start, got %#v", start)
	}
	if sf.Meta()[frames.MetaSessionID] != "abc" || sf.Meta()[frames.MetaSource] != frames.SourceTransport {
		t.Fatalf("unexpected session meta: %v", sf.Meta())
	}

	if err := conn.WriteJSON(Event{Type: TypeText, Text: "hello", Final: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	in := nextFrame(t, tr)
	tf, ok := in.(frames.TextFrame)
	if !ok || tf.Text() != "hello" {
		t.Fatalf("expected text frame, got %#v", in)
	}
	if tf.Meta()[frames.MetaSource] != frames.SourceUser || tf.Meta()[frames.MetaIsFinal] != "true" {
		t.Fatalf("unexpected text meta: %v", tf.Meta())
	}

	out := frames.NewTextFrame("abc", 1, "hi there", map[string]string{frames.MetaTokenIndex: "0"})
	if err := tr.Send(out); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := readEvent(t, conn)
	if got.Type != TypeText || got.Text != "hi there" || got.TokenIndex == nil || *got.TokenIndex != 0 {
		t.Fatalf("unexpected outbound event: %+v", got)
	}

	_ = conn.Close()
	end := nextFrame(t, tr)
	if ef, ok := end.(frames.SystemFrame); !ok || ef.Name() != "session_end" {
		t.Fatalf("expected session_end, got %#v", end)
	}
}

func TestRejectsUnknownEvent(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	defer tr.Stop()

	conn := dial(t, srv, "")
	defer conn.Close()
	_ = readEvent(t, conn)
	_ = nextFrame(t, tr)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != TypeError || ev.ReasonCode != "transport_decode" {
		t.Fatalf("expected decode error event, got %+v", ev)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev = readEvent(t, conn)
	if ev.Type != TypeError {
		t.Fatalf("expected error event for malformed json, got %+v", ev)
	}
}

func TestSendToUnknownSessionIsDropped(t *testing.T) {
	tr := New(Config{})
	if err := tr.Send(frames.NewTextFrame("nobody", 1, "x", nil)); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestCheckOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"example.com", "https://app.test"}})
	cases := map[string]bool{
		"":                     true,
		"https://example.com":  true,
		"http://example.com/":  true,
		"https://app.test":     true,
		"http://app.test":      false,
		"https://evil.example": false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := tr.checkOrigin(r); got != want {
			t.Fatalf("origin %q: expected %v, got %v", origin, want, got)
		}
	}
}

func TestEncodeMarkersAndControl(t *testing.T) {
	ev, ok := Encode(frames.NewFullResponseStartFrame("s", 1, nil))
	if !ok || ev.Type != string(frames.MarkerFullResponseStart) {
		t.Fatalf("unexpected marker event: %+v", ev)
	}
	ev, ok = Encode(frames.NewControlFrame("s", 1, frames.ControlFallback, nil))
	if !ok || ev.Type != TypeControl || ev.Code != "fallback" {
		t.Fatalf("unexpected control event: %+v", ev)
	}
	if _, ok := Encode(frames.NewMessagesFrame("s", 1, nil, nil)); ok {
		t.Fatalf("messages frame should not be encoded")
	}
}

func TestDecodeControlEvents(t *testing.T) {
	for typ, code := range map[string]frames.ControlCode{
		TypeFlush:     frames.ControlFlush,
		TypeCancel:    frames.ControlCancel,
		TypeInterrupt: frames.ControlStartInterruption,
	} {
		f, ok := Decode(Event{Type: typ}, map[string]string{frames.MetaStreamID: "s"})
		cf, isCtrl := f.(frames.ControlFrame)
		if !ok || !isCtrl || cf.Code() != code {
			t.Fatalf("%s: unexpected frame %#v", typ, f)
		}
	}
}

func TestHealthReportsDraining(t *testing.T) {
	tr := New(Config{})
	h := tr.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	_ = tr.Stop()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rec.Code)
	}
}
