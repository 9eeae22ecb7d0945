package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
)

type Config struct {
	ServerAddr     string        `mapstructure:"server_addr"`
	Path           string        `mapstructure:"path"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Transport serves one websocket connection per session. Frames are routed
// back to the connection by their stream id, which equals the session id.
type Transport struct {
	cfg      Config
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	logger   *slog.Logger

	recvMu sync.RWMutex
	recvCh chan frames.Frame
	closed bool

	mu       sync.Mutex
	sessions map[string]*session

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:   logging.NewComponentLogger(nil, "websocket_transport"),
		recvCh:   make(chan frames.Frame, 512),
		sessions: make(map[string]*session),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logging.NewComponentLogger(logger, "websocket_transport")
	}
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"ws_url": t.URL()}
}

// URL is the websocket endpoint; after Start it reflects the bound address.
func (t *Transport) URL() string {
	addr := t.cfg.ServerAddr
	if t.listener != nil {
		addr = t.listener.Addr().String()
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + t.cfg.Path
}

// Handler exposes the routes, for embedding in another server or tests.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if t.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.ServerAddr)
	if err != nil {
		return err
	}
	t.listener = ln
	t.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("websocket_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.close()
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	t.recvMu.Lock()
	if !t.closed {
		t.closed = true
		close(t.recvCh)
	}
	t.recvMu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	traceID := uuid.NewString()
	sess := t.attach(sessionID, traceID, conn)
	defer t.detach(sessionID, sess)

	_ = sess.enqueue(Event{Type: TypeSession, SessionID: sessionID, TraceID: traceID})
	t.emit(frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "session_start", sess.meta()))
	t.logger.Info("session_start", "session_id", sessionID, "trace_id", traceID)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.reject(sess, err)
			continue
		}
		f, ok := Decode(ev, sess.meta())
		if !ok {
			t.reject(sess, errors.New("unknown event type: "+ev.Type))
			continue
		}
		t.emit(f)
	}
	t.emit(frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "session_end", sess.meta()))
	t.logger.Info("session_end", "session_id", sessionID)
}

func (t *Transport) Send(f frames.Frame) error {
	ev, ok := Encode(f)
	if !ok {
		return nil
	}
	sess := t.session(f.Meta()[frames.MetaStreamID])
	if sess == nil {
		return nil
	}
	if err := sess.enqueue(ev); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

// SessionCount reports live connections.
func (t *Transport) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Transport) reject(sess *session, err error) {
	err = errorsx.Wrap(err, errorsx.ReasonTransportDecode)
	t.logger.Warn("websocket_event_rejected", append([]any{"session_id", sess.id}, errorsx.Attrs(err)...)...)
	_ = sess.enqueue(Event{Type: TypeError, Message: err.Error(), ReasonCode: string(errorsx.Reason(err))})
}

func (t *Transport) emit(f frames.Frame) {
	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		t.logger.Warn("websocket_recv_full", "stream_id", f.Meta()[frames.MetaStreamID], "kind", string(f.Kind()))
	}
}

func (t *Transport) attach(sessionID, traceID string, conn *websocket.Conn) *session {
	sess := &session{
		id:      sessionID,
		traceID: traceID,
		conn:    conn,
		sendCh:  make(chan []byte, t.cfg.SendBuffer),
		timeout: t.cfg.WriteTimeout,
	}
	t.mu.Lock()
	old := t.sessions[sessionID]
	t.sessions[sessionID] = sess
	t.mu.Unlock()
	if old != nil {
		_ = old.close()
	}
	go sess.loop()
	return sess
}

func (t *Transport) detach(sessionID string, sess *session) {
	t.mu.Lock()
	if t.sessions[sessionID] == sess {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
	_ = sess.close()
}

func (t *Transport) session(sessionID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sessionID]
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

type session struct {
	id      string
	traceID string
	conn    *websocket.Conn
	sendCh  chan []byte
	timeout time.Duration
	mu      sync.Mutex
	closed  bool
}

var errSessionClosed = errors.New("websocket: session closed")
var errSendBufferFull = errors.New("websocket: send buffer full")

func (s *session) meta() map[string]string {
	return map[string]string{
		frames.MetaStreamID:  s.id,
		frames.MetaSessionID: s.id,
		frames.MetaTraceID:   s.traceID,
		frames.MetaSource:    frames.SourceTransport,
	}
}

func (s *session) enqueue(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *session) close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	return s.conn.Close()
}
