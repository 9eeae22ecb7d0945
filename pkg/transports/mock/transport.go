package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/relay/pkg/frames"
)

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network dependency.
type Transport struct {
	recvCh chan frames.Frame
	mu     sync.Mutex
	sent   []frames.Frame
	notify chan struct{}
	closed bool
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		notify: make(chan struct{}, 1),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.recvCh)
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.sent = append(t.sent, f)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Sent returns a copy of the outbound frames so far.
func (t *Transport) Sent() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frames.Frame(nil), t.sent...)
}

// WaitFor blocks until match returns true for the sent frames or ctx ends.
func (t *Transport) WaitFor(ctx context.Context, match func([]frames.Frame) bool) bool {
	for {
		if match(t.Sent()) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.notify:
		}
	}
}
