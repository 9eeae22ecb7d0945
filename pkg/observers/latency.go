package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/metrics"
)

// LatencyObserver logs one chain_latency line per chain invocation.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	start      time.Time
	firstToken time.Time
	traceID    string
	chain      string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ev.Tags["stream_id"]
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventChainInvokeStart:
		o.traces[streamID] = &trace{
			start:   ev.Time,
			traceID: ev.Tags["trace_id"],
			chain:   ev.Tags["chain"],
		}
	case metrics.EventChainFirstToken:
		if t := o.traces[streamID]; t != nil && t.firstToken.IsZero() {
			t.firstToken = ev.Time
		}
	case metrics.EventChainDone, metrics.EventChainCancelled, metrics.EventChainError:
		t := o.traces[streamID]
		if t == nil {
			return
		}
		delete(o.traces, streamID)
		o.log.Info("chain_latency",
			"stream_id", streamID,
			"trace_id", t.traceID,
			"chain", t.chain,
			"outcome", ev.Name,
			"first_token_ms", durationMs(t.start, t.firstToken),
			"total_ms", durationMs(t.start, ev.Time),
		)
	}
}

// Pending reports invocations that have started but not finished.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
