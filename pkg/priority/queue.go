package priority

import (
	"context"
	"sync/atomic"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

type Queue interface {
	TryPushHigh(f any) bool
	TryPushLow(f any) bool
	PopContext(ctx context.Context) (any, bool)
	Stats() Stats
}

// PriorityQueue serves high before low, but after fairness consecutive
// high pops a waiting low item is served.
type PriorityQueue struct {
	high     chan any
	low      chan any
	fairness int
	streak   int
	highPush int64
	lowPush  int64
	highPop  int64
	lowPop   int64
}

func New(highCap, lowCap, fairness int) *PriorityQueue {
	if fairness <= 0 {
		fairness = 3
	}
	return &PriorityQueue{
		high:     make(chan any, highCap),
		low:      make(chan any, lowCap),
		fairness: fairness,
	}
}

func (q *PriorityQueue) TryPushHigh(f any) bool {
	select {
	case q.high <- f:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) TryPushLow(f any) bool {
	select {
	case q.low <- f:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		return false
	}
}

// PopContext blocks until an item is available or ctx is done. It must be
// called from a single consumer goroutine.
func (q *PriorityQueue) PopContext(ctx context.Context) (any, bool) {
	if q.streak >= q.fairness {
		select {
		case f := <-q.low:
			return q.popLow(f), true
		default:
		}
	}
	select {
	case f := <-q.high:
		return q.popHigh(f), true
	default:
	}
	select {
	case f := <-q.low:
		return q.popLow(f), true
	default:
	}
	select {
	case <-ctx.Done():
		return nil, false
	case f := <-q.high:
		return q.popHigh(f), true
	case f := <-q.low:
		return q.popLow(f), true
	}
}

func (q *PriorityQueue) popHigh(f any) any {
	q.streak++
	atomic.AddInt64(&q.highPop, 1)
	return f
}

func (q *PriorityQueue) popLow(f any) any {
	q.streak = 0
	atomic.AddInt64(&q.lowPop, 1)
	return f
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
	}
}
