package priority

import (
	"context"
	"sync/atomic"

	"github.com/harunnryd/cadence/pkg/frames"
)

// Stats counts queue traffic for observability.
type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
	Dropped  int64
}

// Queue is a two-priority frame queue for one session. Control and system
// frames (interrupts, timers, teardown) ride the high lane so a flood of
// audio frames can never delay them; audio and transcript frames ride the
// low lane and are shed under pressure rather than blocking the producer.
type Queue struct {
	high chan frames.Frame
	low  chan frames.Frame

	highPush int64
	lowPush  int64
	highPop  int64
	lowPop   int64
	dropped  int64
}

func New(highCap, lowCap int) *Queue {
	if highCap <= 0 {
		highCap = 64
	}
	if lowCap <= 0 {
		lowCap = 256
	}
	return &Queue{
		high: make(chan frames.Frame, highCap),
		low:  make(chan frames.Frame, lowCap),
	}
}

// TryPushHigh enqueues without blocking; false means the lane was full.
func (q *Queue) TryPushHigh(f frames.Frame) bool {
	select {
	case q.high <- f:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		atomic.AddInt64(&q.dropped, 1)
		return false
	}
}

// TryPushLow enqueues without blocking; false means the lane was full.
func (q *Queue) TryPushLow(f frames.Frame) bool {
	select {
	case q.low <- f:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		atomic.AddInt64(&q.dropped, 1)
		return false
	}
}

// Pop returns the next frame, always draining the high lane first.
// It blocks until a frame arrives or ctx is done.
func (q *Queue) Pop(ctx context.Context) (frames.Frame, bool) {
	// Fast path: high lane first, then low.
	select {
	case f := <-q.high:
		atomic.AddInt64(&q.highPop, 1)
		return f, true
	default:
	}
	select {
	case f := <-q.low:
		atomic.AddInt64(&q.lowPop, 1)
		return f, true
	default:
	}
	select {
	case <-ctx.Done():
		return nil, false
	case f := <-q.high:
		atomic.AddInt64(&q.highPop, 1)
		return f, true
	case f := <-q.low:
		atomic.AddInt64(&q.lowPop, 1)
		return f, true
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
		Dropped:  atomic.LoadInt64(&q.dropped),
	}
}
