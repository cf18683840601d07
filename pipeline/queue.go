package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"tributary/cdc"
	"tributary/telemetry"
)

var (
	// ErrClosed is returned once the queue is closed and drained.
	ErrClosed = errors.New("event queue closed")
	// ErrTimeout is returned by Dequeue when no event arrived in time.
	ErrTimeout = errors.New("event queue dequeue timed out")
)

// Queue is the bounded FIFO handoff between the stream consumer and
// the publisher workers. Ordering is preserved within the queue; no
// reordering, no deduplication. The consumer is the only producer:
// Close must not be called until the producer has stopped.
type Queue struct {
	ch        chan cdc.QueuedEvent
	capacity  int
	highWater int
	closed    atomic.Bool
	now       func() time.Time
}

// NewQueue creates a queue with the given capacity. highWaterMark is
// the occupancy fraction above which UnderPressure reports true.
func NewQueue(capacity int, highWaterMark float64) *Queue {
	highWater := int(float64(capacity) * highWaterMark)
	if highWater < 1 {
		highWater = 1
	}
	return &Queue{
		ch:        make(chan cdc.QueuedEvent, capacity),
		capacity:  capacity,
		highWater: highWater,
		now:       time.Now,
	}
}

// Enqueue adds an event, blocking while the queue is full. Returns the
// context error if canceled while blocked, ErrClosed after Close.
func (q *Queue) Enqueue(ctx context.Context, ev cdc.ChangeEvent) error {
	if q.closed.Load() {
		return ErrClosed
	}

	qe := cdc.QueuedEvent{Event: ev, EnqueuedAt: q.now()}
	select {
	case q.ch <- qe:
		telemetry.QueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the oldest event, blocking up to timeout. Returns
// ErrTimeout if nothing arrived, ErrClosed once the queue is closed
// and fully drained. Exactly one caller receives each event.
func (q *Queue) Dequeue(timeout time.Duration) (cdc.QueuedEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case qe, ok := <-q.ch:
		if !ok {
			return cdc.QueuedEvent{}, ErrClosed
		}
		telemetry.QueueDepth.Set(float64(len(q.ch)))
		return qe, nil
	case <-timer.C:
		return cdc.QueuedEvent{}, ErrTimeout
	}
}

// Close marks the queue closed. Blocked dequeuers drain the remaining
// events and then observe ErrClosed rather than hanging.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

// Depth returns the current occupancy.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// UnderPressure reports whether occupancy has reached the high-water
// mark. The consumer throttles reads while this holds.
func (q *Queue) UnderPressure() bool {
	return len(q.ch) >= q.highWater
}
