// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package ipc

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/avolente/stagehand/internal/logging"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("ipc: queue closed")

// overflowWarnInterval rate-limits queue overflow warnings so a flood of
// drops emits one warning per interval, not one per drop.
const overflowWarnInterval = 5 * time.Second

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Dequeued uint64 `json:"dequeued"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Queue is a bounded FIFO of messages with drop-oldest overflow.
// Enqueue never blocks and never grows the queue past its capacity.
type Queue struct {
	mu       sync.Mutex
	buf      []*Message // ring buffer
	head     int
	count    int
	closed   bool
	enqueued uint64
	dropped  uint64
	dequeued uint64

	// notify wakes a single consumer without blocking producers.
	notify chan struct{}

	warnLimit *rate.Limiter
	name      string
}

// NewQueue creates a bounded queue. Capacity must be positive.
func NewQueue(name string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		buf:       make([]*Message, capacity),
		notify:    make(chan struct{}, 1),
		warnLimit: rate.NewLimiter(rate.Every(overflowWarnInterval), 1),
		name:      name,
	}
}

// Enqueue appends a message, dropping the oldest pending entry first when
// the queue is full. It reports whether a drop occurred. O(1), never blocks.
func (q *Queue) Enqueue(m *Message) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}

	dropped := false
	if q.count == len(q.buf) {
		// Freshest wins: overwrite the oldest slot.
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.count)%len(q.buf)] = m
	q.count++
	q.enqueued++
	droppedTotal := q.dropped
	q.mu.Unlock()

	if dropped && q.warnLimit.Allow() {
		logging.Warn().
			Str("queue", q.name).
			Uint64("dropped_total", droppedTotal).
			Msg("queue overflow, dropping oldest")
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

// TryDequeue removes and returns the oldest message. O(1), never blocks.
func (q *Queue) TryDequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	m := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.dequeued++
	return m, true
}

// DequeueUpTo drains at most max messages. max <= 0 drains everything
// pending at call time.
func (q *Queue) DequeueUpTo(max int) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
	}
	q.count -= n
	q.dequeued += uint64(n)
	return out
}

// Notify returns a channel that receives a signal when messages arrive.
// The channel is buffered at 1; consumers should drain the queue fully
// after each wakeup.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Enqueued: q.enqueued,
		Dropped:  q.dropped,
		Dequeued: q.dequeued,
		Depth:    q.count,
		Capacity: len(q.buf),
	}
}

// Close marks the queue closed. Pending messages remain drainable;
// further enqueues fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Channel is the duplex bounded queue pair for one worker instance:
// requests flow caller to worker, responses flow worker to caller.
type Channel struct {
	Requests  *Queue
	Responses *Queue
}

// NewChannel creates the queue pair for a worker type.
func NewChannel(wt WorkerType, capacity int) *Channel {
	return &Channel{
		Requests:  NewQueue(string(wt)+"/requests", capacity),
		Responses: NewQueue(string(wt)+"/responses", capacity),
	}
}

// Close closes both directions.
func (c *Channel) Close() {
	c.Requests.Close()
	c.Responses.Close()
}
