// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/logging"
)

// ResponseListener drains worker response queues on a single background
// goroutine and dispatches each message to its subscribers in order.
//
// A queue is drained only while its worker type has at least one
// subscriber; unsubscribed types keep their responses queued for
// PollResponses. Tap callbacks observe every dispatched message but never
// cause a drain on their own.
type ResponseListener struct {
	poll time.Duration

	mu      sync.RWMutex
	sources map[ipc.WorkerType]*ipc.Queue
	subs    map[ipc.WorkerType][]func(*ipc.Message)
	taps    []func(*ipc.Message)
}

// NewResponseListener creates a listener with the given drain poll interval.
func NewResponseListener(poll time.Duration) *ResponseListener {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	return &ResponseListener{
		poll:    poll,
		sources: make(map[ipc.WorkerType]*ipc.Queue),
		subs:    make(map[ipc.WorkerType][]func(*ipc.Message)),
	}
}

// Attach registers the response queue for a worker incarnation, replacing
// any queue from a previous incarnation.
func (l *ResponseListener) Attach(wt ipc.WorkerType, q *ipc.Queue) {
	l.mu.Lock()
	l.sources[wt] = q
	l.mu.Unlock()
}

// Detach removes the response queue for a worker type.
func (l *ResponseListener) Detach(wt ipc.WorkerType) {
	l.mu.Lock()
	delete(l.sources, wt)
	l.mu.Unlock()
}

// Subscribe registers a callback for one worker type's responses.
// Callbacks run on the listener goroutine and must not block.
func (l *ResponseListener) Subscribe(wt ipc.WorkerType, fn func(*ipc.Message)) {
	l.mu.Lock()
	l.subs[wt] = append(l.subs[wt], fn)
	l.mu.Unlock()
}

// Tap registers a callback observing every dispatched message regardless
// of worker type. The diagnostics telemetry stream hangs off a tap.
func (l *ResponseListener) Tap(fn func(*ipc.Message)) {
	l.mu.Lock()
	l.taps = append(l.taps, fn)
	l.mu.Unlock()
}

// Serve runs the drain loop until ctx is canceled. It implements
// suture.Service; cancellation is cooperative and the join is bounded by
// one poll interval.
func (l *ResponseListener) Serve(ctx context.Context) error {
	logging.Debug().Dur("poll_interval", l.poll).Msg("response listener started")
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Debug().Msg("response listener stopped")
			return ctx.Err()
		case <-ticker.C:
			l.drainOnce()
		}
	}
}

// String names the service in suture event logs.
func (l *ResponseListener) String() string {
	return "supervisor/response-listener"
}

// drainOnce empties every subscribed source and dispatches in FIFO order.
func (l *ResponseListener) drainOnce() {
	l.mu.RLock()
	type batch struct {
		fns  []func(*ipc.Message)
		msgs []*ipc.Message
	}
	var batches []batch
	taps := l.taps
	for wt, q := range l.sources {
		fns := l.subs[wt]
		if len(fns) == 0 {
			continue
		}
		if msgs := q.DequeueUpTo(0); len(msgs) > 0 {
			batches = append(batches, batch{fns: fns, msgs: msgs})
		}
	}
	l.mu.RUnlock()

	for _, b := range batches {
		for _, m := range b.msgs {
			for _, fn := range b.fns {
				fn(m)
			}
			for _, fn := range taps {
				fn(m)
			}
		}
	}
}
