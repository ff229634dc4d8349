// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package health

import (
	"sync"
	"time"
)

// slidingWindow counts restart events inside a sliding time window using a
// circular bucket buffer. Incrementing is O(1); counting is O(buckets).
// The clock is injectable so budget tests are deterministic.
type slidingWindow struct {
	mu         sync.Mutex
	buckets    []int64
	bucketSize time.Duration
	current    int
	lastUpdate time.Time
	start      time.Time
	now        func() time.Time
}

// windowBuckets is the bucket count per window; a 5-minute window gets
// 30-second resolution.
const windowBuckets = 10

func newSlidingWindow(windowSize time.Duration, now func() time.Time) *slidingWindow {
	if now == nil {
		now = time.Now
	}
	return &slidingWindow{
		buckets:    make([]int64, windowBuckets),
		bucketSize: windowSize / windowBuckets,
		lastUpdate: now(),
		start:      now(),
		now:        now,
	}
}

// Increment adds one event to the current bucket.
func (w *slidingWindow) Increment() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.buckets[w.current]++
}

// Count returns the number of events inside the window.
func (w *slidingWindow) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	var total int64
	for _, b := range w.buckets {
		total += b
	}
	return total
}

// Start returns when the current observation window began.
func (w *slidingWindow) Start() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.start
}

// advance rotates expired buckets forward (must hold mu).
func (w *slidingWindow) advance() {
	now := w.now()
	elapsed := now.Sub(w.lastUpdate)
	if elapsed < w.bucketSize {
		return
	}

	steps := int(elapsed / w.bucketSize)
	if steps >= len(w.buckets) {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
		w.current = 0
		w.start = now
	} else {
		for i := 0; i < steps; i++ {
			w.current = (w.current + 1) % len(w.buckets)
			w.buckets[w.current] = 0
		}
		w.start = w.start.Add(time.Duration(steps) * w.bucketSize)
	}
	w.lastUpdate = now
}
