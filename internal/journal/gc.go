// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package journal

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/avolente/stagehand/internal/logging"
)

// defaultGCInterval is how often the value log is compacted.
const defaultGCInterval = 5 * time.Minute

// gcDiscardRatio reclaims a value log file when at least half of it is
// garbage, badger's recommended setting.
const gcDiscardRatio = 0.5

// GCLoop periodically reclaims space from expired entries. It implements
// suture.Service and belongs in the tree's data layer.
type GCLoop struct {
	j        *Journal
	interval time.Duration
}

// GCLoop returns the journal's garbage-collection service. interval <= 0
// uses the default.
func (j *Journal) GCLoop(interval time.Duration) *GCLoop {
	if interval <= 0 {
		interval = defaultGCInterval
	}
	return &GCLoop{j: j, interval: interval}
}

// String names the service in suture event logs.
func (g *GCLoop) String() string {
	return "journal/gc"
}

// Serve runs the GC loop until ctx is canceled.
func (g *GCLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.runOnce()
		}
	}
}

// runOnce repeats value-log GC until badger reports nothing to rewrite.
func (g *GCLoop) runOnce() {
	g.j.mu.RLock()
	closed := g.j.closed
	g.j.mu.RUnlock()
	if closed {
		return
	}
	for {
		err := g.j.db.RunValueLogGC(gcDiscardRatio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
			logging.Warn().Err(err).Msg("journal value-log gc failed")
		}
		return
	}
}
