// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/avolente/stagehand/internal/health"
	"github.com/avolente/stagehand/internal/logging"
)

// HealthLoop ticks every worker's monitor once per heartbeat interval and
// executes the resulting actions. It implements suture.Service.
type HealthLoop struct {
	s *Supervisor
}

// HealthLoop returns the tick service for mounting in the suture tree.
func (s *Supervisor) HealthLoop() *HealthLoop {
	return &HealthLoop{s: s}
}

// String names the service in suture event logs.
func (l *HealthLoop) String() string {
	return "supervisor/health-loop"
}

// Serve runs the tick loop until ctx is canceled.
func (l *HealthLoop) Serve(ctx context.Context) error {
	interval := l.s.cfg.Supervisor.HeartbeatInterval
	logging.Debug().Dur("interval", interval).Msg("health loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Debug().Msg("health loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.tickAll(ctx)
		}
	}
}

// tickAll evaluates one interval for every registered worker. Restarts run
// on their own goroutines so a slow teardown never stalls other workers'
// ticks; the monitor's in-flight flag guarantees one restart per failure.
func (l *HealthLoop) tickAll(ctx context.Context) {
	l.s.mu.RLock()
	entries := make([]*entry, 0, len(l.s.entries))
	for _, e := range l.s.entries {
		entries = append(entries, e)
	}
	l.s.mu.RUnlock()

	for _, e := range entries {
		switch e.mon.Tick() {
		case health.ActionDegrade:
			// The monitor already transitioned and logged.
		case health.ActionRestart:
			go func(e *entry) {
				if err := l.s.restart(ctx, e, "unresponsive"); err != nil &&
					!errors.Is(err, context.Canceled) {
					logging.Error().Err(err).
						Str("worker_type", string(e.wt)).
						Msg("unresponsive-worker restart failed")
				}
			}(e)
		}
	}
}
