// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package health

import "time"

// Backoff returns the restart delay for the given attempt (1-based):
// delay(n) = min(base * 2^(n-1), cap). With the canonical base=2s, cap=30s
// the sequence is 2s, 4s, 8s, 16s, 30s, 30s, …
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Shifting past 62 bits overflows; by then the cap has long applied.
	if attempt > 32 {
		return cap
	}
	d := base << uint(attempt-1)
	if d > cap || d < base {
		return cap
	}
	return d
}
