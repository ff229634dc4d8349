// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package health tracks worker liveness and decides when a worker is
// degraded, due for restart, or permanently failed.
//
// Each worker type has one Monitor. The supervisor feeds it heartbeats and
// BUSY declarations and calls Tick once per heartbeat interval; the monitor
// answers with the action to take. Restart pacing uses capped exponential
// backoff, and a sliding-window budget escalates a crash-looping worker to
// the terminal PERMANENTLY_FAILED state instead of letting it storm.
package health
