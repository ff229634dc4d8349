// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package supervisor owns the worker-process lifecycle.
//
// Supervisor holds one entry per worker type: the factory that spawns the
// process, the health monitor that watches it, and the current handle. It
// exposes the caller-facing operations: start, stop, restart with backoff,
// non-blocking send, bounded send-and-wait, non-blocking poll, and detailed
// health snapshots.
//
// Two in-process loops run under the suture tree: the health loop, which
// ticks every monitor once per heartbeat interval and schedules restarts,
// and the ResponseListener, which drains subscribed response queues on a
// single goroutine and dispatches to callbacks.
package supervisor
