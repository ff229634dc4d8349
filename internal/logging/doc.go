// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package logging provides the zerolog-based logger shared by every
// Stagehand component.
//
// The supervisor, health monitor, and workers all emit structured events
// through this package. Worker processes inherit the parent's level and
// format via environment so supervisor and worker logs interleave cleanly
// on the same stderr stream.
//
// Initialize once at startup:
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//
// Then log with structured fields:
//
//	logging.Info().Str("worker_type", "image").Int("pid", pid).Msg("worker started")
//
// A zerolog-backed slog.Handler is provided for libraries that speak
// log/slog, such as sutureslog.
package logging
