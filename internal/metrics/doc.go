// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package metrics declares the Prometheus instruments for the supervision
// subsystem: worker lifecycle, heartbeat health, channel backpressure,
// shared-memory freshness, and request latency. The diag server exposes
// them on /metrics.
package metrics
