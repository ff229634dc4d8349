// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Worker lifecycle

	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagehand_worker_state",
			Help: "Current worker state (0=stopped 1=starting 2=running 3=degraded 4=busy 5=crashed 6=restarting 7=stopping 8=permanently_failed)",
		},
		[]string{"worker_type"},
	)

	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_worker_restarts_total",
			Help: "Total worker restarts",
		},
		[]string{"worker_type", "reason"},
	)

	WorkerSpawnFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_worker_spawn_failures_total",
			Help: "Total worker spawn failures",
		},
		[]string{"worker_type"},
	)

	// Heartbeat health

	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_heartbeats_total",
			Help: "Total heartbeats received from workers",
		},
		[]string{"worker_type"},
	)

	MissedHeartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_missed_heartbeats_total",
			Help: "Total missed heartbeat intervals",
		},
		[]string{"worker_type"},
	)

	// Channel backpressure

	ChannelDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_channel_drops_total",
			Help: "Total messages dropped by bounded channels (drop-oldest)",
		},
		[]string{"worker_type", "direction"}, // direction: "request", "response"
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagehand_queue_depth",
			Help: "Current channel queue depth",
		},
		[]string{"worker_type", "direction"},
	)

	// Shared memory

	ShmStaleDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_shm_stale_drops_total",
			Help: "Total shared-memory reads discarded as stale or torn",
		},
	)

	ShmBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_shm_bytes_written_total",
			Help: "Total bytes published through shared-memory regions",
		},
	)

	ShmRegions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagehand_shm_regions",
			Help: "Currently allocated shared-memory regions",
		},
	)

	// Request path

	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagehand_request_latency_seconds",
			Help:    "Round-trip latency of worker requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"worker_type"},
	)

	SendTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_send_timeouts_total",
			Help: "Total send_and_wait calls that returned empty at their deadline",
		},
		[]string{"worker_type"},
	)

	RejectedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_rejected_requests_total",
			Help: "Total requests rejected before enqueue",
		},
		[]string{"worker_type", "reason"}, // reason: "not_running", "permanently_failed", "oversized"
	)

	// Fallback path

	FallbackExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_fallback_executions_total",
			Help: "Total requests served by the local synchronous fallback",
		},
		[]string{"worker_type", "reason"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagehand_breaker_state",
			Help: "Fallback circuit breaker state (0=closed 1=half-open 2=open)",
		},
		[]string{"worker_type"},
	)
)
