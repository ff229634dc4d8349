// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package health

import (
	"time"

	"github.com/avolente/stagehand/internal/ipc"
)

// State is a worker's position in the supervision state machine:
//
//	STOPPED → STARTING → RUNNING → {DEGRADED, BUSY} → CRASHED → RESTARTING → STARTING …
//	any → STOPPING → STOPPED on explicit stop or shutdown
//	RESTARTING → PERMANENTLY_FAILED once the restart budget is exhausted (terminal)
//
// RUNNING is the healthy live state; DEGRADED and BUSY are its annotated
// variants and transition back to RUNNING when heartbeats resume.
type State string

// Worker states.
const (
	StateStopped           State = "stopped"
	StateStarting          State = "starting"
	StateRunning           State = "running"
	StateDegraded          State = "degraded"
	StateBusy              State = "busy"
	StateCrashed           State = "crashed"
	StateRestarting        State = "restarting"
	StateStopping          State = "stopping"
	StatePermanentlyFailed State = "permanently_failed"
)

// Live reports whether the worker process is expected to be running.
func (s State) Live() bool {
	switch s {
	case StateRunning, StateDegraded, StateBusy:
		return true
	}
	return false
}

// MetricValue maps the state onto the stagehand_worker_state gauge.
func (s State) MetricValue() float64 {
	switch s {
	case StateStopped:
		return 0
	case StateStarting:
		return 1
	case StateRunning:
		return 2
	case StateDegraded:
		return 3
	case StateBusy:
		return 4
	case StateCrashed:
		return 5
	case StateRestarting:
		return 6
	case StateStopping:
		return 7
	case StatePermanentlyFailed:
		return 8
	}
	return -1
}

// Snapshot is a point-in-time health record for diagnostics.
type Snapshot struct {
	WorkerType          ipc.WorkerType `json:"worker_type"`
	State               State          `json:"state"`
	PID                 int            `json:"pid"`
	LastHeartbeat       time.Time      `json:"last_heartbeat_ts"`
	MissedHeartbeats    int            `json:"missed_heartbeats"`
	ConsecutiveRestarts int            `json:"consecutive_restarts"`
	RestartWindowStart  time.Time      `json:"restart_window_start_ts"`
	MemoryRSS           uint64         `json:"memory_rss"`
	MemoryVMS           uint64         `json:"memory_vms"`
	QueueDepth          int            `json:"queue_depth"`
	BusyUntil           time.Time      `json:"busy_until,omitempty"`
	RunningSince        time.Time      `json:"running_since,omitempty"`
}

// Action is the monitor's verdict for one health tick.
type Action int

// Tick outcomes.
const (
	// ActionNone: worker is healthy or penalties are suspended.
	ActionNone Action = iota
	// ActionDegrade: soft missed-heartbeat threshold reached; log, don't restart.
	ActionDegrade
	// ActionRestart: hard threshold reached; the supervisor must restart.
	ActionRestart
)
