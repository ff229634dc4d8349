// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package health

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/avolente/stagehand/internal/config"
	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/logging"
	"github.com/avolente/stagehand/internal/metrics"
)

// Monitor tracks one worker's health. The supervisor feeds it lifecycle
// transitions, heartbeats, and BUSY declarations, and calls Tick once per
// heartbeat interval to collect the pending action.
type Monitor struct {
	wt  ipc.WorkerType
	cfg config.SupervisorConfig
	now func() time.Time

	mu                  sync.Mutex
	state               State
	pid                 int
	lastHeartbeat       time.Time
	missed              int
	consecutiveRestarts int
	window              *slidingWindow
	busyUntil           time.Time
	runningSince        time.Time
	restartInFlight     bool
}

// NewMonitor creates a monitor using the wall clock.
func NewMonitor(wt ipc.WorkerType, cfg config.SupervisorConfig) *Monitor {
	return NewMonitorWithClock(wt, cfg, time.Now)
}

// NewMonitorWithClock creates a monitor with an injected clock for
// deterministic tests.
func NewMonitorWithClock(wt ipc.WorkerType, cfg config.SupervisorConfig, now func() time.Time) *Monitor {
	m := &Monitor{
		wt:     wt,
		cfg:    cfg,
		now:    now,
		state:  StateStopped,
		window: newSlidingWindow(cfg.RestartWindow, now),
	}
	metrics.WorkerState.WithLabelValues(string(wt)).Set(StateStopped.MetricValue())
	return m
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetPID records the worker's process ID after a successful spawn.
func (m *Monitor) SetPID(pid int) {
	m.mu.Lock()
	m.pid = pid
	m.mu.Unlock()
}

// Transition moves the worker to a new state, emitting the telemetry event.
func (m *Monitor) Transition(s State, reason string) {
	m.mu.Lock()
	m.transitionLocked(s, reason)
	m.mu.Unlock()
}

func (m *Monitor) transitionLocked(s State, reason string) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s

	if s == StateStarting {
		m.missed = 0
		m.lastHeartbeat = m.now()
		m.busyUntil = time.Time{}
		m.runningSince = time.Time{}
	}

	metrics.WorkerState.WithLabelValues(string(m.wt)).Set(s.MetricValue())

	event := logging.Info()
	switch s {
	case StateDegraded, StateCrashed, StateRestarting:
		event = logging.Warn()
	case StatePermanentlyFailed:
		event = logging.Error()
	}
	event.
		Str("worker_type", string(m.wt)).
		Int("pid", m.pid).
		Str("from", string(prev)).
		Str("to", string(s)).
		Str("restart_reason", reason).
		Msg("worker state transition")
}

// Heartbeat records a liveness signal: resets missed counting, lifts BUSY
// suppression, and promotes STARTING/DEGRADED/BUSY back to RUNNING.
func (m *Monitor) Heartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastHeartbeat = m.now()
	m.missed = 0
	m.busyUntil = time.Time{}
	metrics.Heartbeats.WithLabelValues(string(m.wt)).Inc()

	switch m.state {
	case StateStarting:
		m.runningSince = m.now()
		m.restartInFlight = false
		m.transitionLocked(StateRunning, "first heartbeat")
	case StateDegraded, StateBusy:
		m.transitionLocked(StateRunning, "heartbeat resumed")
	}
	m.maybeResetRestartsLocked()
}

// MarkBusy suspends missed-heartbeat counting for the declared duration
// plus the configured grace. A BUSY signal also proves liveness.
func (m *Monitor) MarkBusy(estimated time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Live() {
		return
	}
	m.lastHeartbeat = m.now()
	m.missed = 0
	m.busyUntil = m.now().Add(estimated + m.cfg.BusyGrace)
	m.transitionLocked(StateBusy, "busy declared")
}

// Tick evaluates one heartbeat interval and returns the action due.
// ActionRestart is returned at most once per failure: subsequent ticks
// return ActionNone until FinishRestart or a fresh STARTING transition.
func (m *Monitor) Tick() Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Live() {
		return ActionNone
	}
	m.maybeResetRestartsLocked()

	now := m.now()
	if m.state == StateBusy && now.Before(m.busyUntil) {
		return ActionNone
	}
	if now.Sub(m.lastHeartbeat) < m.cfg.HeartbeatInterval {
		return ActionNone
	}

	// Count the interval as missed and pretend a heartbeat boundary so one
	// silent interval counts once, not once per tick.
	m.lastHeartbeat = m.lastHeartbeat.Add(m.cfg.HeartbeatInterval)
	m.missed++
	metrics.MissedHeartbeats.WithLabelValues(string(m.wt)).Inc()

	switch {
	case m.missed >= m.cfg.HardMissedThreshold:
		if m.restartInFlight {
			return ActionNone
		}
		m.restartInFlight = true
		logging.Error().
			Str("worker_type", string(m.wt)).
			Int("pid", m.pid).
			Int("missed_heartbeats", m.missed).
			Msg("hard heartbeat threshold exceeded")
		return ActionRestart
	case m.missed == m.cfg.MissedHeartbeatThreshold:
		m.transitionLocked(StateDegraded, "missed heartbeats")
		return ActionDegrade
	}
	return ActionNone
}

// BeginRestart charges the restart budget and computes the backoff delay.
// ok=false means the budget is exhausted and the worker is now
// PERMANENTLY_FAILED; no restart may be attempted.
func (m *Monitor) BeginRestart(reason string) (delay time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StatePermanentlyFailed {
		return 0, false
	}

	m.window.Increment()
	m.consecutiveRestarts++
	if m.window.Count() > int64(m.cfg.MaxRestartsPerWindow) {
		m.transitionLocked(StatePermanentlyFailed, reason)
		logging.Error().
			Str("worker_type", string(m.wt)).
			Int("pid", m.pid).
			Int("consecutive_restarts", m.consecutiveRestarts).
			Int("max_restarts_per_window", m.cfg.MaxRestartsPerWindow).
			Msg("restart budget exhausted, no further auto-restart")
		return 0, false
	}

	delay = Backoff(m.consecutiveRestarts, m.cfg.BackoffBase, m.cfg.BackoffCap)
	m.transitionLocked(StateRestarting, reason)
	metrics.WorkerRestarts.WithLabelValues(string(m.wt), reason).Inc()
	return delay, true
}

// FinishRestart clears the in-flight flag after a restart attempt
// completes (successfully or not).
func (m *Monitor) FinishRestart() {
	m.mu.Lock()
	m.restartInFlight = false
	m.mu.Unlock()
}

// MarkExit records process exit: crashed when unexpected, stopped when
// requested.
func (m *Monitor) MarkExit(crashed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if crashed {
		m.transitionLocked(StateCrashed, "process exit")
	} else {
		m.transitionLocked(StateStopped, "stop requested")
	}
	m.pid = 0
	m.runningSince = time.Time{}
}

// ConsecutiveRestarts returns the current consecutive restart count.
func (m *Monitor) ConsecutiveRestarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveRestarts
}

// maybeResetRestartsLocked clears the consecutive-restart count once the
// worker has run continuously past the healthy window without a failure.
func (m *Monitor) maybeResetRestartsLocked() {
	if m.consecutiveRestarts == 0 || m.runningSince.IsZero() || !m.state.Live() {
		return
	}
	if m.now().Sub(m.runningSince) >= m.cfg.HealthyWindow {
		logging.Debug().
			Str("worker_type", string(m.wt)).
			Int("consecutive_restarts", m.consecutiveRestarts).
			Msg("healthy window elapsed, restart count reset")
		m.consecutiveRestarts = 0
	}
}

// Snapshot captures the health record, sampling process memory when the
// worker is live.
func (m *Monitor) Snapshot(queueDepth int) Snapshot {
	m.mu.Lock()
	s := Snapshot{
		WorkerType:          m.wt,
		State:               m.state,
		PID:                 m.pid,
		LastHeartbeat:       m.lastHeartbeat,
		MissedHeartbeats:    m.missed,
		ConsecutiveRestarts: m.consecutiveRestarts,
		RestartWindowStart:  m.window.Start(),
		QueueDepth:          queueDepth,
		BusyUntil:           m.busyUntil,
		RunningSince:        m.runningSince,
	}
	pid := m.pid
	live := m.state.Live()
	m.mu.Unlock()

	if live && pid > 0 {
		if p, err := process.NewProcess(int32(pid)); err == nil { //nolint:gosec // pid fits
			if mi, err := p.MemoryInfo(); err == nil && mi != nil {
				s.MemoryRSS = mi.RSS
				s.MemoryVMS = mi.VMS
			}
		}
	}
	return s
}
