// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avolente/stagehand/internal/config"
	"github.com/avolente/stagehand/internal/health"
	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/logging"
	"github.com/avolente/stagehand/internal/metrics"
	"github.com/avolente/stagehand/internal/worker"
)

// Recorder receives worker lifecycle events for durable journaling. The
// supervisor never blocks on it; implementations must be fast or buffer.
type Recorder interface {
	Record(wt ipc.WorkerType, event string, fields map[string]interface{})
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRecorder attaches a lifecycle-event recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// entry is the per-worker-type supervision record. The monitor outlives
// process incarnations; the handle is replaced on every restart.
type entry struct {
	wt      ipc.WorkerType
	factory worker.Factory
	mon     *health.Monitor

	mu       sync.Mutex
	handle   *worker.Handle
	starting bool

	// restarting suppresses exit bookkeeping while a restart owns the
	// process teardown.
	restarting atomic.Bool
}

// currentHandle returns the live handle, or nil.
func (e *entry) currentHandle() *worker.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

// Supervisor owns every worker process: exactly one live process per
// registered worker type, each with its own channel pair, health monitor,
// and shared-memory directory.
type Supervisor struct {
	cfg      *config.Config
	now      func() time.Time
	recorder Recorder
	listener *ResponseListener

	mu      sync.RWMutex
	entries map[ipc.WorkerType]*entry

	shutdown atomic.Bool
}

// New creates a supervisor. Factories are registered separately so the
// composition root controls which worker types exist.
func New(cfg *config.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		now:      time.Now,
		listener: NewResponseListener(cfg.Supervisor.ListenerPollInterval),
		entries:  make(map[ipc.WorkerType]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listener returns the supervisor's response listener for subscriptions
// and for mounting in the suture tree.
func (s *Supervisor) Listener() *ResponseListener {
	return s.listener
}

// RegisterWorkerFactory binds a worker type to the factory that spawns its
// process. Registering a type twice replaces the factory but keeps the
// monitor, so restart history survives re-registration.
func (s *Supervisor) RegisterWorkerFactory(wt ipc.WorkerType, factory worker.Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[wt]; ok {
		e.factory = factory
		return
	}
	s.entries[wt] = &entry{
		wt:      wt,
		factory: factory,
		mon:     health.NewMonitorWithClock(wt, s.cfg.Supervisor, s.now),
	}
}

// lookup returns the entry for a worker type.
func (s *Supervisor) lookup(wt ipc.WorkerType) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[wt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, wt)
	}
	return e, nil
}

// Start spawns the worker process and waits (bounded) for its first
// heartbeat. Starting an already-live or already-starting worker is a
// no-op; a permanently failed worker is never started automatically but a
// caller-initiated Start clears the verdict and tries again.
func (s *Supervisor) Start(ctx context.Context, wt ipc.WorkerType) error {
	if s.shutdown.Load() {
		return ErrShuttingDown
	}
	e, err := s.lookup(wt)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.starting || (e.handle != nil && e.mon.State().Live()) {
		e.mu.Unlock()
		return nil
	}
	if e.mon.State() == health.StatePermanentlyFailed {
		// An explicit caller Start is the manual intervention that lifts
		// the terminal verdict.
		e.mon.Transition(health.StateStopped, "manual start after permanent failure")
	}
	e.starting = true
	e.mu.Unlock()

	err = s.spawn(ctx, e)
	e.mu.Lock()
	e.starting = false
	e.mu.Unlock()
	return err
}

// spawn launches one process incarnation and waits for readiness.
func (s *Supervisor) spawn(ctx context.Context, e *entry) error {
	ch := ipc.NewChannel(e.wt, s.cfg.Supervisor.ChannelCapacity)
	shmDir := filepath.Join(s.cfg.SHM.Dir, string(e.wt))

	h, err := worker.NewHandle(e.wt, ch, shmDir, worker.Events{
		OnHeartbeat: e.mon.Heartbeat,
		OnBusy:      e.mon.MarkBusy,
		OnExit:      func(exitErr error) { s.onExit(e, exitErr) },
	})
	if err != nil {
		return fmt.Errorf("supervisor: %s: %w", e.wt, err)
	}

	e.mon.Transition(health.StateStarting, "start requested")
	if err := h.Start(e.factory); err != nil {
		metrics.WorkerSpawnFailures.WithLabelValues(string(e.wt)).Inc()
		e.mon.Transition(health.StateStopped, "spawn failed")
		s.record(e.wt, "spawn_failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("supervisor: %s: %w", e.wt, err)
	}
	e.mon.SetPID(h.PID())

	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()
	s.listener.Attach(e.wt, ch.Responses)

	if err := s.waitReady(ctx, e, h); err != nil {
		metrics.WorkerSpawnFailures.WithLabelValues(string(e.wt)).Inc()
		select {
		case <-h.Exited():
			// Exit bookkeeping already ran; the restart policy owns recovery.
		default:
			// Alive but silent: tear it down ourselves.
			e.restarting.Store(true)
			h.Stop(s.cfg.Supervisor.StopGrace)
			e.restarting.Store(false)
			s.clearHandle(e, h)
			e.mon.Transition(health.StateStopped, "start timeout")
		}
		s.record(e.wt, "start_timeout", nil)
		return err
	}

	s.record(e.wt, "started", map[string]interface{}{"pid": h.PID()})
	return nil
}

// waitReady blocks until the first heartbeat promotes the worker to
// RUNNING, bounded by the start timeout.
func (s *Supervisor) waitReady(ctx context.Context, e *entry, h *worker.Handle) error {
	deadline := s.now().Add(s.cfg.Supervisor.StartTimeout)
	for s.now().Before(deadline) {
		switch e.mon.State() {
		case health.StateRunning:
			return nil
		case health.StateStopped, health.StateCrashed:
			return fmt.Errorf("%w: %s exited during startup", ErrStartTimeout, e.wt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Exited():
			return fmt.Errorf("%w: %s exited during startup", ErrStartTimeout, e.wt)
		case <-time.After(10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %s", ErrStartTimeout, e.wt)
}

// clearHandle drops the entry's handle if it is still the given incarnation.
func (s *Supervisor) clearHandle(e *entry, h *worker.Handle) {
	e.mu.Lock()
	if e.handle == h {
		e.handle = nil
	}
	e.mu.Unlock()
	s.listener.Detach(e.wt)
}

// onExit handles process exit for one incarnation. Requested stops and
// restart-owned teardowns record their own bookkeeping; everything else is
// a crash and triggers the restart policy.
func (s *Supervisor) onExit(e *entry, exitErr error) {
	h := e.currentHandle()
	if e.restarting.Load() {
		return
	}
	if h != nil && h.StopRequested() {
		e.mon.MarkExit(false)
		s.clearHandle(e, h)
		s.record(e.wt, "stopped", nil)
		return
	}

	e.mon.MarkExit(true)
	s.clearHandle(e, h)
	if h != nil {
		// The process is gone, so nothing can be mid-read in its regions;
		// the next incarnation must start with a clean shm directory.
		h.Release()
	}
	fields := map[string]interface{}{}
	if exitErr != nil {
		fields["error"] = exitErr.Error()
	}
	s.record(e.wt, "crashed", fields)

	if s.shutdown.Load() {
		return
	}
	go func() {
		if err := s.restart(context.Background(), e, "crash"); err != nil {
			logging.Error().Err(err).
				Str("worker_type", string(e.wt)).
				Msg("crash restart failed")
		}
	}()
}

// Restart stops the current process (if any) and starts a fresh one after
// the backoff delay, charging the restart budget.
func (s *Supervisor) Restart(ctx context.Context, wt ipc.WorkerType, reason string) error {
	e, err := s.lookup(wt)
	if err != nil {
		return err
	}
	return s.restart(ctx, e, reason)
}

// restart runs one restart cycle: charge the budget, tear down the old
// incarnation, wait out the backoff, spawn the next.
func (s *Supervisor) restart(ctx context.Context, e *entry, reason string) error {
	delay, ok := e.mon.BeginRestart(reason)
	if !ok {
		s.record(e.wt, "permanently_failed", map[string]interface{}{"reason": reason})
		// Undeliverable work must not sit in a dead queue.
		if h := e.currentHandle(); h != nil {
			e.restarting.Store(true)
			h.Stop(s.cfg.Supervisor.StopGrace)
			e.restarting.Store(false)
			s.clearHandle(e, h)
		}
		return fmt.Errorf("%w: %s", ErrPermanentlyFailed, e.wt)
	}
	defer e.mon.FinishRestart()

	if h := e.currentHandle(); h != nil {
		e.restarting.Store(true)
		h.Stop(s.cfg.Supervisor.StopGrace)
		e.restarting.Store(false)
		s.clearHandle(e, h)
	}

	logging.Info().
		Str("worker_type", string(e.wt)).
		Str("restart_reason", reason).
		Dur("backoff", delay).
		Int("consecutive_restarts", e.mon.ConsecutiveRestarts()).
		Msg("restarting worker")
	s.record(e.wt, "restarting", map[string]interface{}{
		"reason":     reason,
		"backoff_ms": delay.Milliseconds(),
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	if s.shutdown.Load() {
		return ErrShuttingDown
	}
	return s.spawn(ctx, e)
}

// Stop gracefully stops a worker: cooperative shutdown, grace period,
// SIGKILL. Stopping a non-running worker is a no-op.
func (s *Supervisor) Stop(wt ipc.WorkerType) error {
	e, err := s.lookup(wt)
	if err != nil {
		return err
	}
	h := e.currentHandle()
	if h == nil {
		return nil
	}
	e.mon.Transition(health.StateStopping, "stop requested")
	h.Stop(s.cfg.Supervisor.StopGrace)
	return nil
}

// Send enqueues a request without blocking and returns its correlation ID.
// The queue applies drop-oldest backpressure; a full queue drops the
// oldest pending request, never the new one and never the caller's time.
func (s *Supervisor) Send(wt ipc.WorkerType, payload ipc.Payload) (string, error) {
	_, h, err := s.sendable(wt, payload)
	if err != nil {
		return "", err
	}
	req := ipc.NewRequest(wt, h.NextSeq(), payload)
	dropped, err := h.Channel().Requests.Enqueue(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotRunning, wt)
	}
	if dropped {
		metrics.ChannelDrops.WithLabelValues(string(wt), "request").Inc()
	}
	metrics.QueueDepth.WithLabelValues(string(wt), "request").Set(float64(h.Channel().Requests.Len()))
	return req.CorrelationID, nil
}

// SendAndWait enqueues a request and blocks for its response, bounded by
// timeout (the configured default when timeout <= 0). A worker error
// result is returned as a *WorkerError.
func (s *Supervisor) SendAndWait(ctx context.Context, wt ipc.WorkerType, payload ipc.Payload, timeout time.Duration) (*ipc.Message, error) {
	e, h, err := s.sendable(wt, payload)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.cfg.Supervisor.SendTimeout
	}

	req := ipc.NewRequest(wt, h.NextSeq(), payload)
	waiter := h.RegisterWaiter(req.CorrelationID)
	defer h.UnregisterWaiter(req.CorrelationID)

	dropped, err := h.Channel().Requests.Enqueue(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, wt)
	}
	if dropped {
		metrics.ChannelDrops.WithLabelValues(string(wt), "request").Inc()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		if resp.MsgType == ipc.MsgError {
			reason, _ := resp.Payload.Values["error"].(string)
			return resp, &WorkerError{WorkerType: wt, Reason: reason}
		}
		return resp, nil
	case <-h.Exited():
		return nil, fmt.Errorf("%w: %s exited", ErrNotRunning, e.wt)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		metrics.SendTimeouts.WithLabelValues(string(wt)).Inc()
		return nil, fmt.Errorf("%w: %s after %s", ErrSendTimeout, wt, timeout)
	}
}

// sendable validates the target worker and the payload size rule: above
// the inline threshold, payloads must travel by shared-memory handle.
func (s *Supervisor) sendable(wt ipc.WorkerType, payload ipc.Payload) (*entry, *worker.Handle, error) {
	e, err := s.lookup(wt)
	if err != nil {
		return nil, nil, err
	}
	state := e.mon.State()
	if state == health.StatePermanentlyFailed {
		metrics.RejectedRequests.WithLabelValues(string(wt), "permanently_failed").Inc()
		return nil, nil, fmt.Errorf("%w: %s", ErrPermanentlyFailed, wt)
	}
	if !state.Live() {
		metrics.RejectedRequests.WithLabelValues(string(wt), "not_running").Inc()
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, wt, state)
	}
	h := e.currentHandle()
	if h == nil {
		metrics.RejectedRequests.WithLabelValues(string(wt), "not_running").Inc()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotRunning, wt)
	}
	if payload.SHM == nil && int(payload.Size()) > s.cfg.SHM.InlineThreshold {
		metrics.RejectedRequests.WithLabelValues(string(wt), "oversized").Inc()
		return nil, nil, fmt.Errorf("%w: %d bytes inline, threshold %d",
			ErrPayloadTooLarge, payload.Size(), s.cfg.SHM.InlineThreshold)
	}
	return e, h, nil
}

// PollResponses drains up to max pending responses without blocking.
// max <= 0 drains everything pending.
func (s *Supervisor) PollResponses(wt ipc.WorkerType, max int) ([]*ipc.Message, error) {
	e, err := s.lookup(wt)
	if err != nil {
		return nil, err
	}
	h := e.currentHandle()
	if h == nil {
		return nil, nil
	}
	msgs := h.Channel().Responses.DequeueUpTo(max)
	metrics.QueueDepth.WithLabelValues(string(wt), "response").Set(float64(h.Channel().Responses.Len()))
	return msgs, nil
}

// GetDetailedHealth snapshots every registered worker's health record.
func (s *Supervisor) GetDetailedHealth() map[ipc.WorkerType]health.Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make(map[ipc.WorkerType]health.Snapshot, len(entries))
	for _, e := range entries {
		depth := 0
		if h := e.currentHandle(); h != nil {
			depth = h.Channel().Requests.Len()
		}
		out[e.wt] = e.mon.Snapshot(depth)
	}
	return out
}

// WorkerHealth snapshots one worker's health record.
func (s *Supervisor) WorkerHealth(wt ipc.WorkerType) (health.Snapshot, error) {
	e, err := s.lookup(wt)
	if err != nil {
		return health.Snapshot{}, err
	}
	depth := 0
	if h := e.currentHandle(); h != nil {
		depth = h.Channel().Requests.Len()
	}
	return e.mon.Snapshot(depth), nil
}

// Shutdown stops all workers in parallel and rejects further operations.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	logging.Info().Msg("supervisor shutting down")

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			h := e.currentHandle()
			if h == nil {
				return nil
			}
			e.mon.Transition(health.StateStopping, "shutdown")
			h.Stop(s.cfg.Supervisor.StopGrace)
			return nil
		})
	}
	return g.Wait()
}

// record forwards a lifecycle event to the journal recorder, if attached.
func (s *Supervisor) record(wt ipc.WorkerType, event string, fields map[string]interface{}) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(wt, event, fields)
}
