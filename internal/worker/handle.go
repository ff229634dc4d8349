// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/logging"
	"github.com/avolente/stagehand/internal/metrics"
	"github.com/avolente/stagehand/internal/shm"
)

// Factory produces the command for one worker process. The supervisor
// passes the directory the worker must use for its shared-memory regions;
// the returned command's stdin/stdout are claimed by the Handle as the
// request and response channel ends.
type Factory func(shmDir string) (*exec.Cmd, error)

// ReexecFactory spawns the current executable in worker mode, the standard
// deployment for desktop bundles where workers ship inside the host binary.
func ReexecFactory(wt ipc.WorkerType, heartbeatInterval time.Duration) Factory {
	return func(shmDir string) (*exec.Cmd, error) {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("worker: resolve executable: %w", err)
		}
		cmd := exec.Command(self, "worker",
			"--type", string(wt),
			"--shm-dir", shmDir,
			"--heartbeat-interval", heartbeatInterval.String(),
		)
		cmd.Env = os.Environ()
		return cmd, nil
	}
}

// Events are the Handle's callbacks into health bookkeeping. All callbacks
// are invoked from the Handle's reader goroutine and must not block.
type Events struct {
	OnHeartbeat func()
	OnBusy      func(estimated time.Duration)
	OnExit      func(err error)
}

// Handle owns one worker process, its channel pair, and its shared-memory
// directory. A Handle is single-use: one per process incarnation.
type Handle struct {
	wt      ipc.WorkerType
	ch      *ipc.Channel
	alloc   *shm.Allocator
	events  Events
	tracker *ipc.SeqTracker

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	seq ipc.Sequencer

	waitersMu sync.Mutex
	waiters   map[string]chan *ipc.Message

	stopRequested chan struct{}
	stopOnce      sync.Once
	releaseOnce   sync.Once

	// exited closes after cmd.Wait returns; exitErr is valid afterwards.
	exited  chan struct{}
	exitErr error
}

// NewHandle prepares a handle bound to a channel pair and the worker's
// shared-memory directory.
func NewHandle(wt ipc.WorkerType, ch *ipc.Channel, shmDir string, events Events) (*Handle, error) {
	alloc, err := shm.NewAllocator(shmDir)
	if err != nil {
		return nil, err
	}
	return &Handle{
		wt:            wt,
		ch:            ch,
		alloc:         alloc,
		events:        events,
		tracker:       ipc.NewSeqTracker(),
		waiters:       make(map[string]chan *ipc.Message),
		stopRequested: make(chan struct{}),
		exited:        make(chan struct{}),
	}, nil
}

// Start spawns the worker process and begins pumping frames.
func (h *Handle) Start(factory Factory) error {
	cmd, err := factory(h.alloc.Dir())
	if err != nil {
		return fmt.Errorf("worker %s: build command: %w", h.wt, err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker %s: stdin pipe: %w", h.wt, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker %s: stdout pipe: %w", h.wt, err)
	}
	// Worker log output interleaves with the supervisor's.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker %s: spawn: %w", h.wt, err)
	}
	h.cmd = cmd
	h.stdin = stdin
	h.stdout = stdout

	go h.pumpRequests()
	go h.readResponses()
	go h.waitExit()
	return nil
}

// PID returns the worker's process ID, or zero before Start.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Channel returns the handle's bounded queue pair.
func (h *Handle) Channel() *ipc.Channel {
	return h.ch
}

// Allocator returns the supervisor-side view of the worker's regions, used
// by consumers to map handles received in responses.
func (h *Handle) Allocator() *shm.Allocator {
	return h.alloc
}

// NextSeq returns the next request sequence number for this incarnation.
func (h *Handle) NextSeq() uint64 {
	return h.seq.Next()
}

// Exited closes when the worker process has exited.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// StopRequested reports whether Stop initiated this exit.
func (h *Handle) StopRequested() bool {
	select {
	case <-h.stopRequested:
		return true
	default:
		return false
	}
}

func (h *Handle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// RegisterWaiter subscribes to the response for a correlation ID. The
// returned channel receives at most one message; the caller must
// UnregisterWaiter when done (including on timeout).
func (h *Handle) RegisterWaiter(correlationID string) <-chan *ipc.Message {
	ch := make(chan *ipc.Message, 1)
	h.waitersMu.Lock()
	h.waiters[correlationID] = ch
	h.waitersMu.Unlock()
	return ch
}

// UnregisterWaiter removes a response subscription.
func (h *Handle) UnregisterWaiter(correlationID string) {
	h.waitersMu.Lock()
	delete(h.waiters, correlationID)
	h.waitersMu.Unlock()
	h.tracker.Forget(correlationID)
}

// Stop requests cooperative shutdown, force-terminates after the grace
// period, and frees the worker's shared-memory regions only after its exit
// is confirmed (a reader mid-read must never see the mapping vanish).
func (h *Handle) Stop(grace time.Duration) {
	h.stopOnce.Do(func() { close(h.stopRequested) })

	if h.cmd != nil && h.cmd.Process != nil && !h.hasExited() {
		shutdown := ipc.NewControl(h.wt, ipc.MsgShutdown, h.seq.Next(), ipc.Payload{})
		if _, err := h.ch.Requests.Enqueue(shutdown); err == nil {
			select {
			case <-h.exited:
			case <-time.After(grace):
				logging.Warn().
					Str("worker_type", string(h.wt)).
					Int("pid", h.PID()).
					Dur("grace", grace).
					Msg("graceful shutdown timed out, killing worker")
				_ = h.cmd.Process.Kill()
				<-h.exited
			}
		} else {
			_ = h.cmd.Process.Kill()
			<-h.exited
		}
	}

	h.Release()
}

// Release closes the channel pair and frees this incarnation's
// shared-memory regions. Callers must confirm the process has exited
// first: a reader mid-read must never see a mapping vanish. Stop calls it
// after the exit; the supervisor calls it directly on crash, where the
// exit is the trigger.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.ch.Close()
		if err := h.alloc.FreeAll(); err != nil {
			logging.Warn().Err(err).
				Str("worker_type", string(h.wt)).
				Msg("freeing worker shared memory")
		}
	})
}

// pumpRequests drains the bounded request queue into the child's stdin.
func (h *Handle) pumpRequests() {
	defer func() { _ = h.stdin.Close() }()
	for {
		for {
			m, ok := h.ch.Requests.TryDequeue()
			if !ok {
				break
			}
			if err := ipc.WriteFrame(h.stdin, m); err != nil {
				// Broken pipe: the process died; exit handling owns recovery.
				logging.Debug().Err(err).
					Str("worker_type", string(h.wt)).
					Msg("request pump stopped")
				return
			}
		}
		select {
		case <-h.ch.Requests.Notify():
		case <-h.exited:
			return
		}
	}
}

// readResponses reads frames from the child's stdout and routes them:
// heartbeats and BUSY to the health callbacks, correlated responses to
// waiters, everything else into the bounded response queue.
func (h *Handle) readResponses() {
	for {
		m, err := ipc.ReadFrame(h.stdout)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logging.Debug().Err(err).
					Str("worker_type", string(h.wt)).
					Msg("response reader stopped")
			}
			return
		}

		switch m.MsgType {
		case ipc.MsgHeartbeat:
			if h.events.OnHeartbeat != nil {
				h.events.OnHeartbeat()
			}
		case ipc.MsgBusy:
			if h.events.OnBusy != nil {
				h.events.OnBusy(m.EstimatedBusyDuration())
			}
		case ipc.MsgResponse, ipc.MsgError:
			if !h.tracker.Accept(m) {
				logging.Debug().
					Str("worker_type", string(h.wt)).
					Str("correlation_id", m.CorrelationID).
					Uint64("seq_no", m.SeqNo).
					Msg("discarding out-of-order response")
				continue
			}
			if m.TsRes != nil {
				metrics.SendLatency.WithLabelValues(string(h.wt)).Observe(m.Latency().Seconds())
			}
			if h.deliverToWaiter(m) {
				continue
			}
			dropped, err := h.ch.Responses.Enqueue(m)
			if err != nil {
				return
			}
			if dropped {
				metrics.ChannelDrops.WithLabelValues(string(h.wt), "response").Inc()
			}
		default:
			logging.Debug().
				Str("worker_type", string(h.wt)).
				Str("msg_type", string(m.MsgType)).
				Msg("ignoring unexpected message type from worker")
		}
	}
}

// deliverToWaiter hands a response to a blocked SendAndWait caller.
func (h *Handle) deliverToWaiter(m *ipc.Message) bool {
	h.waitersMu.Lock()
	ch, ok := h.waiters[m.CorrelationID]
	if ok {
		delete(h.waiters, m.CorrelationID)
	}
	h.waitersMu.Unlock()
	if !ok {
		return false
	}
	ch <- m // buffered, never blocks
	return true
}

// waitExit reaps the process and publishes the exit.
func (h *Handle) waitExit() {
	err := h.cmd.Wait()
	h.exitErr = err
	close(h.exited)
	if h.events.OnExit != nil {
		h.events.OnExit(err)
	}
}
