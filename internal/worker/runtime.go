// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/logging"
	"github.com/avolente/stagehand/internal/shm"
)

// Handler is the worker contract: one callback per request. The returned
// payload becomes the response; an error becomes an explicit MsgError
// result (never swallowed). Large results should be written to a region
// from rt.Allocator() and referenced via Payload.SHM.
type Handler interface {
	Handle(ctx context.Context, rt *Runtime, req *ipc.Message) (ipc.Payload, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rt *Runtime, req *ipc.Message) (ipc.Payload, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, rt *Runtime, req *ipc.Message) (ipc.Payload, error) {
	return f(ctx, rt, req)
}

// Runtime is the worker-process side of the IPC contract: it reads request
// frames, emits heartbeats, and writes response frames.
type Runtime struct {
	wt         ipc.WorkerType
	in         io.Reader
	alloc      *shm.Allocator
	hbInterval time.Duration

	outMu sync.Mutex
	out   io.Writer

	seq ipc.Sequencer
}

// NewRuntime builds a runtime over the process's stdin/stdout, allocating
// regions under shmDir. This is what a spawned worker process calls first.
func NewRuntime(wt ipc.WorkerType, shmDir string, heartbeatInterval time.Duration) (*Runtime, error) {
	alloc, err := shm.NewAllocator(shmDir)
	if err != nil {
		return nil, err
	}
	return NewRuntimeIO(wt, os.Stdin, os.Stdout, alloc, heartbeatInterval), nil
}

// NewRuntimeIO builds a runtime over explicit pipe ends. Tests use this to
// run a worker loop in-process.
func NewRuntimeIO(wt ipc.WorkerType, in io.Reader, out io.Writer, alloc *shm.Allocator, heartbeatInterval time.Duration) *Runtime {
	if heartbeatInterval <= 0 {
		heartbeatInterval = time.Second
	}
	return &Runtime{wt: wt, in: in, out: out, alloc: alloc, hbInterval: heartbeatInterval}
}

// Allocator returns the worker's shared-memory allocator. The worker is
// the sole producer for every region it allocates.
func (rt *Runtime) Allocator() *shm.Allocator {
	return rt.alloc
}

// WorkerType returns the category this runtime serves.
func (rt *Runtime) WorkerType() ipc.WorkerType {
	return rt.wt
}

// DeclareBusy tells the supervisor to suspend heartbeat penalties for the
// estimated duration. Handlers call this before operations that can stall
// the process (blocking library calls, large synchronous IO).
func (rt *Runtime) DeclareBusy(estimated time.Duration) error {
	busy := ipc.NewControl(rt.wt, ipc.MsgBusy, rt.seq.Next(), ipc.Payload{
		Values: map[string]interface{}{
			"estimated_duration_ms": float64(estimated / time.Millisecond),
		},
	})
	return rt.writeFrame(busy)
}

// Serve runs the worker loop until shutdown is requested, the request pipe
// closes, or ctx is canceled. Requests are handled one at a time;
// heartbeats continue on their own goroutine.
func (rt *Runtime) Serve(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		// Two beats per interval absorb scheduler jitter at the monitor.
		ticker := time.NewTicker(rt.hbInterval / 2)
		defer ticker.Stop()
		for {
			if err := rt.heartbeat(); err != nil {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() { cancel(); <-hbDone }()

	for {
		req, err := ipc.ReadFrame(rt.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // supervisor closed the pipe
			}
			return fmt.Errorf("worker %s: read request: %w", rt.wt, err)
		}

		switch req.MsgType {
		case ipc.MsgShutdown:
			logging.Debug().Str("worker_type", string(rt.wt)).Msg("worker shutting down")
			return nil
		case ipc.MsgRequest:
			rt.dispatch(ctx, handler, req)
		default:
			logging.Debug().
				Str("worker_type", string(rt.wt)).
				Str("msg_type", string(req.MsgType)).
				Msg("worker ignoring unexpected message type")
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// dispatch runs the handler and writes the response or error result.
func (rt *Runtime) dispatch(ctx context.Context, handler Handler, req *ipc.Message) {
	payload, err := handler.Handle(ctx, rt, req)

	var resp *ipc.Message
	if err != nil {
		resp = ipc.NewResponse(req, rt.seq.Next(), ipc.Payload{
			Values: map[string]interface{}{"error": err.Error()},
		})
		resp.MsgType = ipc.MsgError
	} else {
		resp = ipc.NewResponse(req, rt.seq.Next(), payload)
	}

	if werr := rt.writeFrame(resp); werr != nil {
		logging.Debug().Err(werr).
			Str("worker_type", string(rt.wt)).
			Msg("worker failed to write response")
	}
}

// heartbeat emits one liveness frame.
func (rt *Runtime) heartbeat() error {
	hb := ipc.NewControl(rt.wt, ipc.MsgHeartbeat, rt.seq.Next(), ipc.Payload{})
	return rt.writeFrame(hb)
}

// writeFrame serializes stdout access between the heartbeat goroutine and
// the dispatch loop.
func (rt *Runtime) writeFrame(m *ipc.Message) error {
	rt.outMu.Lock()
	defer rt.outMu.Unlock()
	return ipc.WriteFrame(rt.out, m)
}
