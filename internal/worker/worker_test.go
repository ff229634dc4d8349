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
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/shm"
)

// TestMain doubles as the worker-process entry for the Handle tests: when
// the helper env var is set, the test binary runs a worker loop instead of
// the test suite.
func TestMain(m *testing.M) {
	if os.Getenv("STAGEHAND_TEST_WORKER") == "1" {
		runHelperWorker()
		return
	}
	os.Exit(m.Run())
}

func runHelperWorker() {
	wt, err := ipc.ParseWorkerType(os.Getenv("STAGEHAND_TEST_WORKER_TYPE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if os.Getenv("STAGEHAND_TEST_WORKER_MODE") == "crash" {
		os.Exit(3)
	}

	rt, err := NewRuntime(wt, os.Getenv("STAGEHAND_TEST_WORKER_SHM_DIR"), 50*time.Millisecond)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	echo := HandlerFunc(func(_ context.Context, _ *Runtime, req *ipc.Message) (ipc.Payload, error) {
		return req.Payload, nil
	})
	if err := rt.Serve(context.Background(), echo); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

// helperFactory spawns this test binary as a worker process.
func helperFactory(t *testing.T, wt ipc.WorkerType, mode string) Factory {
	t.Helper()
	return func(shmDir string) (*exec.Cmd, error) {
		cmd := exec.Command(os.Args[0], "-test.run=none")
		cmd.Env = append(os.Environ(),
			"STAGEHAND_TEST_WORKER=1",
			"STAGEHAND_TEST_WORKER_TYPE="+string(wt),
			"STAGEHAND_TEST_WORKER_MODE="+mode,
			"STAGEHAND_TEST_WORKER_SHM_DIR="+shmDir,
		)
		return cmd, nil
	}
}

// testRuntime wires a runtime over in-process pipes. The returned writer is
// the supervisor-side request end, the reader the response end.
func testRuntime(t *testing.T, wt ipc.WorkerType, hb time.Duration) (*Runtime, io.WriteCloser, io.Reader) {
	t.Helper()
	alloc, err := shm.NewAllocator(t.TempDir())
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	t.Cleanup(func() {
		_ = reqW.Close()
		_ = respW.Close()
	})
	return NewRuntimeIO(wt, reqR, respW, alloc, hb), reqW, respR
}

// readUntil reads frames until one matches want, skipping heartbeats.
func readUntil(t *testing.T, r io.Reader, want ipc.MsgType) *ipc.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := ipc.ReadFrame(r)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if m.MsgType == want {
			return m
		}
		if m.MsgType != ipc.MsgHeartbeat {
			t.Fatalf("unexpected %s frame while waiting for %s", m.MsgType, want)
		}
	}
	t.Fatalf("no %s frame within deadline", want)
	return nil
}

func TestRuntimeServesRequests(t *testing.T) {
	rt, reqW, respR := testRuntime(t, ipc.WorkerImage, time.Second)

	done := make(chan error, 1)
	go func() {
		echo := HandlerFunc(func(_ context.Context, _ *Runtime, req *ipc.Message) (ipc.Payload, error) {
			return ipc.Payload{Values: map[string]interface{}{"echo": req.Payload.Values["msg"]}}, nil
		})
		done <- rt.Serve(context.Background(), echo)
	}()

	var seq ipc.Sequencer
	req := ipc.NewRequest(ipc.WorkerImage, seq.Next(), ipc.Payload{
		Values: map[string]interface{}{"msg": "hello"},
	})
	if err := ipc.WriteFrame(reqW, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp := readUntil(t, respR, ipc.MsgResponse)
	if resp.CorrelationID != req.CorrelationID {
		t.Errorf("correlation = %s, want %s", resp.CorrelationID, req.CorrelationID)
	}
	if got := resp.Payload.Values["echo"]; got != "hello" {
		t.Errorf("echo = %v, want hello", got)
	}
	if resp.TsRes == nil {
		t.Error("response missing ts_res")
	}

	// Keep draining heartbeats so the shutdown join never blocks on the
	// unbuffered pipe.
	go func() {
		for {
			if _, err := ipc.ReadFrame(respR); err != nil {
				return
			}
		}
	}()

	shutdown := ipc.NewControl(ipc.WorkerImage, ipc.MsgShutdown, seq.Next(), ipc.Payload{})
	if err := ipc.WriteFrame(reqW, shutdown); err != nil {
		t.Fatalf("write shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after shutdown, want nil", err)
	}
}

func TestRuntimeHandlerErrorBecomesErrorResult(t *testing.T) {
	rt, reqW, respR := testRuntime(t, ipc.WorkerFeed, time.Second)

	go func() {
		failing := HandlerFunc(func(context.Context, *Runtime, *ipc.Message) (ipc.Payload, error) {
			return ipc.Payload{}, errors.New("decode failed")
		})
		_ = rt.Serve(context.Background(), failing)
	}()

	var seq ipc.Sequencer
	req := ipc.NewRequest(ipc.WorkerFeed, seq.Next(), ipc.Payload{})
	if err := ipc.WriteFrame(reqW, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp := readUntil(t, respR, ipc.MsgError)
	if resp.CorrelationID != req.CorrelationID {
		t.Errorf("error result not correlated to request")
	}
	if got := resp.Payload.Values["error"]; got != "decode failed" {
		t.Errorf("error value = %v, want decode failed", got)
	}
}

func TestRuntimeExitsOnClosedPipe(t *testing.T) {
	rt, reqW, respR := testRuntime(t, ipc.WorkerAudio, time.Second)

	// Drain heartbeats so writes never back up on the unbuffered pipe.
	go func() {
		for {
			if _, err := ipc.ReadFrame(respR); err != nil {
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- rt.Serve(context.Background(), HandlerFunc(func(context.Context, *Runtime, *ipc.Message) (ipc.Payload, error) {
			return ipc.Payload{}, nil
		}))
	}()

	_ = reqW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve after pipe close = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after request pipe closed")
	}
}

func TestRuntimeEmitsHeartbeats(t *testing.T) {
	rt, _, respR := testRuntime(t, ipc.WorkerPrecompute, 20*time.Millisecond)

	go func() {
		_ = rt.Serve(context.Background(), HandlerFunc(func(context.Context, *Runtime, *ipc.Message) (ipc.Payload, error) {
			return ipc.Payload{}, nil
		}))
	}()

	var prev uint64
	for i := 0; i < 3; i++ {
		m := readUntil(t, respR, ipc.MsgHeartbeat)
		if m.WorkerType != ipc.WorkerPrecompute {
			t.Errorf("heartbeat worker type = %s", m.WorkerType)
		}
		if m.SeqNo <= prev {
			t.Errorf("heartbeat seq not increasing: %d after %d", m.SeqNo, prev)
		}
		prev = m.SeqNo
	}
}

func TestRuntimeDeclareBusy(t *testing.T) {
	rt, reqW, respR := testRuntime(t, ipc.WorkerImage, time.Second)

	go func() {
		slow := HandlerFunc(func(_ context.Context, rt *Runtime, req *ipc.Message) (ipc.Payload, error) {
			if err := rt.DeclareBusy(750 * time.Millisecond); err != nil {
				return ipc.Payload{}, err
			}
			return req.Payload, nil
		})
		_ = rt.Serve(context.Background(), slow)
	}()

	var seq ipc.Sequencer
	req := ipc.NewRequest(ipc.WorkerImage, seq.Next(), ipc.Payload{})
	if err := ipc.WriteFrame(reqW, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	busy := readUntil(t, respR, ipc.MsgBusy)
	if got := busy.EstimatedBusyDuration(); got != 750*time.Millisecond {
		t.Errorf("estimated busy duration = %s, want 750ms", got)
	}
	readUntil(t, respR, ipc.MsgResponse)
}

func TestHandleRoundTrip(t *testing.T) {
	ch := ipc.NewChannel(ipc.WorkerImage, 8)
	var heartbeats atomic.Int64
	exited := make(chan error, 1)

	h, err := NewHandle(ipc.WorkerImage, ch, t.TempDir(), Events{
		OnHeartbeat: func() { heartbeats.Add(1) },
		OnExit:      func(err error) { exited <- err },
	})
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	if err := h.Start(helperFactory(t, ipc.WorkerImage, "echo")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop(2 * time.Second)

	if h.PID() == 0 {
		t.Error("PID = 0 after Start")
	}

	req := ipc.NewRequest(ipc.WorkerImage, h.NextSeq(), ipc.Payload{
		Values: map[string]interface{}{"msg": "roundtrip"},
	})
	waiter := h.RegisterWaiter(req.CorrelationID)
	defer h.UnregisterWaiter(req.CorrelationID)
	if _, err := h.Channel().Requests.Enqueue(req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case resp := <-waiter:
		if resp.MsgType != ipc.MsgResponse {
			t.Fatalf("msg type = %s, want response", resp.MsgType)
		}
		if got := resp.Payload.Values["msg"]; got != "roundtrip" {
			t.Errorf("payload = %v, want roundtrip", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no response from worker process")
	}

	deadline := time.Now().Add(5 * time.Second)
	for heartbeats.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if heartbeats.Load() == 0 {
		t.Error("no heartbeats observed from worker process")
	}
}

func TestHandleGracefulStop(t *testing.T) {
	ch := ipc.NewChannel(ipc.WorkerFeed, 8)
	exited := make(chan error, 1)

	h, err := NewHandle(ipc.WorkerFeed, ch, t.TempDir(), Events{
		OnExit: func(err error) { exited <- err },
	})
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	if err := h.Start(helperFactory(t, ipc.WorkerFeed, "echo")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.Stop(5 * time.Second)
	if !h.StopRequested() {
		t.Error("StopRequested = false after Stop")
	}

	select {
	case err := <-exited:
		if err != nil {
			t.Errorf("graceful exit error = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}

	if got := len(h.Allocator().Handles()); got != 0 {
		t.Errorf("regions tracked after Stop = %d, want 0", got)
	}
}

func TestHandleReportsCrash(t *testing.T) {
	ch := ipc.NewChannel(ipc.WorkerAudio, 8)
	exited := make(chan error, 1)

	h, err := NewHandle(ipc.WorkerAudio, ch, t.TempDir(), Events{
		OnExit: func(err error) { exited <- err },
	})
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	if err := h.Start(helperFactory(t, ipc.WorkerAudio, "crash")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-exited:
		var exit *exec.ExitError
		if !errors.As(err, &exit) {
			t.Fatalf("exit error = %v, want *exec.ExitError", err)
		}
		if exit.ExitCode() != 3 {
			t.Errorf("exit code = %d, want 3", exit.ExitCode())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("crash not reported")
	}
	if h.StopRequested() {
		t.Error("StopRequested = true for a crash")
	}

	// Stop after a crash must not wait out the grace period.
	start := time.Now()
	h.Stop(5 * time.Second)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop after crash took %s, should be immediate", elapsed)
	}
}
