// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package workers

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"testing"
	"time"

	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/shm"
	"github.com/avolente/stagehand/internal/worker"
)

// testRuntime builds a runtime whose output pipe is drained and discarded.
func testRuntime(t *testing.T, wt ipc.WorkerType) *worker.Runtime {
	t.Helper()
	alloc, err := shm.NewAllocator(t.TempDir())
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	pr, pw := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, pr) }()
	t.Cleanup(func() { _ = pw.Close() })
	return worker.NewRuntimeIO(wt, bytes.NewReader(nil), pw, alloc, time.Second)
}

func request(wt ipc.WorkerType, payload ipc.Payload) *ipc.Message {
	var seq ipc.Sequencer
	return ipc.NewRequest(wt, seq.Next(), payload)
}

func TestHandlerForCoversAllTypes(t *testing.T) {
	for _, wt := range ipc.AllWorkerTypes() {
		if _, err := HandlerFor(wt); err != nil {
			t.Errorf("HandlerFor(%s): %v", wt, err)
		}
	}
	if _, err := HandlerFor(ipc.WorkerType("bogus")); err == nil {
		t.Error("HandlerFor(bogus) returned nil error")
	}
}

func TestImageHandlerPublishesThroughSharedMemory(t *testing.T) {
	rt := testRuntime(t, ipc.WorkerImage)
	h := &ImageHandler{}

	frame := bytes.Repeat([]byte{0xAB}, 256)
	req := request(ipc.WorkerImage, ipc.Payload{
		Inline: frame,
		Values: map[string]interface{}{"width": 8.0, "height": 8.0},
	})

	out, err := h.Handle(context.Background(), rt, req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.SHM == nil {
		t.Fatal("result not published through shared memory")
	}

	region, err := rt.Allocator().Open(out.SHM.Handle)
	if err != nil {
		t.Fatalf("open result region: %v", err)
	}
	data, gen, ok := region.Read(out.SHM.Generation - 1)
	if !ok {
		t.Fatal("result region has no fresh data")
	}
	if gen != out.SHM.Generation {
		t.Errorf("generation = %d, want %d", gen, out.SHM.Generation)
	}
	if !bytes.Equal(data, frame) {
		t.Error("region payload does not match the input frame")
	}
	if hdr := region.Header(); hdr.Width != 8 || hdr.Height != 8 {
		t.Errorf("header geometry = %dx%d, want 8x8", hdr.Width, hdr.Height)
	}

	// Consecutive requests publish strictly increasing generations.
	out2, err := h.Handle(context.Background(), rt, req)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if out2.SHM.Generation <= out.SHM.Generation {
		t.Errorf("generation not increasing: %d then %d", out.SHM.Generation, out2.SHM.Generation)
	}
}

func TestImageHandlerRejectsEmptyFrame(t *testing.T) {
	rt := testRuntime(t, ipc.WorkerImage)
	h := &ImageHandler{}
	if _, err := h.Handle(context.Background(), rt, request(ipc.WorkerImage, ipc.Payload{})); err == nil {
		t.Error("empty frame accepted")
	}
}

func TestImageHandlerRejectsZeroGenerationRef(t *testing.T) {
	rt := testRuntime(t, ipc.WorkerImage)
	h := &ImageHandler{}

	// Generation zero means nothing was ever published; the reference must
	// fail cleanly instead of wrapping below the first generation.
	_, err := h.Handle(context.Background(), rt, request(ipc.WorkerImage, ipc.Payload{
		SHM: &ipc.SHMRef{Handle: "deadbeef", Generation: 0},
	}))
	if err == nil {
		t.Error("zero-generation reference accepted")
	}
}

func TestImageHandlerReadsShmInput(t *testing.T) {
	rt := testRuntime(t, ipc.WorkerImage)

	// The caller published the input out of band.
	in, err := rt.Allocator().Allocate(64)
	if err != nil {
		t.Fatalf("allocate input: %v", err)
	}
	frame := bytes.Repeat([]byte{0x11}, 64)
	if err := in.Write(frame, 1, shm.Meta{}); err != nil {
		t.Fatalf("write input: %v", err)
	}

	h := &ImageHandler{}
	out, err := h.Handle(context.Background(), rt, request(ipc.WorkerImage, ipc.Payload{
		SHM: &ipc.SHMRef{Handle: in.Handle(), Generation: 1},
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	region, err := rt.Allocator().Open(out.SHM.Handle)
	if err != nil {
		t.Fatalf("open result: %v", err)
	}
	data, _, ok := region.Read(0)
	if !ok || !bytes.Equal(data, frame) {
		t.Error("shm input did not round-trip into the result region")
	}
}

func TestFeedHandlerSummarizesInline(t *testing.T) {
	rt := testRuntime(t, ipc.WorkerFeed)
	h := &FeedHandler{}

	feed := []byte("<rss><item/><item/></rss>")
	out, err := h.Handle(context.Background(), rt, request(ipc.WorkerFeed, ipc.Payload{Inline: feed}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.SHM != nil {
		t.Error("small summary should travel inline, not via shm")
	}
	if got := out.Values["bytes"]; got != float64(len(feed)) {
		t.Errorf("bytes = %v, want %d", got, len(feed))
	}
	if got := out.Values["checksum"]; got != float64(crc32.ChecksumIEEE(feed)) {
		t.Errorf("checksum mismatch: %v", got)
	}
}

func TestAudioHandlerDeclaresBusy(t *testing.T) {
	alloc, err := shm.NewAllocator(t.TempDir())
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	pr, pw := io.Pipe()
	rt := worker.NewRuntimeIO(ipc.WorkerAudio, bytes.NewReader(nil), pw, alloc, time.Second)

	h := &AudioHandler{}
	done := make(chan error, 1)
	go func() {
		_, err := h.Handle(context.Background(), rt, request(ipc.WorkerAudio, ipc.Payload{
			Inline: []byte{1, 2, 3},
			Values: map[string]interface{}{"estimated_ms": 250.0},
		}))
		done <- err
	}()

	// The BUSY declaration comes out on the wire before the response.
	m, err := ipc.ReadFrame(pr)
	if err != nil {
		t.Fatalf("read busy frame: %v", err)
	}
	if m.MsgType != ipc.MsgBusy {
		t.Fatalf("msg type = %s, want busy", m.MsgType)
	}
	if got := m.EstimatedBusyDuration(); got != 250*time.Millisecond {
		t.Errorf("estimated = %s, want 250ms", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestPrecomputeHandlerModes(t *testing.T) {
	rt := testRuntime(t, ipc.WorkerPrecompute)
	h := &PrecomputeHandler{}

	// No size: inline summary.
	out, err := h.Handle(context.Background(), rt, request(ipc.WorkerPrecompute, ipc.Payload{
		Inline: []byte("seed"),
	}))
	if err != nil {
		t.Fatalf("inline mode: %v", err)
	}
	if out.SHM != nil {
		t.Error("inline mode published via shm")
	}

	// With size: region publication.
	out, err = h.Handle(context.Background(), rt, request(ipc.WorkerPrecompute, ipc.Payload{
		Inline: []byte("seed"),
		Values: map[string]interface{}{"size": 128.0},
	}))
	if err != nil {
		t.Fatalf("region mode: %v", err)
	}
	if out.SHM == nil {
		t.Fatal("region mode did not publish via shm")
	}
	region, err := rt.Allocator().Open(out.SHM.Handle)
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	data, _, ok := region.Read(0)
	if !ok || len(data) != 128 {
		t.Errorf("region payload = %d bytes, want 128", len(data))
	}
	if !bytes.HasPrefix(data, []byte("seed")) {
		t.Error("seed bytes not copied into the warmed region")
	}
}
