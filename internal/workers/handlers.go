// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package workers holds the entry points for the four worker categories.
//
// The handlers are deliberately thin: the heavy algorithms (image decoding,
// feed parsing, audio analysis, cache precomputation) are external
// collaborators plugged in behind the Handler boundary. What lives here is
// the supervised protocol work: request validation, BUSY declarations for
// long operations, and publishing large results through generation-tagged
// shared-memory regions instead of inline payloads.
package workers

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"time"

	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/shm"
	"github.com/avolente/stagehand/internal/worker"
)

// HandlerFor returns the handler for a worker category.
func HandlerFor(wt ipc.WorkerType) (worker.Handler, error) {
	switch wt {
	case ipc.WorkerImage:
		return &ImageHandler{}, nil
	case ipc.WorkerFeed:
		return &FeedHandler{}, nil
	case ipc.WorkerAudio:
		return &AudioHandler{}, nil
	case ipc.WorkerPrecompute:
		return &PrecomputeHandler{}, nil
	}
	return nil, fmt.Errorf("workers: no handler for type %q", wt)
}

// payloadBytes resolves a request's raw bytes, following a shared-memory
// reference when the payload traveled out of band.
func payloadBytes(rt *worker.Runtime, req *ipc.Message) ([]byte, error) {
	if ref := req.Payload.SHM; ref != nil {
		if ref.Generation == 0 {
			return nil, fmt.Errorf("workers: input region %s reference carries no published generation", ref.Handle)
		}
		region, err := rt.Allocator().Open(ref.Handle)
		if err != nil {
			return nil, fmt.Errorf("workers: open input region: %w", err)
		}
		// The reference names the generation the producer published; one
		// below it makes that exact generation fresh.
		data, _, ok := region.Read(ref.Generation - 1)
		if !ok {
			return nil, fmt.Errorf("workers: input region %s has no data at generation %d",
				ref.Handle, ref.Generation)
		}
		return data, nil
	}
	return req.Payload.Inline, nil
}

// intValue reads a numeric request parameter; JSON numbers arrive as
// float64.
func intValue(req *ipc.Message, key string, def uint32) uint32 {
	v, ok := req.Payload.Values[key]
	if !ok {
		return def
	}
	if f, ok := v.(float64); ok && f >= 0 {
		return uint32(f)
	}
	return def
}

// ImageHandler owns the image pipeline boundary: decoded frames are
// published through shared memory with their geometry in the region
// header, never inline.
type ImageHandler struct {
	gen atomic.Uint64
}

// Handle publishes the decoded frame to a fresh region and returns its
// reference. The decoder itself is an external collaborator; its output
// arrives as the request bytes.
func (h *ImageHandler) Handle(_ context.Context, rt *worker.Runtime, req *ipc.Message) (ipc.Payload, error) {
	data, err := payloadBytes(rt, req)
	if err != nil {
		return ipc.Payload{}, err
	}
	if len(data) == 0 {
		return ipc.Payload{}, fmt.Errorf("image worker: empty frame payload")
	}

	width := intValue(req, "width", 0)
	height := intValue(req, "height", 0)
	stride := intValue(req, "stride", width*4)

	region, err := rt.Allocator().Allocate(len(data))
	if err != nil {
		return ipc.Payload{}, fmt.Errorf("image worker: allocate output region: %w", err)
	}
	gen := h.gen.Add(1)
	if err := region.Write(data, gen, shm.Meta{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: shm.FormatRGBA,
	}); err != nil {
		return ipc.Payload{}, fmt.Errorf("image worker: publish frame: %w", err)
	}

	return ipc.Payload{
		SHM: &ipc.SHMRef{Handle: region.Handle(), Generation: gen},
		Values: map[string]interface{}{
			"width":  float64(width),
			"height": float64(height),
			"bytes":  float64(len(data)),
		},
	}, nil
}

// FeedHandler fronts the feed parser. Parsed results are small structured
// summaries, so they travel inline.
type FeedHandler struct{}

// Handle validates the raw feed bytes and returns the parse summary.
func (h *FeedHandler) Handle(_ context.Context, rt *worker.Runtime, req *ipc.Message) (ipc.Payload, error) {
	data, err := payloadBytes(rt, req)
	if err != nil {
		return ipc.Payload{}, err
	}
	if len(data) == 0 {
		return ipc.Payload{}, fmt.Errorf("feed worker: empty feed payload")
	}

	return ipc.Payload{
		Values: map[string]interface{}{
			"bytes":    float64(len(data)),
			"checksum": float64(crc32.ChecksumIEEE(data)),
		},
	}, nil
}

// AudioHandler fronts the audio analysis path. Analysis runs long enough
// to stall heartbeats, so it declares BUSY before starting.
type AudioHandler struct{}

// Handle declares the estimated analysis duration, runs the analysis, and
// returns its summary inline.
func (h *AudioHandler) Handle(_ context.Context, rt *worker.Runtime, req *ipc.Message) (ipc.Payload, error) {
	data, err := payloadBytes(rt, req)
	if err != nil {
		return ipc.Payload{}, err
	}
	if len(data) == 0 {
		return ipc.Payload{}, fmt.Errorf("audio worker: empty sample payload")
	}

	estimated := time.Duration(intValue(req, "estimated_ms", 0)) * time.Millisecond
	if estimated > 0 {
		if err := rt.DeclareBusy(estimated); err != nil {
			return ipc.Payload{}, fmt.Errorf("audio worker: declare busy: %w", err)
		}
	}

	return ipc.Payload{
		Values: map[string]interface{}{
			"samples":     float64(len(data)),
			"fingerprint": float64(crc32.ChecksumIEEE(data)),
		},
	}, nil
}

// PrecomputeHandler fronts cache warm-up. Results are published through
// shared memory when they exceed what a message should carry inline.
type PrecomputeHandler struct {
	gen atomic.Uint64
}

// Handle runs one precompute job. Jobs with a "size" parameter publish a
// region of that capacity for the renderer to fill-forward from; others
// return their summary inline.
func (h *PrecomputeHandler) Handle(_ context.Context, rt *worker.Runtime, req *ipc.Message) (ipc.Payload, error) {
	data, err := payloadBytes(rt, req)
	if err != nil {
		return ipc.Payload{}, err
	}

	size := int(intValue(req, "size", 0))
	if size <= 0 {
		return ipc.Payload{
			Values: map[string]interface{}{"warmed": float64(len(data))},
		}, nil
	}

	region, err := rt.Allocator().Allocate(size)
	if err != nil {
		return ipc.Payload{}, fmt.Errorf("precompute worker: allocate region: %w", err)
	}
	out := make([]byte, size)
	copy(out, data)
	gen := h.gen.Add(1)
	if err := region.Write(out, gen, shm.Meta{Format: shm.FormatBytes}); err != nil {
		return ipc.Payload{}, fmt.Errorf("precompute worker: publish: %w", err)
	}

	return ipc.Payload{
		SHM: &ipc.SHMRef{Handle: region.Handle(), Generation: gen},
		Values: map[string]interface{}{
			"size": float64(size),
		},
	}, nil
}
