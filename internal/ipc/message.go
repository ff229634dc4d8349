// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package ipc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire message schema version.
const ProtocolVersion uint16 = 1

// WorkerType identifies one category of heavy computation. The set is
// closed: exactly one live process per type is owned by the supervisor.
type WorkerType string

// Worker categories.
const (
	WorkerImage      WorkerType = "image"
	WorkerFeed       WorkerType = "feed"
	WorkerAudio      WorkerType = "audio"
	WorkerPrecompute WorkerType = "precompute"
)

// AllWorkerTypes returns the closed set of worker categories.
func AllWorkerTypes() []WorkerType {
	return []WorkerType{WorkerImage, WorkerFeed, WorkerAudio, WorkerPrecompute}
}

// ParseWorkerType validates a worker type string.
func ParseWorkerType(s string) (WorkerType, error) {
	wt := WorkerType(s)
	switch wt {
	case WorkerImage, WorkerFeed, WorkerAudio, WorkerPrecompute:
		return wt, nil
	}
	return "", fmt.Errorf("unknown worker type %q", s)
}

// MsgType identifies the kind of message crossing the pipe.
type MsgType string

// Message kinds.
const (
	// MsgRequest is caller work sent to a worker.
	MsgRequest MsgType = "request"
	// MsgResponse is a worker result for a prior request.
	MsgResponse MsgType = "response"
	// MsgHeartbeat is the periodic liveness signal from a worker.
	MsgHeartbeat MsgType = "heartbeat"
	// MsgBusy declares a long operation; heartbeat penalties are suspended
	// for the declared duration plus grace.
	MsgBusy MsgType = "busy"
	// MsgShutdown requests cooperative worker exit.
	MsgShutdown MsgType = "shutdown"
	// MsgError is a worker-side failure reported as a result value,
	// never swallowed.
	MsgError MsgType = "error"
)

// SHMRef references a payload handed off through shared memory instead of
// traveling inline.
type SHMRef struct {
	Handle     string `json:"handle"`
	Generation uint64 `json:"generation"`
}

// Payload carries either small inline data or a shared-memory reference.
// Payloads never contain live references to caller-owned rendering objects.
type Payload struct {
	// Inline holds small raw bytes.
	Inline []byte `json:"inline,omitempty"`

	// Values holds small structured data.
	Values map[string]interface{} `json:"values,omitempty"`

	// SHM references a shared-memory region for large payloads.
	SHM *SHMRef `json:"shm,omitempty"`
}

// Size returns the accountable payload size in bytes. Structured values
// count approximately; inline bytes count exactly; shm references count
// as the handle reference itself, not the region.
func (p Payload) Size() uint32 {
	n := len(p.Inline)
	for k, v := range p.Values {
		n += len(k)
		if s, ok := v.(string); ok {
			n += len(s)
		} else {
			n += 8
		}
	}
	if p.SHM != nil {
		n += len(p.SHM.Handle) + 8
	}
	return uint32(n) //nolint:gosec // payload sizes are bounded well below uint32
}

// Message is the immutable envelope exchanged between supervisor and worker.
type Message struct {
	SeqNo         uint64     `json:"seq_no"`
	CorrelationID string     `json:"correlation_id"`
	TsReq         float64    `json:"ts_req"`
	TsRes         *float64   `json:"ts_res,omitempty"`
	WorkerType    WorkerType `json:"worker_type"`
	MsgType       MsgType    `json:"msg_type"`
	Payload       Payload    `json:"payload"`
	PayloadSize   uint32     `json:"payload_size"`
	Version       uint16     `json:"version"`
}

// EstimatedBusyDuration extracts the declared duration from a BUSY message.
// Returns zero if the message carries no usable estimate.
func (m *Message) EstimatedBusyDuration() time.Duration {
	if m.MsgType != MsgBusy {
		return 0
	}
	v, ok := m.Payload.Values["estimated_duration_ms"]
	if !ok {
		return 0
	}
	switch d := v.(type) {
	case float64:
		return time.Duration(d) * time.Millisecond
	case int:
		return time.Duration(d) * time.Millisecond
	case int64:
		return time.Duration(d) * time.Millisecond
	}
	return 0
}

// Latency returns the request-to-response latency, or zero when the
// response timestamp is unset.
func (m *Message) Latency() time.Duration {
	if m.TsRes == nil {
		return 0
	}
	return time.Duration((*m.TsRes - m.TsReq) * float64(time.Second))
}

// nowUnix returns the current time as fractional unix seconds, the wire
// timestamp format.
func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewRequest builds a request envelope with a fresh correlation ID.
func NewRequest(wt WorkerType, seq uint64, payload Payload) *Message {
	return &Message{
		SeqNo:         seq,
		CorrelationID: uuid.NewString(),
		TsReq:         nowUnix(),
		WorkerType:    wt,
		MsgType:       MsgRequest,
		Payload:       payload,
		PayloadSize:   payload.Size(),
		Version:       ProtocolVersion,
	}
}

// NewResponse builds a response correlated to a request, stamping ts_res.
func NewResponse(req *Message, seq uint64, payload Payload) *Message {
	now := nowUnix()
	return &Message{
		SeqNo:         seq,
		CorrelationID: req.CorrelationID,
		TsReq:         req.TsReq,
		TsRes:         &now,
		WorkerType:    req.WorkerType,
		MsgType:       MsgResponse,
		Payload:       payload,
		PayloadSize:   payload.Size(),
		Version:       ProtocolVersion,
	}
}

// NewControl builds a control message (heartbeat, busy, shutdown) with its
// own correlation stream.
func NewControl(wt WorkerType, mt MsgType, seq uint64, payload Payload) *Message {
	return &Message{
		SeqNo:         seq,
		CorrelationID: string(mt) + "-" + string(wt),
		TsReq:         nowUnix(),
		WorkerType:    wt,
		MsgType:       mt,
		Payload:       payload,
		PayloadSize:   payload.Size(),
		Version:       ProtocolVersion,
	}
}

// Sequencer hands out monotonic sequence numbers for one side of a
// correlation stream.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// SeqTracker discards out-of-order and duplicate messages per correlation
// stream: a message is accepted only if its seq_no is strictly greater than
// the last accepted seq_no for that correlation ID.
type SeqTracker struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSeqTracker creates an empty tracker.
func NewSeqTracker() *SeqTracker {
	return &SeqTracker{last: make(map[string]uint64)}
}

// Accept reports whether the message advances its correlation stream and
// records it if so.
func (t *SeqTracker) Accept(m *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.SeqNo <= t.last[m.CorrelationID] {
		return false
	}
	t.last[m.CorrelationID] = m.SeqNo
	return true
}

// Forget drops tracking state for a correlation stream.
func (t *SeqTracker) Forget(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, correlationID)
}
