// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package ipc

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestParseWorkerType(t *testing.T) {
	for _, wt := range AllWorkerTypes() {
		got, err := ParseWorkerType(string(wt))
		if err != nil || got != wt {
			t.Errorf("ParseWorkerType(%q) = %v, %v", wt, got, err)
		}
	}

	if _, err := ParseWorkerType("video"); err == nil {
		t.Error("expected error for unknown worker type")
	}
}

func TestNewResponseCorrelation(t *testing.T) {
	request := NewRequest(WorkerFeed, 7, Payload{Inline: []byte("fetch")})
	resp := NewResponse(request, 1, Payload{Values: map[string]interface{}{"items": 12}})

	if resp.CorrelationID != request.CorrelationID {
		t.Error("response must carry the request correlation ID")
	}
	if resp.TsRes == nil {
		t.Fatal("response must stamp ts_res")
	}
	if *resp.TsRes < request.TsReq {
		t.Error("ts_res precedes ts_req")
	}
	if resp.MsgType != MsgResponse {
		t.Errorf("expected response type, got %s", resp.MsgType)
	}
	if resp.Version != ProtocolVersion {
		t.Errorf("expected version %d, got %d", ProtocolVersion, resp.Version)
	}
}

func TestEstimatedBusyDuration(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want time.Duration
	}{
		{
			name: "declared estimate",
			msg: NewControl(WorkerAudio, MsgBusy, 1, Payload{
				Values: map[string]interface{}{"estimated_duration_ms": float64(500)},
			}),
			want: 500 * time.Millisecond,
		},
		{
			name: "missing estimate",
			msg:  NewControl(WorkerAudio, MsgBusy, 2, Payload{}),
			want: 0,
		},
		{
			name: "not a busy message",
			msg: NewControl(WorkerAudio, MsgHeartbeat, 3, Payload{
				Values: map[string]interface{}{"estimated_duration_ms": float64(500)},
			}),
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.EstimatedBusyDuration(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeqTrackerDiscardsStaleAndDuplicate(t *testing.T) {
	tr := NewSeqTracker()
	request := NewRequest(WorkerImage, 1, Payload{})

	first := NewResponse(request, 1, Payload{})
	second := NewResponse(request, 2, Payload{})

	if !tr.Accept(first) {
		t.Error("first response must be accepted")
	}
	if tr.Accept(first) {
		t.Error("duplicate seq_no must be discarded")
	}
	if !tr.Accept(second) {
		t.Error("advancing seq_no must be accepted")
	}
	if tr.Accept(first) {
		t.Error("out-of-order seq_no must be discarded")
	}

	tr.Forget(request.CorrelationID)
	if !tr.Accept(first) {
		t.Error("forgotten stream must accept from scratch")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	request := NewRequest(WorkerPrecompute, 42, Payload{
		Values: map[string]interface{}{"from": "a.jpg", "to": "b.jpg"},
		SHM:    &SHMRef{Handle: "shm-1", Generation: 9},
	})

	if err := WriteFrame(&buf, request); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.SeqNo != 42 || got.CorrelationID != request.CorrelationID {
		t.Errorf("envelope mismatch: %+v", got)
	}
	if got.Payload.SHM == nil || got.Payload.SHM.Generation != 9 {
		t.Errorf("shm ref lost in transit: %+v", got.Payload.SHM)
	}
	if got.WorkerType != WorkerPrecompute {
		t.Errorf("worker type mismatch: %s", got.WorkerType)
	}
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 5; i++ {
		if err := WriteFrame(&buf, NewRequest(WorkerImage, i, Payload{})); err != nil {
			t.Fatalf("WriteFrame(%d): %v", i, err)
		}
	}

	for i := uint64(1); i <= 5; i++ {
		m, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame(%d): %v", i, err)
		}
		if m.SeqNo != i {
			t.Errorf("expected seq %d, got %d", i, m.SeqNo)
		}
	}

	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadFrameRejectsCorruptLength(t *testing.T) {
	// A length prefix beyond MaxFrameSize must be rejected before any
	// allocation is attempted.
	buf := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 'x'})
	if _, err := ReadFrame(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestSequencer(t *testing.T) {
	var s Sequencer
	for want := uint64(1); want <= 3; want++ {
		if got := s.Next(); got != want {
			t.Errorf("Next() = %d, want %d", got, want)
		}
	}
}

func TestPayloadSize(t *testing.T) {
	p := Payload{Inline: bytes.Repeat([]byte{1}, 100)}
	if p.Size() != 100 {
		t.Errorf("inline size = %d, want 100", p.Size())
	}

	empty := Payload{}
	if empty.Size() != 0 {
		t.Errorf("empty payload size = %d, want 0", empty.Size())
	}
}
