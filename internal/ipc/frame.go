// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// MaxFrameSize bounds a single wire frame. Inline payloads are capped well
// below this by the shared-memory threshold; the bound exists to reject
// corrupt length prefixes before allocating.
const MaxFrameSize = 8 << 20 // 8 MiB

// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum size")

// WriteFrame encodes a message as a 4-byte big-endian length prefix
// followed by its JSON body.
func WriteFrame(w io.Writer, m *Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("ipc: encode message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body))) //nolint:gosec // bounded by MaxFrameSize
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("ipc: write frame prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message. io.EOF is returned unwrapped
// when the stream ends cleanly between frames, so callers can terminate
// their read loops with errors.Is(err, io.EOF).
func ReadFrame(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ipc: read frame prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("ipc: decode message: %w", err)
	}
	return &m, nil
}
