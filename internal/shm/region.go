// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package shm

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/avolente/stagehand/internal/logging"
	"github.com/avolente/stagehand/internal/metrics"
)

const (
	// headerSize is the fixed region header length in bytes.
	headerSize = 64

	// magic marks a valid Stagehand region file.
	magic uint32 = 0x53474D31 // "SGM1"

	// headerVersion is the region layout version.
	headerVersion uint16 = 1
)

// Header field offsets within the 64-byte region header.
const (
	offMagic      = 0  // uint32
	offVersion    = 4  // uint16
	offFormat     = 6  // uint16
	offWidth      = 8  // uint32
	offHeight     = 12 // uint32
	offStride     = 16 // uint32
	offPID        = 20 // uint32
	offTimestamp  = 24 // int64, unix nanoseconds
	offPayloadLen = 32 // uint32
	offChecksum   = 36 // uint32, CRC-32C over the payload
	offGeneration = 40 // uint64, published last
)

// crcTable is the Castagnoli polynomial table used for payload checksums.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	// ErrRegionTooSmall is returned when a payload exceeds region capacity.
	ErrRegionTooSmall = errors.New("shm: payload exceeds region capacity")

	// ErrStaleGeneration is returned when a write does not advance the
	// generation counter. The producer is the sole writer and must assign
	// strictly increasing generations.
	ErrStaleGeneration = errors.New("shm: generation must be strictly increasing")

	// ErrRegionClosed is returned for operations on an unmapped region.
	ErrRegionClosed = errors.New("shm: region closed")
)

// Format describes the payload interpretation for consumers.
type Format uint16

// Payload formats.
const (
	FormatBytes Format = iota
	FormatRGBA
	FormatBGRA
	FormatFloat32
)

// Meta carries optional image/frame geometry stored in the region header.
type Meta struct {
	Width  uint32
	Height uint32
	Stride uint32
	Format Format
}

// Header is a decoded snapshot of a region header.
type Header struct {
	Handle      string    `json:"handle"`
	SizeBytes   int       `json:"size_bytes"`
	Width       uint32    `json:"width"`
	Height      uint32    `json:"height"`
	Stride      uint32    `json:"stride"`
	Format      Format    `json:"format"`
	ProducerPID int       `json:"producer_pid"`
	Generation  uint64    `json:"generation"`
	Ts          time.Time `json:"ts"`
	Checksum    uint32    `json:"checksum"`
}

// Region is one mapped shared-memory buffer. A region has a single writer
// (the producing worker) and any number of readers.
type Region struct {
	handle string
	path   string

	// mu serializes in-process access to the mapping. Cross-process
	// consistency relies solely on the generation protocol.
	mu   sync.Mutex
	data []byte // header + payload area
}

// Handle returns the region identifier used in message payload references.
func (r *Region) Handle() string {
	return r.handle
}

// Capacity returns the payload area size in bytes.
func (r *Region) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return 0
	}
	return len(r.data) - headerSize
}

// Generation returns the currently published generation.
func (r *Region) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(r.data[offGeneration:])
}

// Header decodes the current region header.
func (r *Region) Header() Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return Header{Handle: r.handle}
	}
	d := r.data
	return Header{
		Handle:      r.handle,
		SizeBytes:   int(binary.LittleEndian.Uint32(d[offPayloadLen:])),
		Width:       binary.LittleEndian.Uint32(d[offWidth:]),
		Height:      binary.LittleEndian.Uint32(d[offHeight:]),
		Stride:      binary.LittleEndian.Uint32(d[offStride:]),
		Format:      Format(binary.LittleEndian.Uint16(d[offFormat:])),
		ProducerPID: int(binary.LittleEndian.Uint32(d[offPID:])),
		Generation:  binary.LittleEndian.Uint64(d[offGeneration:]),
		Ts:          time.Unix(0, int64(binary.LittleEndian.Uint64(d[offTimestamp:]))), //nolint:gosec // stored as int64
		Checksum:    binary.LittleEndian.Uint32(d[offChecksum:]),
	}
}

// Write publishes a payload under the given generation. The generation must
// be strictly greater than the one currently published; the generation field
// is written last so readers observing it see a complete payload.
func (r *Region) Write(b []byte, generation uint64, meta Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return ErrRegionClosed
	}
	if len(b) > len(r.data)-headerSize {
		return ErrRegionTooSmall
	}
	current := binary.LittleEndian.Uint64(r.data[offGeneration:])
	if generation <= current {
		return ErrStaleGeneration
	}

	d := r.data
	binary.LittleEndian.PutUint16(d[offFormat:], uint16(meta.Format))
	binary.LittleEndian.PutUint32(d[offWidth:], meta.Width)
	binary.LittleEndian.PutUint32(d[offHeight:], meta.Height)
	binary.LittleEndian.PutUint32(d[offStride:], meta.Stride)
	binary.LittleEndian.PutUint32(d[offPID:], uint32(os.Getpid())) //nolint:gosec // pid fits
	copy(d[headerSize:], b)
	binary.LittleEndian.PutUint32(d[offPayloadLen:], uint32(len(b))) //nolint:gosec // bounded by capacity
	binary.LittleEndian.PutUint32(d[offChecksum:], crc32.Checksum(b, crcTable))
	binary.LittleEndian.PutUint64(d[offTimestamp:], uint64(time.Now().UnixNano())) //nolint:gosec // nanos fit
	// Publish last.
	binary.LittleEndian.PutUint64(d[offGeneration:], generation)

	metrics.ShmBytesWritten.Add(float64(len(b)))
	return nil
}

// NextGeneration returns the generation a producer should use for its next
// Write.
func (r *Region) NextGeneration() uint64 {
	return r.Generation() + 1
}

// Read returns the latest payload if its generation is strictly greater
// than lastSeen. It returns ok=false for "no new data": an unchanged
// generation, a torn read (generation moved mid-copy), or a checksum
// mismatch. None of these is an error condition for the caller.
func (r *Region) Read(lastSeen uint64) ([]byte, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil, 0, false
	}
	d := r.data

	gen := binary.LittleEndian.Uint64(d[offGeneration:])
	if gen <= lastSeen {
		return nil, 0, false
	}

	size := binary.LittleEndian.Uint32(d[offPayloadLen:])
	if int(size) > len(d)-headerSize {
		r.staleDrop(gen, "length out of bounds")
		return nil, 0, false
	}
	want := binary.LittleEndian.Uint32(d[offChecksum:])

	out := make([]byte, size)
	copy(out, d[headerSize:headerSize+int(size)])

	// Re-read the generation after the copy: if the producer published a
	// newer generation mid-copy the payload may be torn.
	if again := binary.LittleEndian.Uint64(d[offGeneration:]); again != gen {
		r.staleDrop(gen, "torn read")
		return nil, 0, false
	}
	if crc32.Checksum(out, crcTable) != want {
		r.staleDrop(gen, "checksum mismatch")
		return nil, 0, false
	}
	return out, gen, true
}

func (r *Region) staleDrop(gen uint64, reason string) {
	metrics.ShmStaleDrops.Inc()
	logging.Debug().
		Str("handle", r.handle).
		Uint64("generation", gen).
		Str("reason", reason).
		Msg("shm read discarded")
}
