// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package shm implements generation-tagged shared-memory regions for
// handing large payloads between worker processes and the supervisor
// without copying them through the message channel.
//
// A region is a file-backed mmap with a fixed 64-byte header followed by
// the payload area. No cross-process lock exists: the producer publishes
// the generation counter last, and readers discard any read whose
// generation is not strictly greater than the last generation they
// consumed. Torn reads are detected by re-reading the generation after the
// body copy and by a CRC over the payload; either mismatch is treated as
// "no new data", never as an error (stale reads are a normal condition for
// perishable rendering data).
//
// Ownership: the producing worker assigns generations; the supervisor
// frees every region a worker owns when that worker stops or restarts,
// after its process exit is confirmed.
package shm
