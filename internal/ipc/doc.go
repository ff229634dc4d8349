// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package ipc defines the message envelope, wire framing, and bounded
// channel semantics shared by the supervisor and worker processes.
//
// Messages cross the process boundary as length-prefixed JSON frames over
// the worker's stdin/stdout pipes. Payloads above the configured size
// threshold never travel inline; they are published to a shared-memory
// region and referenced by handle (see package shm).
//
// Channels are bounded and never block the sender: when a queue is full the
// oldest pending entry is dropped, preserving freshest-wins semantics for
// perishable work. A stale image-decode or audio-frame request is worthless
// by the time it would be serviced.
package ipc
