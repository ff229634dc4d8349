// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package worker owns both ends of a worker process.
//
// Handle is the supervisor side: it spawns the process, pumps the bounded
// request queue into the child's stdin, reads response frames from its
// stdout, and frees the worker's shared-memory regions once process exit
// is confirmed.
//
// Runtime is the worker side: it reads request frames, emits heartbeats on
// a ticker, lets handlers declare BUSY before long operations, and
// publishes large results through its shared-memory allocator. Concrete
// workers implement the Handler interface; their algorithms are external
// collaborators as far as the supervision core is concerned.
package worker
