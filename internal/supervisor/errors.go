// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package supervisor

import (
	"errors"
	"fmt"

	"github.com/avolente/stagehand/internal/ipc"
)

// Sentinel errors returned by supervisor operations. Callers check these
// with errors.Is; every rejection also increments the matching metric.
var (
	// ErrNotRegistered means no factory was registered for the worker type.
	ErrNotRegistered = errors.New("supervisor: worker type not registered")

	// ErrNotRunning means the worker has no live process to receive work.
	ErrNotRunning = errors.New("supervisor: worker not running")

	// ErrPermanentlyFailed means the worker exhausted its restart budget
	// and will not be restarted automatically.
	ErrPermanentlyFailed = errors.New("supervisor: worker permanently failed")

	// ErrPayloadTooLarge means an inline payload exceeded the shared-memory
	// threshold; the caller must publish through a region instead.
	ErrPayloadTooLarge = errors.New("supervisor: inline payload exceeds shared-memory threshold")

	// ErrSendTimeout means no response arrived within the bounded wait.
	ErrSendTimeout = errors.New("supervisor: timed out waiting for worker response")

	// ErrStartTimeout means a spawned worker never emitted its first
	// heartbeat within the start timeout.
	ErrStartTimeout = errors.New("supervisor: worker did not become ready")

	// ErrShuttingDown rejects operations after Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor: shutting down")
)

// WorkerError is a worker-side failure reported through an error result
// message. The failure crossed the pipe as a value; it is surfaced to the
// caller as an error, never swallowed.
type WorkerError struct {
	WorkerType ipc.WorkerType
	Reason     string
}

// Error implements the error interface.
func (e *WorkerError) Error() string {
	return fmt.Sprintf("supervisor: %s worker reported error: %s", e.WorkerType, e.Reason)
}
