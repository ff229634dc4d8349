// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package fallback wraps the bounded request path with a per-worker-type
// circuit breaker. Every call carries a mandatory local synchronous
// fallback: when the worker path fails or the breaker is open, the caller
// still gets a result, degraded rather than absent.
//
// DETERMINISM NOTE: the breaker uses real time (via sony/gobreaker) for
// its interval and timeout calculations. The timing governs recovery, not
// data integrity; tests exercise the fallback routing, not the clock.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/logging"
	"github.com/avolente/stagehand/internal/metrics"
)

// ErrNoFallback rejects calls that fail to supply the local path. The
// fallback is part of the request contract, not an option.
var ErrNoFallback = errors.New("fallback: local fallback function is required")

// Func is the caller-supplied local synchronous path: slower or
// lower-fidelity than the worker, but always available.
type Func func(ctx context.Context) (ipc.Payload, error)

// Sender is the worker request path. *supervisor.Supervisor satisfies it.
type Sender interface {
	SendAndWait(ctx context.Context, wt ipc.WorkerType, payload ipc.Payload, timeout time.Duration) (*ipc.Message, error)
}

// Executor routes requests to workers through circuit breakers, one per
// worker type so a failing image worker never trips the audio path.
type Executor struct {
	sender  Sender
	timeout time.Duration

	mu       sync.Mutex
	breakers map[ipc.WorkerType]*gobreaker.CircuitBreaker[*ipc.Message]
}

// NewExecutor creates an executor over the given request path. timeout
// bounds each worker attempt; <= 0 defers to the sender's default.
func NewExecutor(sender Sender, timeout time.Duration) *Executor {
	return &Executor{
		sender:   sender,
		timeout:  timeout,
		breakers: make(map[ipc.WorkerType]*gobreaker.CircuitBreaker[*ipc.Message]),
	}
}

// Execute tries the worker path under the breaker and falls back to the
// local function on any failure. The returned error is non-nil only when
// both paths failed.
func (e *Executor) Execute(ctx context.Context, wt ipc.WorkerType, payload ipc.Payload, local Func) (ipc.Payload, error) {
	if local == nil {
		return ipc.Payload{}, ErrNoFallback
	}

	resp, err := e.breaker(wt).Execute(func() (*ipc.Message, error) {
		return e.sender.SendAndWait(ctx, wt, payload, e.timeout)
	})
	if err == nil {
		return resp.Payload, nil
	}

	reason := "worker_failure"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		reason = "breaker_open"
	}
	metrics.FallbackExecutions.WithLabelValues(string(wt), reason).Inc()
	logging.Warn().Err(err).
		Str("worker_type", string(wt)).
		Str("fallback_reason", reason).
		Msg("worker path failed, running local fallback")

	out, ferr := local(ctx)
	if ferr != nil {
		return ipc.Payload{}, fmt.Errorf("fallback: local path failed after %v: %w", err, ferr)
	}
	return out, nil
}

// breaker returns the worker type's circuit breaker, building it on first
// use.
func (e *Executor) breaker(wt ipc.WorkerType) *gobreaker.CircuitBreaker[*ipc.Message] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[wt]; ok {
		return cb
	}

	name := string(wt)
	metrics.BreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[*ipc.Message](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,           // concurrent probes in half-open state
		Interval:    time.Minute, // closed-state count reset
		Timeout:     30 * time.Second,

		// Open after a 60% failure rate with at least 5 requests in the
		// window, so a single timeout never trips the breaker.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("worker_type", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("fallback breaker state transition")
			metrics.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	e.breakers[wt] = cb
	return cb
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	}
	return "unknown"
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
