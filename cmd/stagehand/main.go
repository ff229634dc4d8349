// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package main is the Stagehand entry point, serving two roles from one
// binary:
//
//	stagehand                 runs the supervisor: spawns and watches the
//	                          worker processes, serves diagnostics
//	stagehand worker ...      runs one worker process; spawned by the
//	                          supervisor via re-exec, never by hand
//
// # Application Architecture
//
// The supervisor initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered loading (defaults, YAML file, env)
//  2. Logging: global zerolog logger per the logging config
//  3. Journal: BadgerDB lifecycle-event journal (if enabled)
//  4. Supervisor: one health monitor and channel pair per worker type
//  5. Suture tree: health loop, response listener, journal GC, diag server
//  6. Workers: one OS process per enabled worker type
//
// # Signal Handling
//
// SIGINT and SIGTERM shut down gracefully: workers get a cooperative
// shutdown message, then the stop grace period, then SIGKILL; shared
// memory is freed only after each exit is confirmed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avolente/stagehand/internal/config"
	"github.com/avolente/stagehand/internal/diag"
	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/journal"
	"github.com/avolente/stagehand/internal/logging"
	"github.com/avolente/stagehand/internal/supervisor"
	"github.com/avolente/stagehand/internal/worker"
	"github.com/avolente/stagehand/internal/workers"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		runWorker(os.Args[2:])
		return
	}
	runSupervisor()
}

// runSupervisor is the host-application role.
func runSupervisor() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Msg("starting stagehand supervisor")

	// Lifecycle journal (optional).
	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(cfg.Journal)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to open journal")
		}
		defer func() {
			if err := jnl.Close(); err != nil {
				logging.Error().Err(err).Msg("error closing journal")
			}
		}()
	}

	opts := []supervisor.Option{}
	if jnl != nil {
		opts = append(opts, supervisor.WithRecorder(jnl))
	}
	sup := supervisor.New(cfg, opts...)

	var enabled []ipc.WorkerType
	for _, wt := range ipc.AllWorkerTypes() {
		if !cfg.WorkerEnabled(string(wt)) {
			logging.Info().Str("worker_type", string(wt)).Msg("worker disabled by configuration")
			continue
		}
		sup.RegisterWorkerFactory(wt, worker.ReexecFactory(wt, cfg.Supervisor.HeartbeatInterval))
		enabled = append(enabled, wt)
	}

	// Service tree: control loops, journal GC, diagnostics.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddControlService(sup.HealthLoop())
	tree.AddControlService(sup.Listener())
	if jnl != nil {
		tree.AddDataService(jnl.GCLoop(0))
	}
	if cfg.Diag.Enabled {
		hub := diag.NewHub()
		var events diag.EventSource
		if jnl != nil {
			events = jnl
		}
		server := diag.NewServer(cfg.Diag, sup, events, hub)
		tree.AddDiagService(hub)
		tree.AddDiagService(server.Service(supervisor.DefaultTreeConfig().ShutdownTimeout))
		tree.AddDiagService(diag.NewSnapshotLoop(sup, hub, time.Second))

		// Stream dispatched responses to connected telemetry clients.
		sup.Listener().Tap(func(m *ipc.Message) {
			hub.Broadcast(diag.Message{
				Type: diag.MessageTypeResponse,
				Data: map[string]interface{}{
					"worker_type":    m.WorkerType,
					"correlation_id": m.CorrelationID,
					"msg_type":       m.MsgType,
					"latency_ms":     m.Latency().Milliseconds(),
				},
			})
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	treeErr := tree.ServeBackground(ctx)

	for _, wt := range enabled {
		if err := sup.Start(ctx, wt); err != nil {
			logging.Error().Err(err).Str("worker_type", string(wt)).Msg("initial worker start failed")
		}
	}
	logging.Info().Int("workers", len(enabled)).Msg("stagehand running")

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
	case err := <-treeErr:
		if err != nil {
			logging.Error().Err(err).Msg("service tree failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("worker shutdown incomplete")
	}
	stop()
	select {
	case <-treeErr:
	case <-shutdownCtx.Done():
		logging.Warn().Msg("service tree did not stop in time")
	}
	logging.Info().Msg("stagehand stopped")
}

// runWorker is the re-exec role: one worker process, wired to the
// supervisor through stdin/stdout. All logging goes to stderr because
// stdout carries the message frames.
func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	typeFlag := fs.String("type", "", "worker type (image, feed, audio, precompute)")
	shmDir := fs.String("shm-dir", "", "directory for this worker's shared-memory regions")
	hbInterval := fs.Duration("heartbeat-interval", time.Second, "heartbeat emission interval")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logging.Init(logging.Config{Level: "info", Format: "json", Output: os.Stderr})

	wt, err := ipc.ParseWorkerType(*typeFlag)
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid worker type")
	}
	handler, err := workers.HandlerFor(wt)
	if err != nil {
		logging.Fatal().Err(err).Msg("no handler for worker type")
	}
	rt, err := worker.NewRuntime(wt, *shmDir, *hbInterval)
	if err != nil {
		logging.Fatal().Err(err).Str("worker_type", string(wt)).Msg("worker runtime init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("worker_type", string(wt)).Int("pid", os.Getpid()).Msg("worker started")
	if err := rt.Serve(ctx, handler); err != nil {
		logging.Fatal().Err(err).Str("worker_type", string(wt)).Msg("worker loop failed")
	}
	logging.Info().Str("worker_type", string(wt)).Msg("worker exiting")
}
