// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package diag serves the local diagnostics surface: worker health
// snapshots, restart history, prometheus metrics, and a websocket
// telemetry stream. It binds to loopback by default; there is no auth
// layer because the OS user boundary is the trust boundary.
package diag

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avolente/stagehand/internal/config"
	"github.com/avolente/stagehand/internal/health"
	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/journal"
	"github.com/avolente/stagehand/internal/logging"
)

// HealthSource provides worker health snapshots. *supervisor.Supervisor
// satisfies it.
type HealthSource interface {
	GetDetailedHealth() map[ipc.WorkerType]health.Snapshot
	WorkerHealth(wt ipc.WorkerType) (health.Snapshot, error)
}

// EventSource provides the lifecycle-event history. *journal.Journal
// satisfies it; nil disables the history endpoints.
type EventSource interface {
	Recent(limit int) ([]journal.Event, error)
	ByWorker(wt ipc.WorkerType, limit int) ([]journal.Event, error)
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg    config.DiagConfig
	source HealthSource
	events EventSource
	hub    *Hub
}

// NewServer builds the diagnostics server over the given sources.
func NewServer(cfg config.DiagConfig, source HealthSource, events EventSource, hub *Hub) *Server {
	return &Server{cfg: cfg, source: source, events: events, hub: hub}
}

// Hub returns the telemetry hub for mounting in the suture tree.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router assembles the diagnostics routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.Limit(
		s.cfg.RateLimitReqs,
		s.cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/workers", s.handleWorkers)
		r.Get("/workers/{type}", s.handleWorker)
		r.Get("/workers/{type}/events", s.handleWorkerEvents)
		r.Get("/events", s.handleEvents)
	})
	r.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		r.Get("/ws", s.hub.serveWS)
	}
	return r
}

// handleHealthz reports process liveness, not worker health: a degraded
// worker does not make the diag surface unhealthy.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.source.GetDetailedHealth())
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	wt, err := ipc.ParseWorkerType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	snap, err := s.source.WorkerHealth(wt)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWorkerEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	wt, err := ipc.ParseWorkerType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	events, err := s.events.ByWorker(wt, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	events, err := s.events.Recent(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("diag response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Service wraps the HTTP server as a suture service: ListenAndServe in a
// goroutine, graceful Shutdown on context cancellation.
type Service struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// Service builds the supervised HTTP service for the tree's diag layer.
func (s *Server) Service(shutdownTimeout time.Duration) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	return &Service{
		server: &http.Server{
			Addr:              addr,
			Handler:           s.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

// String names the service in suture event logs.
func (svc *Service) String() string {
	return "diag/http-server"
}

// Serve implements suture.Service. http.ErrServerClosed is converted to
// the context error since it is the expected shutdown outcome.
func (svc *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", svc.server.Addr).Msg("diag server listening")
		if err := svc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("diag: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.shutdownTimeout)
		defer cancel()
		if err := svc.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("diag server shutdown timed out")
			_ = svc.server.Close()
		}
		return ctx.Err()
	}
}

// SnapshotLoop periodically broadcasts health snapshots to the telemetry
// stream. It implements suture.Service.
type SnapshotLoop struct {
	source   HealthSource
	hub      *Hub
	interval time.Duration
}

// NewSnapshotLoop builds the broadcaster. interval <= 0 defaults to 1s.
func NewSnapshotLoop(source HealthSource, hub *Hub, interval time.Duration) *SnapshotLoop {
	if interval <= 0 {
		interval = time.Second
	}
	return &SnapshotLoop{source: source, hub: hub, interval: interval}
}

// String names the service in suture event logs.
func (l *SnapshotLoop) String() string {
	return "diag/snapshot-loop"
}

// Serve broadcasts one health snapshot per interval until ctx is canceled.
func (l *SnapshotLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.hub.ClientCount() == 0 {
				continue
			}
			l.hub.Broadcast(Message{
				Type: MessageTypeHealth,
				Data: l.source.GetDetailedHealth(),
			})
		}
	}
}
