// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package config loads and validates the Stagehand configuration with
// Koanf v2 layered sources (highest priority wins): environment variables,
// YAML config file, built-in defaults.
//
// The supervision core reads this once at construction; nothing in this
// repository owns settings persistence.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration tree.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Workers    WorkersConfig    `koanf:"workers"`
	SHM        SHMConfig        `koanf:"shm"`
	Journal    JournalConfig    `koanf:"journal"`
	Diag       DiagConfig       `koanf:"diag"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// SupervisorConfig holds the health and backpressure tuning for the
// process supervisor. The defaults are the canonical set; every field is
// overridable via file or environment.
type SupervisorConfig struct {
	// HeartbeatInterval is how often each worker must emit a heartbeat.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`

	// MissedHeartbeatThreshold (soft) marks a worker DEGRADED.
	MissedHeartbeatThreshold int `koanf:"missed_heartbeat_threshold" validate:"gt=0"`

	// HardMissedThreshold triggers an automatic restart. Must exceed the
	// soft threshold.
	HardMissedThreshold int `koanf:"hard_missed_threshold" validate:"gt=0"`

	// BackoffBase and BackoffCap bound the exponential restart backoff:
	// delay(n) = min(base * 2^(n-1), cap).
	BackoffBase time.Duration `koanf:"backoff_base" validate:"gt=0"`
	BackoffCap  time.Duration `koanf:"backoff_cap" validate:"gt=0"`

	// MaxRestartsPerWindow is the restart budget inside RestartWindow;
	// exceeding it moves the worker to PERMANENTLY_FAILED.
	MaxRestartsPerWindow int           `koanf:"max_restarts_per_window" validate:"gt=0"`
	RestartWindow        time.Duration `koanf:"restart_window" validate:"gt=0"`

	// HealthyWindow is how long a worker must run without failure before
	// its consecutive-restart count resets.
	HealthyWindow time.Duration `koanf:"healthy_window" validate:"gt=0"`

	// BusyGrace extends a worker's declared BUSY duration before missed
	// heartbeats count again.
	BusyGrace time.Duration `koanf:"busy_grace" validate:"gte=0"`

	// StartTimeout bounds the wait for a worker's first heartbeat.
	StartTimeout time.Duration `koanf:"start_timeout" validate:"gt=0"`

	// StopGrace is the window for cooperative shutdown before SIGKILL.
	StopGrace time.Duration `koanf:"stop_grace" validate:"gt=0"`

	// SendTimeout is the default bound for SendAndWait.
	SendTimeout time.Duration `koanf:"send_timeout" validate:"gt=0"`

	// ListenerPollInterval is the ResponseListener sleep between drains.
	ListenerPollInterval time.Duration `koanf:"listener_poll_interval" validate:"gt=0"`

	// ChannelCapacity bounds each direction of every worker channel.
	ChannelCapacity int `koanf:"channel_capacity" validate:"gt=0"`
}

// WorkersConfig carries the per-worker enable flags.
type WorkersConfig struct {
	Image      WorkerConfig `koanf:"image"`
	Feed       WorkerConfig `koanf:"feed"`
	Audio      WorkerConfig `koanf:"audio"`
	Precompute WorkerConfig `koanf:"precompute"`
}

// WorkerConfig is the per-worker-type configuration.
type WorkerConfig struct {
	Enabled bool `koanf:"enabled"`
}

// SHMConfig configures shared-memory payload handoff.
type SHMConfig struct {
	// Dir is the root directory for region files; each worker gets a
	// subdirectory so its regions can be freed as a unit.
	Dir string `koanf:"dir" validate:"required"`

	// InlineThreshold is the payload size in bytes above which a message
	// payload must travel by shared-memory handle instead of inline.
	InlineThreshold int `koanf:"inline_threshold" validate:"gt=0"`
}

// JournalConfig configures the badger-backed lifecycle-event journal.
type JournalConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Path      string        `koanf:"path"`
	Retention time.Duration `koanf:"retention" validate:"gt=0"`
	// InMemory runs badger without disk persistence. Used by tests.
	InMemory bool `koanf:"in_memory"`
}

// DiagConfig configures the loopback diagnostics HTTP server.
type DiagConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host" validate:"required"`
	Port    int    `koanf:"port" validate:"gt=0,lte=65535"`

	// RateLimitReqs requests per RateLimitWindow per client.
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gt=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// Default returns the canonical configuration set. Planning documents for
// the original system disagreed on several constants (1500ms vs 3000ms
// timeouts, 2MB vs 5MB shm thresholds); these are the values this
// implementation standardizes on.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Supervisor: SupervisorConfig{
			HeartbeatInterval:        1 * time.Second,
			MissedHeartbeatThreshold: 3,
			HardMissedThreshold:      6,
			BackoffBase:              2 * time.Second,
			BackoffCap:               30 * time.Second,
			MaxRestartsPerWindow:     10,
			RestartWindow:            5 * time.Minute,
			HealthyWindow:            60 * time.Second,
			BusyGrace:                500 * time.Millisecond,
			StartTimeout:             5 * time.Second,
			StopGrace:                5 * time.Second,
			SendTimeout:              3 * time.Second,
			ListenerPollInterval:     10 * time.Millisecond,
			ChannelCapacity:          64,
		},
		Workers: WorkersConfig{
			Image:      WorkerConfig{Enabled: true},
			Feed:       WorkerConfig{Enabled: true},
			Audio:      WorkerConfig{Enabled: true},
			Precompute: WorkerConfig{Enabled: true},
		},
		SHM: SHMConfig{
			Dir:             filepath.Join(os.TempDir(), "stagehand-shm"),
			InlineThreshold: 2 << 20, // 2 MiB
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      filepath.Join(os.TempDir(), "stagehand-journal"),
			Retention: 7 * 24 * time.Hour,
		},
		Diag: DiagConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            7437,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
	}
}

// WorkerEnabled reports whether the given worker type is enabled.
func (c *Config) WorkerEnabled(workerType string) bool {
	switch workerType {
	case "image":
		return c.Workers.Image.Enabled
	case "feed":
		return c.Workers.Feed.Enabled
	case "audio":
		return c.Workers.Audio.Enabled
	case "precompute":
		return c.Workers.Precompute.Enabled
	}
	return false
}
