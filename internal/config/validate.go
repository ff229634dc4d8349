// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance; struct tag rules cover the
// per-field constraints, Validate adds the cross-field ones.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for per-field and cross-field
// consistency.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid field: %w", err)
	}

	sup := c.Supervisor
	if sup.HardMissedThreshold <= sup.MissedHeartbeatThreshold {
		return fmt.Errorf("hard_missed_threshold (%d) must exceed missed_heartbeat_threshold (%d)",
			sup.HardMissedThreshold, sup.MissedHeartbeatThreshold)
	}
	if sup.BackoffCap < sup.BackoffBase {
		return fmt.Errorf("backoff_cap (%s) must be at least backoff_base (%s)",
			sup.BackoffCap, sup.BackoffBase)
	}
	if sup.HealthyWindow > sup.RestartWindow {
		return fmt.Errorf("healthy_window (%s) must not exceed restart_window (%s)",
			sup.HealthyWindow, sup.RestartWindow)
	}

	// Inline payloads must fit in a wire frame with envelope headroom.
	if c.SHM.InlineThreshold > 4<<20 {
		return fmt.Errorf("shm inline_threshold (%d) must not exceed 4MiB", c.SHM.InlineThreshold)
	}

	if c.Journal.Enabled && !c.Journal.InMemory && c.Journal.Path == "" {
		return fmt.Errorf("journal path is required when the journal is enabled")
	}
	return nil
}
