// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

// Package journal keeps a durable, append-only record of worker lifecycle
// events (start, crash, restart, permanent failure) in BadgerDB. Entries
// carry a TTL so the journal is self-pruning; a value-log GC loop runs
// under the suture tree to reclaim the space.
//
// The journal is diagnostics, not control flow: a journal failure is
// logged and dropped, never propagated into the supervision path.
package journal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/avolente/stagehand/internal/config"
	"github.com/avolente/stagehand/internal/ipc"
	"github.com/avolente/stagehand/internal/logging"
)

// keyPrefix namespaces lifecycle events; keys sort by timestamp so forward
// iteration is chronological.
const keyPrefix = "event:"

// Event is one recorded lifecycle occurrence.
type Event struct {
	ID         string                 `json:"id"`
	WorkerType ipc.WorkerType         `json:"worker_type"`
	Event      string                 `json:"event"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	At         time.Time              `json:"at"`
}

// Journal is the badger-backed event store. It implements
// supervisor.Recorder.
type Journal struct {
	db        *badger.DB
	retention time.Duration

	mu     sync.RWMutex
	closed bool
}

// Open opens the journal per configuration. InMemory runs badger without
// disk persistence, used by tests and by installs that disable the journal
// path.
func Open(cfg config.JournalConfig) (*Journal, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open badger: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Dur("retention", cfg.Retention).
		Msg("journal opened")
	return &Journal{db: db, retention: cfg.Retention}, nil
}

// Record persists one lifecycle event. Failures are logged, never
// returned: the supervisor must not stall on diagnostics.
func (j *Journal) Record(wt ipc.WorkerType, event string, fields map[string]interface{}) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}

	e := Event{
		ID:         uuid.NewString(),
		WorkerType: wt,
		Event:      event,
		Fields:     fields,
		At:         time.Now().UTC(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		logging.Error().Err(err).Str("event", event).Msg("journal marshal failed")
		return
	}

	key := fmt.Sprintf("%s%020d:%s", keyPrefix, e.At.UnixNano(), e.ID)
	err = j.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if j.retention > 0 {
			entry = entry.WithTTL(j.retention)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		logging.Error().Err(err).Str("event", event).Msg("journal write failed")
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns
// everything retained.
func (j *Journal) Recent(limit int) ([]Event, error) {
	return j.scan(limit, func(Event) bool { return true })
}

// ByWorker returns up to limit events for one worker type, newest first.
func (j *Journal) ByWorker(wt ipc.WorkerType, limit int) ([]Event, error) {
	return j.scan(limit, func(e Event) bool { return e.WorkerType == wt })
}

// scan iterates the event keyspace in reverse chronological order.
func (j *Journal) scan(limit int, keep func(Event) bool) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, errors.New("journal: closed")
	}

	var out []Event
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the whole prefix range.
		seek := append([]byte(keyPrefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var e Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if keep(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}
	return out, nil
}

// Close shuts the journal down. Further Records are silently dropped.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
