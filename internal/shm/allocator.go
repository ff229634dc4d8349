// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/avolente/stagehand/internal/metrics"
)

// ErrUnknownHandle is returned when a handle has no backing region.
var ErrUnknownHandle = errors.New("shm: unknown handle")

// regionExt is the on-disk suffix for region files.
const regionExt = ".shm"

// Allocator creates and tracks the regions under one directory. The
// supervisor gives each worker its own directory so freeing a worker's
// regions on stop or restart is a directory-scoped operation and handles
// can never leak across restarts.
type Allocator struct {
	dir string

	mu      sync.Mutex
	regions map[string]*Region
}

// NewAllocator creates an allocator rooted at dir, creating it if needed.
func NewAllocator(dir string) (*Allocator, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("shm: create region dir: %w", err)
	}
	return &Allocator{dir: dir, regions: make(map[string]*Region)}, nil
}

// Dir returns the directory backing this allocator's regions.
func (a *Allocator) Dir() string {
	return a.dir
}

// Allocate creates a new region with the given payload capacity and a
// fresh handle.
func (a *Allocator) Allocate(sizeBytes int) (*Region, error) {
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("shm: invalid region size %d", sizeBytes)
	}
	handle := uuid.NewString()
	path := filepath.Join(a.dir, handle+regionExt)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create region file: %w", err)
	}
	total := headerSize + sizeBytes
	if err := f.Truncate(int64(total)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("shm: size region file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	// The mapping keeps the file alive; the descriptor is no longer needed.
	_ = f.Close()
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("shm: mmap region: %w", err)
	}

	binary.LittleEndian.PutUint32(data[offMagic:], magic)
	binary.LittleEndian.PutUint16(data[offVersion:], headerVersion)

	r := &Region{handle: handle, path: path, data: data}
	a.mu.Lock()
	a.regions[handle] = r
	a.mu.Unlock()
	metrics.ShmRegions.Inc()
	return r, nil
}

// Open maps an existing region by handle. Used by the consumer side, which
// did not allocate the region but received its handle in a message.
func (a *Allocator) Open(handle string) (*Region, error) {
	a.mu.Lock()
	if r, ok := a.regions[handle]; ok {
		a.mu.Unlock()
		return r, nil
	}
	a.mu.Unlock()

	path := filepath.Join(a.dir, handle+regionExt)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrUnknownHandle
		}
		return nil, fmt.Errorf("shm: open region file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: stat region file: %w", err)
	}
	if info.Size() < headerSize {
		_ = f.Close()
		return nil, fmt.Errorf("shm: region file truncated: %s", handle)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("shm: mmap region: %w", err)
	}
	if binary.LittleEndian.Uint32(data[offMagic:]) != magic {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("shm: bad magic in region %s", handle)
	}

	r := &Region{handle: handle, path: path, data: data}
	a.mu.Lock()
	a.regions[handle] = r
	a.mu.Unlock()
	return r, nil
}

// Free unmaps a region and removes its backing file.
func (a *Allocator) Free(handle string) error {
	a.mu.Lock()
	r, ok := a.regions[handle]
	delete(a.regions, handle)
	a.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	return a.release(r)
}

// FreeAll releases every region tracked by this allocator plus any stray
// region files left in the directory by a crashed producer.
func (a *Allocator) FreeAll() error {
	a.mu.Lock()
	regions := make([]*Region, 0, len(a.regions))
	for _, r := range a.regions {
		regions = append(regions, r)
	}
	a.regions = make(map[string]*Region)
	a.mu.Unlock()

	var firstErr error
	for _, r := range regions {
		if err := a.release(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// A producer that crashed mid-allocate can leave files this allocator
	// never mapped.
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == regionExt {
			if err := os.Remove(filepath.Join(a.dir, e.Name())); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Handles returns the handles currently tracked by this allocator.
func (a *Allocator) Handles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.regions))
	for h := range a.regions {
		out = append(out, h)
	}
	return out
}

func (a *Allocator) release(r *Region) error {
	r.mu.Lock()
	data := r.data
	r.data = nil
	r.mu.Unlock()

	var firstErr error
	if data != nil {
		if err := unix.Munmap(data); err != nil {
			firstErr = fmt.Errorf("shm: munmap region: %w", err)
		}
		metrics.ShmRegions.Dec()
	}
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
		firstErr = fmt.Errorf("shm: remove region file: %w", err)
	}
	return firstErr
}
