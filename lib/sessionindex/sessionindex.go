// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package sessionindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
)

// Record is one tracked session.
type Record struct {
	// SessionID identifies the session at the relay.
	SessionID string `json:"session_id"`

	// ScopeID is the relay scope the session synchronizes under.
	ScopeID string `json:"scope_id"`

	// WorkingDir is the project directory the session runs in. One
	// record per working directory: starting a new session in the
	// same directory replaces the old record.
	WorkingDir string `json:"working_dir"`

	// StartedAt is when the session was spawned.
	StartedAt time.Time `json:"started_at"`

	// LastActive advances on every session interaction.
	LastActive time.Time `json:"last_active"`
}

// Options bound the index.
type Options struct {
	// MaxRecords caps the index size; the least recently active
	// records are pruned first. Zero means 500.
	MaxRecords int

	// MaxAge prunes records whose LastActive is older. Zero means
	// 30 days.
	MaxAge time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Index is a bounded, durable session table.
type Index struct {
	path       string
	maxRecords int
	maxAge     time.Duration
	clk        clock.Clock

	mu sync.Mutex
}

// New creates an index backed by the given file. The file is created
// on first write.
func New(path string, opts Options) *Index {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 500
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Index{
		path:       path,
		maxRecords: opts.MaxRecords,
		maxAge:     opts.MaxAge,
		clk:        opts.Clock,
	}
}

// Put inserts or replaces the record for its working directory and
// applies retention.
func (i *Index) Put(record Record) error {
	if record.WorkingDir == "" {
		return fmt.Errorf("sessionindex: record has no working directory")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	records, err := i.load()
	if err != nil {
		return err
	}

	replaced := false
	for index := range records {
		if records[index].WorkingDir == record.WorkingDir {
			records[index] = record
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, record)
	}

	return i.save(i.prune(records))
}

// Touch advances LastActive for a working directory's record. Unknown
// directories are a no-op.
func (i *Index) Touch(workingDir string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	records, err := i.load()
	if err != nil {
		return err
	}
	for index := range records {
		if records[index].WorkingDir == workingDir {
			records[index].LastActive = i.clk.Now()
			return i.save(i.prune(records))
		}
	}
	return nil
}

// Get returns the record for a working directory.
func (i *Index) Get(workingDir string) (Record, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	records, err := i.load()
	if err != nil {
		return Record{}, false, err
	}
	for _, record := range records {
		if record.WorkingDir == workingDir {
			return record, true, nil
		}
	}
	return Record{}, false, nil
}

// Remove deletes the record for a working directory. Unknown
// directories are a no-op.
func (i *Index) Remove(workingDir string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	records, err := i.load()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, record := range records {
		if record.WorkingDir != workingDir {
			kept = append(kept, record)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return i.save(kept)
}

// All returns every live record, most recently active first.
// Retention applies on read too, so stale records never surface even
// before the next write.
func (i *Index) All() ([]Record, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	records, err := i.load()
	if err != nil {
		return nil, err
	}
	records = i.prune(records)
	sort.Slice(records, func(a, b int) bool {
		return records[a].LastActive.After(records[b].LastActive)
	})
	return records, nil
}

// prune drops expired records, then trims the least recently active
// until the count bound holds.
func (i *Index) prune(records []Record) []Record {
	cutoff := i.clk.Now().Add(-i.maxAge)
	kept := records[:0]
	for _, record := range records {
		if record.LastActive.After(cutoff) {
			kept = append(kept, record)
		}
	}
	if len(kept) > i.maxRecords {
		sort.Slice(kept, func(a, b int) bool {
			return kept[a].LastActive.After(kept[b].LastActive)
		})
		kept = kept[:i.maxRecords]
	}
	return kept
}

// load reads the index file. A missing file is an empty index.
func (i *Index) load() ([]Record, error) {
	data, err := os.ReadFile(i.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session index: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		// A mangled index starts over empty; the next save
		// rewrites it.
		return nil, nil
	}
	return records, nil
}

// save writes the full index atomically: temporary file, sync,
// rename, directory sync.
func (i *Index) save(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session index: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := i.path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary session index: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary session index: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary session index: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary session index: %w", err)
	}
	if err := os.Rename(temporaryPath, i.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming session index into place: %w", err)
	}

	parentDirectory, err := os.Open(filepath.Dir(i.path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}
