// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
)

// diskTier persists one JSON document per analysis id in a flat
// directory. Writes are atomic (temp file + rename) so a crash never
// leaves a half-written record; corrupt records found at load time are
// dropped, not repaired.
//
// # Thread Safety
//
// Safe for concurrent use. Per-file operations serialize on a single
// mutex; callers bound concurrency through the persist worker pool.
type diskTier struct {
	dir string

	mu    sync.Mutex
	sizes map[string]int64
	total int64
}

func newDiskTier(dir string) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir %s: %w", dir, err)
	}
	return &diskTier{dir: dir, sizes: make(map[string]int64)}, nil
}

// fileName maps an analysis id to a safe file name. IDs are typically
// UUIDs, but job ids are client-chosen, so every byte outside
// [A-Za-z0-9._-] is replaced and the result is length-capped.
func (d *diskTier) fileName(analysisID string) string {
	var b strings.Builder
	for _, r := range analysisID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || name == "." || name == ".." {
		name = "record"
	}
	if len(name) > 128 {
		name = name[:128]
	}
	return name + ".json"
}

// write persists one record atomically and updates the usage index.
func (d *diskTier) write(rec *datatypes.StoredResult) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", rec.AnalysisID, err)
	}

	path := filepath.Join(d.dir, d.fileName(rec.AnalysisID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write result %s: %w", rec.AnalysisID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit result %s: %w", rec.AnalysisID, err)
	}

	d.mu.Lock()
	d.total += int64(len(data)) - d.sizes[rec.AnalysisID]
	d.sizes[rec.AnalysisID] = int64(len(data))
	d.mu.Unlock()
	return nil
}

// remove deletes one record's file. Missing files are not an error.
func (d *diskTier) remove(analysisID string) error {
	path := filepath.Join(d.dir, d.fileName(analysisID))
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove result %s: %w", analysisID, err)
	}

	d.mu.Lock()
	d.total -= d.sizes[analysisID]
	delete(d.sizes, analysisID)
	d.mu.Unlock()
	return nil
}

// usage returns total bytes of persisted records.
func (d *diskTier) usage() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// loadAll reads every record from disk, discarding corrupt files and
// records that are no longer retrievable. Returns the surviving records
// keyed by analysis id.
func (d *diskTier) loadAll(now time.Time) map[string]*datatypes.StoredResult {
	out := make(map[string]*datatypes.StoredResult)

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		slog.Error("failed to read results dir", "dir", d.dir, "error", err)
		return out
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			// Leftover .tmp files from a crash mid-write are junk.
			if strings.HasSuffix(name, ".tmp") {
				_ = os.Remove(filepath.Join(d.dir, name))
			}
			continue
		}
		path := filepath.Join(d.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable result record", "file", name, "error", err)
			continue
		}

		var rec datatypes.StoredResult
		if err := json.Unmarshal(data, &rec); err != nil || rec.AnalysisID == "" {
			slog.Warn("dropping corrupt result record", "file", name, "error", err)
			_ = os.Remove(path)
			continue
		}

		if !rec.IsRetrievable(now) {
			slog.Debug("dropping expired result record at load", "analysis_id", rec.AnalysisID)
			_ = os.Remove(path)
			continue
		}

		out[rec.AnalysisID] = &rec
		d.mu.Lock()
		d.total += int64(len(data)) - d.sizes[rec.AnalysisID]
		d.sizes[rec.AnalysisID] = int64(len(data))
		d.mu.Unlock()
	}
	return out
}
