// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the dual-tier result store: a fast in-memory
// index backed by one durable JSON document per analysis on disk.
//
// Records expire on TTL or retrieval-cap exhaustion, and total disk
// usage is bounded by an oldest-first eviction pass with hysteresis.
// Durable writes go through a small worker pool so disk I/O neither
// serializes behind one goroutine nor fans out unboundedly.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/observability"
)

// Config holds store configuration.
type Config struct {
	// Dir is the durable record directory.
	Dir string

	// DefaultTTL applies when a record arrives with TTLSeconds == 0.
	// Default: 24h.
	DefaultTTL time.Duration

	// DefaultMaxRetrievals applies when a record arrives with
	// MaxRetrievals == 0. Default: 50.
	DefaultMaxRetrievals int

	// SweepMinInterval gates SweepExpired: calls closer together than
	// this are no-ops. Default: 1 minute.
	SweepMinInterval time.Duration

	// StorageCapBytes bounds durable usage; eviction drains to 80% of
	// the cap. Default: 256 MiB.
	StorageCapBytes int64

	// PersistWorkers sizes the durable-write pool. Default: 2.
	PersistWorkers int
}

// DefaultConfig returns production defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                  dir,
		DefaultTTL:           24 * time.Hour,
		DefaultMaxRetrievals: 50,
		SweepMinInterval:     time.Minute,
		StorageCapBytes:      256 << 20,
		PersistWorkers:       2,
	}
}

// Stats is the storage snapshot for the operator surface.
type Stats struct {
	Records       int   `json:"records"`
	DiskBytes     int64 `json:"diskBytes"`
	CapBytes      int64 `json:"capBytes"`
	Retrievals    int64 `json:"retrievals"`
	Expired       int64 `json:"expired"`
	Evicted       int64 `json:"evicted"`
	DroppedWrites int64 `json:"droppedWrites"`
}

type persistOp struct {
	analysisID string
	remove     bool
}

// Store is the dual-tier result store.
//
// # Thread Safety
//
// Safe for concurrent use. The in-memory index is guarded by one mutex;
// persist workers read record snapshots taken under that mutex.
type Store struct {
	cfg  Config
	disk *diskTier

	mu      sync.Mutex
	records map[string]*datatypes.StoredResult

	lastSweep     time.Time
	lastClockRead time.Time

	retrievals    int64
	expiredCount  int64
	evictedCount  int64
	droppedWrites int64

	persistCh chan persistOp
	wg        sync.WaitGroup
	closeOnce sync.Once

	// now is the time source, overridable in tests.
	now func() time.Time
}

// New opens the store, reloading all retrievable durable records into
// the in-memory index and discarding corrupt or expired ones.
func New(cfg Config) (*Store, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.DefaultMaxRetrievals <= 0 {
		cfg.DefaultMaxRetrievals = 50
	}
	if cfg.SweepMinInterval <= 0 {
		cfg.SweepMinInterval = time.Minute
	}
	if cfg.StorageCapBytes <= 0 {
		cfg.StorageCapBytes = 256 << 20
	}
	if cfg.PersistWorkers <= 0 {
		cfg.PersistWorkers = 2
	}

	disk, err := newDiskTier(cfg.Dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:       cfg,
		disk:      disk,
		persistCh: make(chan persistOp, 256),
		now:       time.Now,
	}
	s.records = disk.loadAll(s.now())
	slog.Info("result store opened",
		"dir", cfg.Dir,
		"records", len(s.records),
		"disk_bytes", disk.usage(),
	)

	for i := 0; i < cfg.PersistWorkers; i++ {
		s.wg.Add(1)
		go s.persistWorker()
	}
	return s, nil
}

// Put writes or overwrites the record for rec.AnalysisID and schedules
// the durable write. Idempotent per id.
func (s *Store) Put(rec datatypes.StoredResult) error {
	if rec.AnalysisID == "" {
		return fmt.Errorf("store: empty analysis id")
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.TTLSeconds <= 0 {
		rec.TTLSeconds = int(s.cfg.DefaultTTL / time.Second)
	}
	if rec.MaxRetrievals <= 0 {
		rec.MaxRetrievals = s.cfg.DefaultMaxRetrievals
	}

	s.mu.Lock()
	s.records[rec.AnalysisID] = &rec
	s.mu.Unlock()

	s.enqueue(persistOp{analysisID: rec.AnalysisID})
	return nil
}

// UpdateStatus transitions an existing record to a new status, setting
// the completion time and payload/error. Used for the running-placeholder
// to terminal-record transition. Missing records are created fresh.
func (s *Store) UpdateStatus(analysisID string, status datatypes.JobStatus, payload *datatypes.MergedResult, errMsg string) {
	now := s.now()

	s.mu.Lock()
	rec, ok := s.records[analysisID]
	if !ok {
		s.mu.Unlock()
		slog.Warn("status update for unknown record", "analysis_id", analysisID)
		return
	}
	rec.Status = status
	rec.CompletedAt = now
	rec.Payload = payload
	rec.ErrorMessage = errMsg
	s.mu.Unlock()

	s.enqueue(persistOp{analysisID: analysisID})
}

// Get returns the record if it exists, is retrievable, and the caller is
// authorized. Authorization passes when sessionID matches the stored
// owner, or (absent a session match) clientAddress matches. On success
// the retrieval count increments and the update is persisted.
//
// Known limitation: the client-address fallback is a weak authorization
// model — clients behind a shared NAT or proxy can read each other's
// results. Kept because reconnection recovery depends on it.
func (s *Store) Get(analysisID, sessionID, clientAddress string) (datatypes.StoredResult, error) {
	s.mu.Lock()

	rec, ok := s.records[analysisID]
	if !ok {
		s.mu.Unlock()
		return datatypes.StoredResult{}, datatypes.ErrNotFound
	}

	if !authorized(rec, sessionID, clientAddress) {
		s.mu.Unlock()
		return datatypes.StoredResult{}, datatypes.ErrAuthorizationDenied
	}

	if !rec.IsRetrievable(s.now()) {
		delete(s.records, analysisID)
		s.expiredCount++
		s.mu.Unlock()
		s.enqueue(persistOp{analysisID: analysisID, remove: true})
		return datatypes.StoredResult{}, datatypes.ErrExpired
	}

	rec.RetrievalCount++
	s.retrievals++
	out := *rec
	s.mu.Unlock()

	s.enqueue(persistOp{analysisID: analysisID})
	return out, nil
}

// ListForClient returns summaries of results owned by the session,
// unioned with results matching the client address (recovery after a
// session-id change), deduplicated, newest-first, paginated.
func (s *Store) ListForClient(sessionID, clientAddress string, limit, offset int) []datatypes.ResultSummary {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	matched := make([]*datatypes.StoredResult, 0)
	for _, rec := range s.records {
		if (sessionID != "" && rec.SessionID == sessionID) ||
			(clientAddress != "" && rec.ClientAddress == clientAddress) {
			matched = append(matched, rec)
		}
	}
	summaries := make([]datatypes.ResultSummary, 0, len(matched))
	for _, rec := range matched {
		summaries = append(summaries, datatypes.ResultSummary{
			AnalysisID:     rec.AnalysisID,
			Status:         rec.Status,
			CreatedAt:      rec.CreatedAt,
			CompletedAt:    rec.CompletedAt,
			HasResult:      rec.Payload != nil,
			RetrievalCount: rec.RetrievalCount,
		})
	}
	s.mu.Unlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})

	if offset >= len(summaries) {
		return []datatypes.ResultSummary{}
	}
	end := offset + limit
	if end > len(summaries) {
		end = len(summaries)
	}
	return summaries[offset:end]
}

// SweepExpired removes all records that are no longer retrievable. The
// pass is time-gated: calls within SweepMinInterval of the previous
// sweep are no-ops. A wall-clock regression (NTP step, manual change)
// also skips the pass, since TTL comparisons would be unreliable.
func (s *Store) SweepExpired() int {
	now := s.now()

	s.mu.Lock()
	if now.Before(s.lastClockRead) {
		s.lastClockRead = now
		s.mu.Unlock()
		slog.Warn("clock regression observed, skipping expiry sweep")
		return 0
	}
	s.lastClockRead = now
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < s.cfg.SweepMinInterval {
		s.mu.Unlock()
		return 0
	}
	s.lastSweep = now

	removed := make([]string, 0)
	for id, rec := range s.records {
		if !rec.IsRetrievable(now) {
			delete(s.records, id)
			removed = append(removed, id)
		}
	}
	s.expiredCount += int64(len(removed))
	s.mu.Unlock()

	observability.StoreEvictions.WithLabelValues("expired").Add(float64(len(removed)))
	for _, id := range removed {
		s.enqueue(persistOp{analysisID: id, remove: true})
	}
	if len(removed) > 0 {
		slog.Info("expired results swept", "count", len(removed))
	}
	return len(removed)
}

// EnforceStorageCap deletes oldest-by-CreatedAt records until durable
// usage falls to 80% of the cap. The hysteresis margin avoids evicting
// one record per write once the cap is reached.
func (s *Store) EnforceStorageCap() int {
	if s.disk.usage() <= s.cfg.StorageCapBytes {
		return 0
	}
	target := s.cfg.StorageCapBytes * 8 / 10

	s.mu.Lock()
	ordered := make([]*datatypes.StoredResult, 0, len(s.records))
	for _, rec := range s.records {
		ordered = append(ordered, rec)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	removed := make([]string, 0)
	for _, rec := range ordered {
		if s.disk.usage() <= target {
			break
		}
		delete(s.records, rec.AnalysisID)
		removed = append(removed, rec.AnalysisID)
		// Synchronous remove so usage moves before the next check.
		if err := s.disk.remove(rec.AnalysisID); err != nil {
			slog.Warn("storage cap eviction failed", "analysis_id", rec.AnalysisID, "error", err)
		}
	}
	s.evictedCount += int64(len(removed))
	s.mu.Unlock()

	observability.StoreEvictions.WithLabelValues("storage_cap").Add(float64(len(removed)))
	if len(removed) > 0 {
		slog.Info("storage cap enforced",
			"evicted", len(removed),
			"usage_bytes", s.disk.usage(),
			"cap_bytes", s.cfg.StorageCapBytes,
		)
	}
	return len(removed)
}

// Stats returns a storage snapshot.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Records:       len(s.records),
		DiskBytes:     s.disk.usage(),
		CapBytes:      s.cfg.StorageCapBytes,
		Retrievals:    s.retrievals,
		Expired:       s.expiredCount,
		Evicted:       s.evictedCount,
		DroppedWrites: s.droppedWrites,
	}
}

// Close drains pending durable writes and stops the persist workers.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.persistCh)
		s.wg.Wait()
	})
}

// enqueue hands an op to the persist pool. A full queue drops the write
// (best-effort persistence: the live event still reaches the client and
// the drop is logged and counted).
func (s *Store) enqueue(op persistOp) {
	select {
	case s.persistCh <- op:
	default:
		s.mu.Lock()
		s.droppedWrites++
		s.mu.Unlock()
		slog.Warn("persist queue full, dropping durable write",
			"analysis_id", op.analysisID,
			"remove", op.remove,
		)
	}
}

func (s *Store) persistWorker() {
	defer s.wg.Done()
	for op := range s.persistCh {
		if op.remove {
			if err := s.disk.remove(op.analysisID); err != nil {
				slog.Warn("durable remove failed", "analysis_id", op.analysisID, "error", err)
			}
			continue
		}

		s.mu.Lock()
		rec, ok := s.records[op.analysisID]
		var snapshot datatypes.StoredResult
		if ok {
			snapshot = *rec
		}
		s.mu.Unlock()
		if !ok {
			// Record vanished between enqueue and write (swept or
			// evicted); nothing to persist.
			continue
		}

		if err := s.disk.write(&snapshot); err != nil {
			// Best-effort: a failed persistence write never fails the
			// job itself.
			slog.Warn("durable write failed", "analysis_id", op.analysisID, "error", err)
		}
	}
}

// authorized implements the session-or-address ownership check.
func authorized(rec *datatypes.StoredResult, sessionID, clientAddress string) bool {
	if sessionID != "" && rec.SessionID == sessionID {
		return true
	}
	if clientAddress != "" && rec.ClientAddress == clientAddress {
		return true
	}
	return false
}
