// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resource samples process-wide resource usage for the admission
// gate's overload check and for alerting.
//
// The sampler runs on a fixed interval and keeps the latest snapshot;
// consumers read the snapshot rather than sampling inline, so admission
// checks stay cheap under load.
package resource

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Snapshot is one point-in-time sample of process resource usage.
type Snapshot struct {
	// CPUPercent is an approximation of process CPU usage over the last
	// sampling interval, derived from rusage deltas. 100 means one full
	// core.
	CPUPercent float64 `json:"cpuPercent"`

	// RSSBytes is the current process resident set size. Read from
	// /proc/self/statm so it falls back down after memory is released;
	// where procfs is unavailable it degrades to rusage's peak RSS.
	RSSBytes uint64 `json:"rssBytes"`

	// HeapAllocBytes is the live Go heap.
	HeapAllocBytes uint64 `json:"heapAllocBytes"`

	// Goroutines is the current goroutine count.
	Goroutines int `json:"goroutines"`

	// FDSoftLimit and FDHardLimit are the file descriptor rlimits.
	FDSoftLimit uint64 `json:"fdSoftLimit"`
	FDHardLimit uint64 `json:"fdHardLimit"`

	// SampledAt is when the sample was taken.
	SampledAt time.Time `json:"sampledAt"`
}

// Config sets sampling cadence and overload ceilings.
type Config struct {
	// Interval between samples. Default: 5s.
	Interval time.Duration

	// MaxCPUPercent is the admission ceiling for CPU usage. Zero
	// disables the CPU check.
	MaxCPUPercent float64

	// MaxRSSBytes is the admission ceiling for resident memory. Zero
	// disables the memory check.
	MaxRSSBytes uint64

	// AlertCPUPercent and AlertRSSBytes log warnings when crossed.
	AlertCPUPercent float64
	AlertRSSBytes   uint64
}

// DefaultConfig returns sampling defaults sized for a single-host
// reviewer process.
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Second,
		MaxCPUPercent:   90,
		MaxRSSBytes:     2 << 30, // 2 GiB
		AlertCPUPercent: 75,
		AlertRSSBytes:   (3 << 30) / 2, // 1.5 GiB
	}
}

// Monitor periodically samples resource usage.
//
// # Thread Safety
//
// Safe for concurrent use; readers get copies of the latest snapshot.
type Monitor struct {
	cfg Config

	mu       sync.RWMutex
	latest   Snapshot
	lastCPU  time.Duration
	lastWall time.Time

	done    chan struct{}
	stopped sync.Once
}

// NewMonitor creates a monitor and takes an initial synchronous sample
// so Snapshot is never zero-valued.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	m := &Monitor{cfg: cfg, done: make(chan struct{})}
	m.sample()
	return m
}

// Start launches the background sampler goroutine.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts the sampler. Idempotent.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.done) })
}

// Snapshot returns the most recent sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// OverCeiling reports whether the latest sample exceeds a configured
// admission ceiling, and which one, for the rejection reason.
func (m *Monitor) OverCeiling() (bool, string) {
	s := m.Snapshot()
	if m.cfg.MaxCPUPercent > 0 && s.CPUPercent > m.cfg.MaxCPUPercent {
		return true, "cpu"
	}
	if m.cfg.MaxRSSBytes > 0 && s.RSSBytes > m.cfg.MaxRSSBytes {
		return true, "memory"
	}
	return false, ""
}

// sample takes one reading and stores it.
func (m *Monitor) sample() {
	now := time.Now()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var ru syscall.Rusage
	var cpuPercent float64
	var rss uint64
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		rss = currentRSS(&ru)
		cpuTotal := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())

		m.mu.RLock()
		lastCPU, lastWall := m.lastCPU, m.lastWall
		m.mu.RUnlock()
		if !lastWall.IsZero() {
			wall := now.Sub(lastWall)
			if wall > 0 {
				cpuPercent = 100 * float64(cpuTotal-lastCPU) / float64(wall)
				if cpuPercent < 0 {
					cpuPercent = 0
				}
			}
		}
		defer func() {
			m.mu.Lock()
			m.lastCPU, m.lastWall = cpuTotal, now
			m.mu.Unlock()
		}()
	}

	var soft, hard uint64
	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err == nil {
		soft, hard = uint64(rlim.Cur), uint64(rlim.Max)
	}

	snap := Snapshot{
		CPUPercent:     cpuPercent,
		RSSBytes:       rss,
		HeapAllocBytes: ms.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		FDSoftLimit:    soft,
		FDHardLimit:    hard,
		SampledAt:      now,
	}

	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()

	if m.cfg.AlertCPUPercent > 0 && snap.CPUPercent > m.cfg.AlertCPUPercent {
		slog.Warn("cpu usage above alert threshold",
			"cpu_percent", snap.CPUPercent,
			"threshold", m.cfg.AlertCPUPercent,
		)
	}
	if m.cfg.AlertRSSBytes > 0 && snap.RSSBytes > m.cfg.AlertRSSBytes {
		slog.Warn("memory usage above alert threshold",
			"rss_bytes", snap.RSSBytes,
			"threshold", m.cfg.AlertRSSBytes,
		)
	}
}

// ForceSample triggers an immediate sample, used after emergency
// cleanup so the next admission check sees the post-cleanup state.
func (m *Monitor) ForceSample() {
	m.sample()
}

// currentRSS reads the resident set size from /proc/self/statm.
// rusage's ru_maxrss is the lifetime peak and never decreases, which
// would latch the admission ceiling after one transient spike; it is
// only used as a fallback where procfs is unavailable.
func currentRSS(ru *syscall.Rusage) uint64 {
	if data, err := os.ReadFile("/proc/self/statm"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 {
			if pages, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return pages * uint64(os.Getpagesize())
			}
		}
	}
	// ru_maxrss is KiB on Linux.
	return uint64(ru.Maxrss) * 1024
}
