package remap

import (
	"sync/atomic"
)

// Stats holds the target's I/O diagnostic counters. Every field is updated
// with relaxed atomics on the I/O path; a reader may observe a momentarily
// inconsistent tuple across fields, which §5 accepts explicitly.
type Stats struct {
	reads        atomic.Uint64
	writes       atomic.Uint64
	errors       atomic.Uint64
	remappedIOs  atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// RecordRead accounts for one completed read of length sectors; remapped
// reports whether any part of it was served from the spare device.
func (s *Stats) RecordRead(length uint64, remapped bool) {
	s.reads.Add(1)
	s.bytesRead.Add(length * SectorSize)

	if remapped {
		s.remappedIOs.Add(1)
	}
}

// RecordWrite accounts for one completed write of length sectors.
func (s *Stats) RecordWrite(length uint64, remapped bool) {
	s.writes.Add(1)
	s.bytesWritten.Add(length * SectorSize)

	if remapped {
		s.remappedIOs.Add(1)
	}
}

// RecordError accounts for one I/O that completed with an error.
func (s *Stats) RecordError() {
	s.errors.Add(1)
}

// Clear zeros every counter (the admin `clear_stats` command, §4.5).
func (s *Stats) Clear() {
	s.reads.Store(0)
	s.writes.Store(0)
	s.errors.Store(0)
	s.remappedIOs.Store(0)
	s.bytesRead.Store(0)
	s.bytesWritten.Store(0)
}

// StatsSnapshot is a point-in-time, non-atomic copy of Stats for reporting.
type StatsSnapshot struct {
	Reads        uint64
	Writes       uint64
	Errors       uint64
	RemappedIOs  uint64
	BytesRead    uint64
	BytesWritten uint64
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Reads:        s.reads.Load(),
		Writes:       s.writes.Load(),
		Errors:       s.errors.Load(),
		RemappedIOs:  s.remappedIOs.Load(),
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
	}
}

// HealthScore is 100 * (1 - remapped_sector_count / logical_length),
// clamped to [0, 100] and rounded down to the nearest integer (a
// supplemented diagnostic; see SPEC_FULL.md). logicalLength of zero
// trivially scores 100 (nothing to degrade).
func HealthScore(remappedSectorCount, logicalLength uint64) int {
	if logicalLength == 0 {
		return 100
	}

	if remappedSectorCount >= logicalLength {
		return 0
	}

	score := 100 * (logicalLength - remappedSectorCount) / logicalLength

	if score > 100 {
		return 100
	}

	return int(score)
}
