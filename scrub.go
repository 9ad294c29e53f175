package remap

import "time"

// ScrubReporter is the call-in surface the secondary health-scan/scrub
// component uses to proactively request a remap outside of an actual I/O
// error (§1: "the secondary health-scan/scrub component (only its interface
// to the core is specified)"). The scrub component's own scanning policy
// (which sectors to read back and when) is out of scope; only this single
// entry point is.
type ScrubReporter interface {
	// ReportSuspectSector asks the core to remap bad the same way an
	// auto-remap would, but tagged with FlagScrubRequested instead of
	// FlagAuto so the entry's provenance is distinguishable in status
	// output.
	ReportSuspectSector(bad Sector) error
}

// scrubReporter is the Target-backed ScrubReporter implementation.
type scrubReporter struct {
	table   *Table
	persist *PersistenceEngine
}

// NewScrubReporter adapts t as a ScrubReporter.
func (t *Target) NewScrubReporter() ScrubReporter {
	return &scrubReporter{table: t.table, persist: t.persist}
}

// ReportSuspectSector implements ScrubReporter. It is idempotent the same
// way auto-remap is: a sector already mapped just has its error_count
// bumped rather than being reinserted.
func (s *scrubReporter) ReportSuspectSector(bad Sector) error {
	if err := s.table.IncrementErrorCount(bad); err == nil {
		s.persist.Kick()
		return nil
	}

	entry := RemapEntry{
		Bad:        bad,
		CreatedNs:  uint64(time.Now().UnixNano()),
		ErrorCount: 1,
		EntryFlags: FlagScrubRequested,
	}

	if _, err := s.table.Insert(entry); err != nil {
		return err
	}

	s.persist.Kick()

	return nil
}
