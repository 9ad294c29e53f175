package remap

import (
	"bytes"
	"testing"
)

func TestScrubReporter_ReportSuspectSectorInsertsWithScrubFlag(t *testing.T) {
	target, _, _ := newTestTarget(t)

	reporter := target.NewScrubReporter()

	if err := reporter.ReportSuspectSector(25); err != nil {
		t.Fatalf("ReportSuspectSector failed: %v", err)
	}

	var found *RemapEntry
	for _, e := range target.Table().SnapshotForSerialize() {
		if e.Bad == 25 {
			found = &e
		}
	}

	if found == nil {
		t.Fatalf("expected sector 25 to be mapped after ReportSuspectSector")
	}

	if !found.EntryFlags.IsPendingWrite() {
		t.Fatalf("a freshly reported entry should be pending write")
	}

	if found.EntryFlags&FlagScrubRequested == 0 {
		t.Fatalf("expected FlagScrubRequested on a scrub-reported entry, got flags 0b%06b", found.EntryFlags)
	}
}

func TestScrubReporter_ReportSuspectSectorIsIdempotent(t *testing.T) {
	target, _, _ := newTestTarget(t)

	reporter := target.NewScrubReporter()

	if err := reporter.ReportSuspectSector(25); err != nil {
		t.Fatalf("first report failed: %v", err)
	}

	if err := reporter.ReportSuspectSector(25); err != nil {
		t.Fatalf("second report failed: %v", err)
	}

	count := 0
	var errorCount uint32

	for _, e := range target.Table().SnapshotForSerialize() {
		if e.Bad == 25 {
			count++
			errorCount = e.ErrorCount
		}
	}

	if count != 1 {
		t.Fatalf("expected exactly one entry for a repeatedly-reported sector, found %d", count)
	}

	if errorCount != 2 {
		t.Fatalf("expected error_count 2 after two reports, got %d", errorCount)
	}
}

func TestScrubReporter_ReportedSectorServesFromSpareOnWrite(t *testing.T) {
	target, _, spare := newTestTarget(t)

	reporter := target.NewScrubReporter()
	if err := reporter.ReportSuspectSector(25); err != nil {
		t.Fatalf("report failed: %v", err)
	}

	spareSector, ok := target.Table().Lookup(25)
	if !ok {
		t.Fatalf("expected sector 25 to be mapped")
	}

	data := bytes.Repeat([]byte{0x33}, int(SectorSize))
	if err := target.Write(25, 1, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	onSpare := make([]byte, SectorSize)
	if _, err := spare.ReadAt(onSpare, int64(spareSector)*SectorSize); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}

	if !bytes.Equal(onSpare, data) {
		t.Fatalf("write to a scrub-reported sector should be served from the spare device")
	}
}
