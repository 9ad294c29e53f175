package remap

import (
	"testing"
)

func newTestTable(dataStart, dataEnd Sector) *Table {
	return NewTable(newAllocator(dataStart, dataEnd))
}

func TestTable_InsertAndLookup(t *testing.T) {
	tbl := newTestTable(1000, 2000)

	entry, err := tbl.Insert(RemapEntry{Bad: 42})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	spare, ok := tbl.Lookup(42)
	if !ok {
		t.Fatalf("lookup did not find inserted entry")
	}

	if spare != entry.Spare {
		t.Fatalf("lookup spare (%d) != inserted spare (%d)", spare, entry.Spare)
	}

	if _, ok := tbl.Lookup(43); ok {
		t.Fatalf("lookup found an entry that was never inserted")
	}
}

func TestTable_InsertDuplicateFails(t *testing.T) {
	tbl := newTestTable(1000, 2000)

	if _, err := tbl.Insert(RemapEntry{Bad: 42}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	_, err := tbl.Insert(RemapEntry{Bad: 42})
	if kind, ok := KindOf(err); !ok || kind != KindAlreadyMapped {
		t.Fatalf("expected KindAlreadyMapped, got %v", err)
	}
}

func TestTable_RemoveFreesSpare(t *testing.T) {
	tbl := newTestTable(1000, 1001)

	entry, err := tbl.Insert(RemapEntry{Bad: 1})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if _, err := tbl.Insert(RemapEntry{Bad: 2}); err == nil {
		t.Fatalf("expected second insert to exhaust the single-sector spare region")
	}

	spare, err := tbl.Remove(1)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if spare != entry.Spare {
		t.Fatalf("remove returned spare (%d), expected (%d)", spare, entry.Spare)
	}

	if _, ok := tbl.Lookup(1); ok {
		t.Fatalf("lookup still finds a removed entry")
	}

	if _, err := tbl.Insert(RemapEntry{Bad: 2}); err != nil {
		t.Fatalf("insert after freeing spare failed: %v", err)
	}
}

func TestTable_RemoveMissingFails(t *testing.T) {
	tbl := newTestTable(1000, 2000)

	_, err := tbl.Remove(99)
	if kind, ok := KindOf(err); !ok || kind != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestTable_IncrementErrorCount(t *testing.T) {
	tbl := newTestTable(1000, 2000)

	if _, err := tbl.Insert(RemapEntry{Bad: 7}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := tbl.IncrementErrorCount(7); err != nil {
		t.Fatalf("increment failed: %v", err)
	}

	if err := tbl.IncrementErrorCount(7); err != nil {
		t.Fatalf("second increment failed: %v", err)
	}

	snap := tbl.SnapshotForSerialize()
	if len(snap) != 1 || snap[0].ErrorCount != 2 {
		t.Fatalf("expected error_count 2 after two increments, got %+v", snap)
	}

	if err := tbl.IncrementErrorCount(8); err == nil {
		t.Fatalf("expected error incrementing an unmapped sector")
	}
}

func TestTable_MarkLiveForBadsClearsOnlyNamed(t *testing.T) {
	tbl := newTestTable(1000, 2000)

	if _, err := tbl.Insert(RemapEntry{Bad: 1}); err != nil {
		t.Fatalf("insert 1 failed: %v", err)
	}

	if _, err := tbl.Insert(RemapEntry{Bad: 2}); err != nil {
		t.Fatalf("insert 2 failed: %v", err)
	}

	tbl.MarkLiveForBads([]Sector{1})

	for _, e := range tbl.SnapshotForSerialize() {
		switch e.Bad {
		case 1:
			if !e.EntryFlags.IsLive() || e.EntryFlags.IsPendingWrite() {
				t.Fatalf("bad=1 should be live and not pending, got flags 0b%06b", e.EntryFlags)
			}
		case 2:
			if e.EntryFlags.IsLive() || !e.EntryFlags.IsPendingWrite() {
				t.Fatalf("bad=2 should remain pending, got flags 0b%06b", e.EntryFlags)
			}
		}
	}
}

func TestTable_SnapshotForSerializeIsInsertionOrdered(t *testing.T) {
	tbl := newTestTable(1000, 2000)

	order := []Sector{5, 1, 9, 3}
	for _, bad := range order {
		if _, err := tbl.Insert(RemapEntry{Bad: bad}); err != nil {
			t.Fatalf("insert %d failed: %v", bad, err)
		}
	}

	snap := tbl.SnapshotForSerialize()
	if len(snap) != len(order) {
		t.Fatalf("expected %d entries, got %d", len(order), len(snap))
	}

	for i, bad := range order {
		if snap[i].Bad != bad {
			t.Fatalf("snapshot[%d].Bad = %d, expected %d (insertion order not preserved)", i, snap[i].Bad, bad)
		}
	}
}

func TestTable_ResizeGrowsAndPreservesEntries(t *testing.T) {
	tbl := newTestTable(0, 100000)

	const n = 1000

	for i := Sector(0); i < n; i++ {
		if _, err := tbl.Insert(RemapEntry{Bad: i}); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}

	if tbl.Capacity() <= initialBucketCount {
		t.Fatalf("expected the bucket array to have grown past the initial capacity, stayed at %d", tbl.Capacity())
	}

	for i := Sector(0); i < n; i++ {
		if _, ok := tbl.Lookup(i); !ok {
			t.Fatalf("lookup lost entry %d across resize", i)
		}
	}
}

func TestTable_ResetFromRebuildsTableAndAllocator(t *testing.T) {
	tbl := newTestTable(1000, 2000)

	entries := []RemapEntry{
		{Bad: 1, Spare: 1000},
		{Bad: 2, Spare: 1001},
	}

	if err := tbl.ResetFrom(entries, 1000, 2000); err != nil {
		t.Fatalf("ResetFrom failed: %v", err)
	}

	if tbl.Len() != 2 {
		t.Fatalf("expected 2 entries after ResetFrom, got %d", tbl.Len())
	}

	if spare, ok := tbl.Lookup(1); !ok || spare != 1000 {
		t.Fatalf("lookup(1) = (%d, %v), expected (1000, true)", spare, ok)
	}

	// The claimed spares from entries must not be handed out again.
	if _, err := tbl.Insert(RemapEntry{Bad: 3, Spare: 1000}); err == nil {
		t.Fatalf("expected inserting an already-claimed spare to fail")
	}
}

func TestTable_DataRegion(t *testing.T) {
	tbl := newTestTable(500, 700)

	start, end := tbl.DataRegion()
	if start != 500 || end != 700 {
		t.Fatalf("DataRegion() = (%d, %d), expected (500, 700)", start, end)
	}
}
