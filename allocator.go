package remap

import (
	"github.com/bits-and-blooms/bitset"
)

// allocator selects unused spare sectors for new remaps and returns them to
// a free pool on removal (§3 RemapSet: "a spare-sector allocator (free-list
// over the spare region minus reserved metadata area)"). It is guarded by
// the same writer serialization as the remap table (§5).
//
// The free set is a dense bitmap over the data region rather than a linked
// free-list: the data region is bounded (at most a few tens of millions of
// sectors for any realistic spare device) and a bitset gives O(1)-amortized
// allocation via NextClear without the pointer-chasing a linked free-list
// would need.
type allocator struct {
	dataStart Sector
	dataEnd   Sector // exclusive
	used      *bitset.BitSet
	cursor    uint
}

func newAllocator(dataStart, dataEnd Sector) *allocator {
	span := uint(0)
	if dataEnd > dataStart {
		span = uint(dataEnd - dataStart)
	}

	return &allocator{
		dataStart: dataStart,
		dataEnd:   dataEnd,
		used:      bitset.New(span),
	}
}

// contains reports whether sector s falls inside the allocator's data
// region.
func (a *allocator) contains(s Sector) bool {
	return s >= a.dataStart && s < a.dataEnd
}

// allocate returns a free spare sector and marks it used, or
// KindSpareExhausted if none remain.
func (a *allocator) allocate() (Sector, error) {
	idx, ok := a.used.NextClear(a.cursor)
	if !ok || idx >= uint(a.dataEnd-a.dataStart) {
		// Wrap around once: NextClear only searches forward from cursor.
		idx, ok = a.used.NextClear(0)
	}

	if !ok || idx >= uint(a.dataEnd-a.dataStart) {
		return 0, newErr(KindSpareExhausted, "no free spare sectors in [%d, %d)", a.dataStart, a.dataEnd)
	}

	a.used.Set(idx)
	a.cursor = idx + 1

	return a.dataStart + Sector(idx), nil
}

// claim marks a caller-chosen spare sector as used (test_remap, §4.5),
// failing with KindSpareReserved if it falls below the data region (in the
// metadata region), KindOutOfRange if it lies at or past the data region's
// end, and KindSpareInUse if it is already claimed.
func (a *allocator) claim(s Sector) error {
	if s < a.dataStart {
		return newErr(KindSpareReserved, "spare sector (%d) is in the reserved region before [%d, %d)", s, a.dataStart, a.dataEnd)
	}

	if !a.contains(s) {
		return newErr(KindOutOfRange, "spare sector (%d) is not in the data region [%d, %d)", s, a.dataStart, a.dataEnd)
	}

	idx := uint(s - a.dataStart)

	if a.used.Test(idx) {
		return newErr(KindSpareInUse, "spare sector (%d) already allocated", s)
	}

	a.used.Set(idx)

	return nil
}

// free returns a previously allocated spare sector to the pool. It is a
// no-op if the sector is out of range (the caller is expected to only free
// sectors it obtained from allocate/claim).
func (a *allocator) free(s Sector) {
	if !a.contains(s) {
		return
	}

	idx := uint(s - a.dataStart)
	a.used.Clear(idx)

	if idx < a.cursor {
		a.cursor = idx
	}
}

// freeCount returns the number of sectors still available for allocation.
func (a *allocator) freeCount() uint64 {
	total := uint64(a.dataEnd - a.dataStart)
	return total - a.used.Count()
}

// clone returns a deep copy of the allocator's state.
func (a *allocator) clone() *allocator {
	return &allocator{
		dataStart: a.dataStart,
		dataEnd:   a.dataEnd,
		used:      a.used.Clone(),
		cursor:    a.cursor,
	}
}
