package remap

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	initialBucketCount = 256
	growLoadFactor     = 0.75
	shrinkLoadFactor   = 0.1
)

// node is one immutable chain link in a bucket. Nodes are never mutated in
// place once published: insert prepends a new head, remove rebuilds the
// prefix up to the removed node and reuses the unchanged tail. This is what
// lets Lookup walk a chain without taking any lock.
type node struct {
	entry    RemapEntry
	insOrder uint64
	next     atomic.Pointer[node]
}

// bucketArray is one generation of the table's bucket storage. A resize
// builds an entirely new bucketArray and publishes it with a single atomic
// pointer store, so a concurrent Lookup either sees the whole pre-resize
// array or the whole post-resize array — never a partially rehashed one
// (§4.1: "Resize is amortized; it may not leave any observable inconsistent
// state").
type bucketArray struct {
	buckets []atomic.Pointer[node]
	mask    uint64
}

func newBucketArray(bucketCount int) *bucketArray {
	return &bucketArray{
		buckets: make([]atomic.Pointer[node], bucketCount),
		mask:    uint64(bucketCount - 1),
	}
}

// Table is the dynamically resizing `bad -> spare` hash index (§4.1). Reads
// (Lookup) never block: the hot path loads one atomic pointer to the
// current bucket array, computes a bucket index, and walks an immutable
// chain. Writers (Insert, Remove, and the resize they may trigger) serialize
// among themselves behind mu, matching the allocator's serialization (§5).
//
// The publish-by-pointer-swap discipline here is the structural-sharing
// cousin of the sequence-counted snapshot read the design notes call for
// (§9): instead of readers retrying against a version counter while data
// mutates in place, every mutation constructs new, immutable nodes (and, on
// resize, a new array) and publishes them with one atomic store, so readers
// never observe a half-built structure in the first place. version is kept
// anyway as a monotonically increasing counter so tests and the persistence
// engine can observe that a mutation happened without taking mu.
type Table struct {
	mu      sync.Mutex
	arr     atomic.Pointer[bucketArray]
	count   atomic.Int64
	version atomic.Uint64
	nextIns uint64

	alloc *allocator
}

// NewTable creates an empty remap table backed by the given allocator.
func NewTable(alloc *allocator) *Table {
	t := &Table{alloc: alloc}
	t.arr.Store(newBucketArray(initialBucketCount))

	return t
}

func mixKey(bad Sector) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], bad)

	return xxhash.Sum64(buf[:])
}

// Lookup returns the spare sector bad is mapped to, if any. It takes no
// lock and never blocks (§4.2, §5).
func (t *Table) Lookup(bad Sector) (Sector, bool) {
	arr := t.arr.Load()
	idx := mixKey(bad) & arr.mask

	for n := arr.buckets[idx].Load(); n != nil; n = n.next.Load() {
		if n.entry.Bad == bad {
			return n.entry.Spare, true
		}
	}

	return 0, false
}

// findLocked walks the chain for bad under mu and returns the live node, if
// any.
func (t *Table) findLocked(arr *bucketArray, bad Sector) *node {
	idx := mixKey(bad) & arr.mask

	for n := arr.buckets[idx].Load(); n != nil; n = n.next.Load() {
		if n.entry.Bad == bad {
			return n
		}
	}

	return nil
}

// Insert adds a new bad->spare mapping. If entry.Spare is zero, the
// allocator chooses a spare sector; otherwise entry.Spare is treated as a
// caller-chosen spare (test_remap, §4.5) and claimed from the allocator
// instead of freshly allocated — per the Open Question decision in
// SPEC_FULL.md, such a spare is fully allocator-managed afterward.
func (t *Table) Insert(entry RemapEntry) (RemapEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr := t.arr.Load()

	if t.findLocked(arr, entry.Bad) != nil {
		return RemapEntry{}, newErr(KindAlreadyMapped, "bad sector (%d) already mapped", entry.Bad)
	}

	if entry.Spare == 0 {
		spare, err := t.alloc.allocate()
		if err != nil {
			return RemapEntry{}, err
		}

		entry.Spare = spare
	} else if err := t.alloc.claim(entry.Spare); err != nil {
		return RemapEntry{}, err
	}

	t.nextIns++
	entry.EntryFlags |= FlagPendingWrite

	idx := mixKey(entry.Bad) & arr.mask
	head := arr.buckets[idx].Load()

	n := &node{entry: entry, insOrder: t.nextIns}
	n.next.Store(head)
	arr.buckets[idx].Store(n)

	t.count.Add(1)
	t.version.Add(1)

	t.maybeResizeLocked()

	return entry, nil
}

// Remove deletes bad's mapping and returns its spare sector to the
// allocator.
func (t *Table) Remove(bad Sector) (Sector, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	arr := t.arr.Load()
	idx := mixKey(bad) & arr.mask

	var prefix []*node

	cur := arr.buckets[idx].Load()
	for cur != nil {
		if cur.entry.Bad == bad {
			break
		}

		prefix = append(prefix, cur)
		cur = cur.next.Load()
	}

	if cur == nil {
		return 0, newErr(KindNotFound, "bad sector (%d) not mapped", bad)
	}

	tail := cur.next.Load()

	// Rebuild the prefix (the nodes that preceded the removed one) as new
	// nodes pointing at the unchanged tail, then publish with one store.
	newHead := tail
	for i := len(prefix) - 1; i >= 0; i-- {
		rebuilt := &node{entry: prefix[i].entry, insOrder: prefix[i].insOrder}
		rebuilt.next.Store(newHead)
		newHead = rebuilt
	}

	arr.buckets[idx].Store(newHead)

	t.alloc.free(cur.entry.Spare)
	t.count.Add(-1)
	t.version.Add(1)

	t.maybeResizeLocked()

	return cur.entry.Spare, nil
}

// IncrementErrorCount bumps error_count on an existing entry in place
// (idempotent auto-remap retries, §4.3). It fails with KindNotFound if bad
// is unmapped.
func (t *Table) IncrementErrorCount(bad Sector) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := t.mutateLocked(bad, func(e *RemapEntry) {
		e.ErrorCount++
		e.EntryFlags |= FlagPendingWrite
	})
	if !found {
		return newErr(KindNotFound, "bad sector (%d) not mapped", bad)
	}

	return nil
}

// MarkLiveForBads clears the pending-write flag (and sets live) on exactly
// the given bad sectors, used by the persistence engine once a write cycle
// durably covering those entries completes (§4.5 state machine:
// PendingPersist -> Live). It is scoped to bads rather than sweeping every
// pending entry in the table, since entries mutated after the write cycle's
// snapshot was taken are not yet durable and must wait for the next cycle.
// A bad that no longer exists (removed concurrently) or is already live is
// silently skipped.
func (t *Table) MarkLiveForBads(bads []Sector) {
	if len(bads) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, bad := range bads {
		t.mutateLocked(bad, func(e *RemapEntry) {
			if e.EntryFlags.IsPendingWrite() {
				e.EntryFlags = e.EntryFlags &^ FlagPendingWrite
				e.EntryFlags |= FlagLive
			}
		})
	}
}

// mutateLocked rebuilds the chain holding bad's entry with mutate applied to
// a copy of it, publishing the rebuilt prefix with one store per bucket.
// Callers must hold mu. It reports whether bad was found.
func (t *Table) mutateLocked(bad Sector, mutate func(*RemapEntry)) bool {
	arr := t.arr.Load()
	idx := mixKey(bad) & arr.mask

	var prefix []*node

	cur := arr.buckets[idx].Load()
	for cur != nil {
		if cur.entry.Bad == bad {
			break
		}

		prefix = append(prefix, cur)
		cur = cur.next.Load()
	}

	if cur == nil {
		return false
	}

	updated := cur.entry
	mutate(&updated)

	tail := cur.next.Load()
	newHead := &node{entry: updated, insOrder: cur.insOrder}
	newHead.next.Store(tail)

	for i := len(prefix) - 1; i >= 0; i-- {
		rebuilt := &node{entry: prefix[i].entry, insOrder: prefix[i].insOrder}
		rebuilt.next.Store(newHead)
		newHead = rebuilt
	}

	arr.buckets[idx].Store(newHead)
	t.version.Add(1)

	return true
}

// ResetFrom discards the table's current contents and allocator state and
// rebuilds both from entries (in the given order, treated as
// insertion-stable) over the spare data region [dataStart, dataEnd). This is
// the recovery/`restore` path's entry point (§4.4 read/open protocol step
// 5): it fails with KindInternal if an entry's spare cannot be claimed
// (e.g. a duplicate spare in the loaded record, which should never happen
// for a record that passed decode validation).
func (t *Table) ResetFrom(entries []RemapEntry, dataStart, dataEnd Sector) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	alloc := newAllocator(dataStart, dataEnd)
	arr := newBucketArray(bucketCountFor(len(entries)))

	for i, entry := range entries {
		if err := alloc.claim(entry.Spare); err != nil {
			return wrapErr(KindInternal, err, "rebuild: entry (%d) bad=(%d) spare claim failed", i, entry.Bad)
		}

		idx := mixKey(entry.Bad) & arr.mask

		n := &node{entry: entry, insOrder: uint64(i + 1)}
		n.next.Store(arr.buckets[idx].Load())
		arr.buckets[idx].Store(n)
	}

	t.alloc = alloc
	t.arr.Store(arr)
	t.count.Store(int64(len(entries)))
	t.nextIns = uint64(len(entries))
	t.version.Add(1)

	return nil
}

// bucketCountFor returns the smallest power-of-two bucket count, at least
// initialBucketCount, that keeps n entries under growLoadFactor.
func bucketCountFor(n int) int {
	count := initialBucketCount

	for float64(n)/float64(count) > growLoadFactor {
		count *= 2
	}

	return count
}

// DataRegion returns the spare device sector range [start, end) the
// allocator manages, for the persistence engine's header fields.
func (t *Table) DataRegion() (start, end Sector) {
	return t.alloc.dataStart, t.alloc.dataEnd
}

// Len returns the current live entry count.
func (t *Table) Len() int {
	return int(t.count.Load())
}

// Capacity returns the current bucket count.
func (t *Table) Capacity() int {
	return int(t.arr.Load().mask + 1)
}

// LoadFactor returns Len()/Capacity().
func (t *Table) LoadFactor() float64 {
	return float64(t.Len()) / float64(t.Capacity())
}

// Version returns a monotonically increasing counter bumped on every
// mutation; useful for tests that want to observe "a mutation happened"
// without taking mu.
func (t *Table) Version() uint64 {
	return t.version.Load()
}

// SnapshotForSerialize returns every live entry in insertion-stable order,
// a consistent point-in-time view suitable for the persistence engine to
// encode (§4.1). It takes mu only for the duration of the copy.
func (t *Table) SnapshotForSerialize() []RemapEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.snapshotLocked()
}

func (t *Table) snapshotLocked() []RemapEntry {
	arr := t.arr.Load()

	type ordered struct {
		entry RemapEntry
		ins   uint64
	}

	var all []ordered

	for i := range arr.buckets {
		for n := arr.buckets[i].Load(); n != nil; n = n.next.Load() {
			all = append(all, ordered{entry: n.entry, ins: n.insOrder})
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ins < all[j].ins })

	out := make([]RemapEntry, len(all))
	for i, o := range all {
		out[i] = o.entry
	}

	return out
}

// maybeResizeLocked grows or shrinks the bucket array when the load factor
// crosses the configured thresholds (§4.1 hash policy). Callers must hold
// mu.
func (t *Table) maybeResizeLocked() {
	arr := t.arr.Load()
	capacity := arr.mask + 1
	count := uint64(t.count.Load())

	loadFactor := float64(count) / float64(capacity)

	switch {
	case loadFactor > growLoadFactor:
		t.rehashLocked(int(capacity) * 2)
	case loadFactor < shrinkLoadFactor && capacity > initialBucketCount:
		newCap := int(capacity) / 2
		if newCap < initialBucketCount {
			newCap = initialBucketCount
		}

		t.rehashLocked(newCap)
	}
}

// rehashLocked builds a brand-new bucketArray of the given size, copies
// every live node into it, and publishes it with a single atomic store.
// Callers must hold mu.
func (t *Table) rehashLocked(newBucketCount int) {
	oldArr := t.arr.Load()
	newArr := newBucketArray(newBucketCount)

	for i := range oldArr.buckets {
		for n := oldArr.buckets[i].Load(); n != nil; n = n.next.Load() {
			idx := mixKey(n.entry.Bad) & newArr.mask

			fresh := &node{entry: n.entry, insOrder: n.insOrder}
			fresh.next.Store(newArr.buckets[idx].Load())
			newArr.buckets[idx].Store(fresh)
		}
	}

	t.arr.Store(newArr)
	t.version.Add(1)
}
