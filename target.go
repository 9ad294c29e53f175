package remap

import (
	"context"
	"sync/atomic"

	"github.com/dsoprea/go-logging"
)

// Target wires every component (table, allocator, persistence engine, I/O
// path, error observer, admin surface, stats) into the one object a host
// adapter constructs per exposed logical range. Registering this Target
// with an actual block-layer request queue is the host's job and is out of
// scope here (§1).
type Target struct {
	cfg     Config
	mainDev BlockDevice
	spare   BlockDevice
	bio     *BlockIO

	table    *Table
	persist  *PersistenceEngine
	observer *ErrorObserver
	io       *IOPath
	admin    *Admin
	stats    *Stats

	quiesced atomic.Bool
}

// NewTarget creates a target over mainDev and spareDev using cfg (optional
// fields defaulted via normalize), loading any existing metadata from
// spareDev (§4.4 read/open protocol). A spare device with no valid metadata
// copy is not an error: the target simply starts with an empty remap set
// (§7).
func NewTarget(cfg Config, mainDev, spareDev BlockDevice) (t *Target, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	cfg = cfg.normalize()

	spareSectors, err := spareDev.SectorCount()
	log.PanicIf(err)

	if spareSectors <= cfg.spareDataStart() {
		log.Panicf("spare device (%d) sectors too small for metadata region (%d) sectors", spareSectors, cfg.spareDataStart())
	}

	bio := NewBlockIO(spareDev, cfg.BlockSize)
	table := NewTable(newAllocator(cfg.spareDataStart(), spareSectors))
	persist := NewPersistenceEngine(cfg, bio, table)

	rec, validCount, loadErr := persist.Load()

	switch {
	case loadErr == nil:
		if err := table.ResetFrom(rec.Entries, Sector(rec.Header.SpareDataStart), Sector(rec.Header.SpareDataEnd)); err != nil {
			return nil, err
		}
	case isKind(loadErr, KindMetadataUnavailable):
		// No prior state; proceed with the empty table built above (§4.4
		// step 3, §7).
	default:
		return nil, loadErr
	}

	stats := &Stats{}
	observer := NewErrorObserver(table, persist, nil)
	io := NewIOPath(cfg, mainDev, spareDev, table, observer)

	target := &Target{
		cfg:      cfg,
		mainDev:  mainDev,
		spare:    spareDev,
		bio:      bio,
		table:    table,
		persist:  persist,
		observer: observer,
		io:       io,
		stats:    stats,
	}
	target.quiesced.Store(true)

	target.admin = NewAdmin(cfg, table, persist, stats, target.quiesced.Load, persist.AuthorityIndex)

	persist.Start()

	if loadErr == nil && validCount < cfg.MetadataCopies {
		// Fewer than N copies validated: corrective write cycle (§4.4 step
		// 5, §7 "tolerated if any copy is valid... triggers a corrective
		// write cycle").
		persist.Kick()
	}

	return target, nil
}

func isKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Read reads length sectors starting at logical sector `sector`.
func (t *Target) Read(sector Sector, length uint64) ([]byte, error) {
	data, err := t.io.Read(sector, length)
	if err != nil {
		t.stats.RecordError()
		return nil, err
	}

	t.stats.RecordRead(length, t.anyRemapped(sector, length))

	return data, nil
}

// Write writes data (exactly length*SectorSize bytes) starting at logical
// sector `sector`.
func (t *Target) Write(sector Sector, length uint64, data []byte) error {
	remapped := t.anyRemapped(sector, length)

	if err := t.io.Write(sector, length, data); err != nil {
		t.stats.RecordError()
		return err
	}

	t.stats.RecordWrite(length, remapped)

	return nil
}

func (t *Target) anyRemapped(sector Sector, length uint64) bool {
	for i := uint64(0); i < length; i++ {
		if _, ok := t.table.Lookup(sector + i); ok {
			return true
		}
	}

	return false
}

// Dispatch runs one admin command line (§4.5) and returns its response.
func (t *Target) Dispatch(ctx context.Context, line string) string {
	return t.admin.Dispatch(ctx, line)
}

// SetQuiesced records whether the host has quiesced I/O against this
// target, consulted by the admin `restore` command (§4.5). Actually
// enforcing quiescence (draining in-flight I/O) is the host adapter's
// responsibility; this is just the flag it reports through.
func (t *Target) SetQuiesced(q bool) {
	t.quiesced.Store(q)
}

// Stats returns the target's diagnostic counters.
func (t *Target) Stats() *Stats {
	return t.stats
}

// Table exposes the underlying remap table, mainly for tests.
func (t *Target) Table() *Table {
	return t.table
}

// Close forces a final synchronous persistence write and releases the
// persistence engine's worker (§3 lifecycle: "destroyed on target close
// after a final persistence write").
func (t *Target) Close(ctx context.Context) error {
	err := t.persist.Sync(ctx)

	t.persist.Stop()

	return err
}
