package remap

import (
	"golang.org/x/sync/errgroup"

	"github.com/dsoprea/go-logging"
)

// IOPath dispatches each incoming logical I/O to the main or spare device
// according to the remap table, splitting multi-sector I/Os into maximal
// same-destination runs and joining their completions (§4.2).
type IOPath struct {
	cfg   Config
	main  BlockDevice
	spare BlockDevice
	table *Table

	observer *ErrorObserver
}

// NewIOPath builds an I/O path over main and spare. Both are addressed at
// sector granularity directly through BlockDevice: the buffered 4 KiB block
// layer (BlockIO) is reserved for the metadata region the persistence engine
// owns, not the spare device's data region, which this path accesses the
// same way it accesses main (§4.2, §9 "bio/request splitting" design note).
// observer may be nil, in which case completion errors are simply returned
// without triggering auto-remap.
func NewIOPath(cfg Config, main, spare BlockDevice, table *Table, observer *ErrorObserver) *IOPath {
	return &IOPath{cfg: cfg, main: main, spare: spare, table: table, observer: observer}
}

// run is one maximal span of logical sectors sharing a single destination.
type run struct {
	direction  Direction
	origSector Sector // first logical sector covered by this run
	destSector Sector // first sector of the physical destination
	length     uint64 // sectors
}

// Read reads length sectors starting at logical sector `sector` and returns
// their bytes.
func (p *IOPath) Read(sector Sector, length uint64) (data []byte, err error) {
	if err := p.validateRange(sector, length); err != nil {
		return nil, err
	}

	runs := p.splitRuns(sector, length)
	out := make([]byte, length*SectorSize)

	g := new(errgroup.Group)

	for _, r := range runs {
		r := r

		g.Go(func() error {
			buf := make([]byte, r.length*SectorSize)

			rerr := p.readRun(r, buf)

			copy(out[(r.origSector-sector)*SectorSize:], buf)

			p.observe(r, rerr)

			return rerr
		})
	}

	if werr := g.Wait(); werr != nil {
		return nil, werr
	}

	return out, nil
}

// Write writes data, which must be exactly length*SectorSize bytes, starting
// at logical sector `sector`.
func (p *IOPath) Write(sector Sector, length uint64, data []byte) (err error) {
	if err := p.validateRange(sector, length); err != nil {
		return err
	}

	if uint64(len(data)) != length*SectorSize {
		return newErr(KindOutOfRange, "write data length (%d) does not match (%d) sectors", len(data), length)
	}

	runs := p.splitRuns(sector, length)

	g := new(errgroup.Group)

	for _, r := range runs {
		r := r

		g.Go(func() error {
			slice := data[(r.origSector-sector)*SectorSize : (r.origSector-sector+r.length)*SectorSize]

			werr := p.writeRun(r, slice)

			p.observe(r, werr)

			return werr
		})
	}

	return g.Wait()
}

// validateRange enforces §4.2 step 1.
func (p *IOPath) validateRange(sector Sector, length uint64) error {
	if length == 0 {
		return newErr(KindOutOfRange, "zero-length I/O at sector (%d)", sector)
	}

	end := sector + length

	if sector < p.cfg.LogicalStart || end > p.cfg.LogicalStart+p.cfg.LogicalLength || end < sector {
		return newErr(KindOutOfRange, "I/O [%d, %d) outside logical range [%d, %d)",
			sector, end, p.cfg.LogicalStart, p.cfg.LogicalStart+p.cfg.LogicalLength)
	}

	return nil
}

// splitRuns walks [sector, sector+length) consulting the remap table for
// each sector and merges consecutive sectors sharing a destination into
// maximal runs (§4.2 step 5, §9 "bio/request splitting" design note).
func (p *IOPath) splitRuns(sector Sector, length uint64) []run {
	runs := make([]run, 0, 1)

	var cur *run

	for i := uint64(0); i < length; i++ {
		s := sector + i

		spare, mapped := p.table.Lookup(s)

		var dir Direction

		var dest Sector

		if mapped {
			dir = DirectionSpare
			dest = spare
		} else {
			dir = DirectionMain
			dest = s
		}

		if cur != nil && cur.direction == dir && cur.destSector+cur.length == dest {
			cur.length++
			continue
		}

		if cur != nil {
			runs = append(runs, *cur)
		}

		cur = &run{direction: dir, origSector: s, destSector: dest, length: 1}
	}

	if cur != nil {
		runs = append(runs, *cur)
	}

	return runs
}

func (p *IOPath) readRun(r run, buf []byte) error {
	dev := p.main
	if r.direction == DirectionSpare {
		dev = p.spare
	}

	_, err := dev.ReadAt(buf, int64(r.destSector)*SectorSize)
	if err != nil {
		return p.wrapDeviceErr(err, "read (%s) sector (%d) len (%d)", r.direction, r.destSector, r.length)
	}

	return nil
}

func (p *IOPath) writeRun(r run, data []byte) error {
	dev := p.main
	if r.direction == DirectionSpare {
		dev = p.spare
	}

	_, err := dev.WriteAt(data, int64(r.destSector)*SectorSize)
	if err != nil {
		return p.wrapDeviceErr(err, "write (%s) sector (%d) len (%d)", r.direction, r.destSector, r.length)
	}

	return nil
}

// wrapDeviceErr tags a raw device error with the same classification the
// error observer will use to decide whether to auto-remap, so a caller
// branching on Kind sees a consistent picture (§4.3, §7).
func (p *IOPath) wrapDeviceErr(err error, format string, args ...interface{}) error {
	var class ErrorClass
	if p.observer != nil {
		class = p.observer.Classify(err)
	} else {
		class = DefaultClassifier(err)
	}

	kind := KindTransportError
	if class == ErrorClassMedia {
		kind = KindMediaError
	}

	return wrapErr(kind, err, format, args...)
}

// observe attaches the end-of-I/O observer capturing {original_sector,
// length, direction} (§4.2 step 6) and forwards media failures on the main
// device into the error observer (§4.3).
func (p *IOPath) observe(r run, err error) {
	if p.observer == nil || err == nil || r.direction != DirectionMain {
		return
	}

	defer func() {
		if errRaw := recover(); errRaw != nil {
			log.PrintError(errRaw.(error))
		}
	}()

	p.observer.Observe(r.origSector, r.length, err)
}
