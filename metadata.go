package remap

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dsoprea/go-logging"
)

// PersistenceEngine owns the spare device's metadata region: it encodes the
// live remap table into N redundant copies, writes them concurrently, and
// reloads the authoritative copy on target open (§4.4). Exactly one write
// cycle runs at a time; mutations that arrive while a cycle is in flight are
// coalesced into the next one rather than queued individually (§4.4 write
// protocol, §5 concurrency model).
type PersistenceEngine struct {
	cfg   Config
	bio   *BlockIO
	table *Table

	reqCh chan chan error
	stop  chan struct{}
	done  chan struct{}

	mu           sync.Mutex
	seq          uint64
	committedGen uint64
	lastErr      error
	authorityIdx int
}

// NewPersistenceEngine builds a persistence engine over bio, using cfg to
// lay out metadata copies and table as the source of truth to encode.
func NewPersistenceEngine(cfg Config, bio *BlockIO, table *Table) *PersistenceEngine {
	return &PersistenceEngine{
		cfg:   cfg,
		bio:   bio,
		table: table,
		reqCh: make(chan chan error, 64),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the engine's dedicated write-cycle worker (§5: "the
// persistence engine runs on a worker distinct from the I/O path"). Callers
// must call Stop before discarding the engine.
func (e *PersistenceEngine) Start() {
	go e.run()
}

// Stop halts the worker after any in-flight cycle finishes.
func (e *PersistenceEngine) Stop() {
	close(e.stop)
	<-e.done
}

// Kick schedules a write cycle without waiting for it to complete. Repeated
// calls while a cycle is already pending or running coalesce into the same
// next cycle.
func (e *PersistenceEngine) Kick() {
	select {
	case e.reqCh <- nil:
	default:
		// A cycle is already queued; this mutation will be covered by it
		// since the cycle always snapshots the table's current state.
	}
}

// Sync schedules a write cycle (if one is not already pending) and blocks
// until a cycle that started at or after the caller's own mutations
// completes, returning that cycle's error. This is what the admin `save`
// command and any other synchronous persistence request use (§4.4, §6).
func (e *PersistenceEngine) Sync(ctx context.Context) error {
	done := make(chan error, 1)

	select {
	case e.reqCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the engine's write-cycle loop. Every wake (Kick or Sync) triggers
// exactly one cycle; any further wakes that arrive while that cycle runs are
// drained and answered by the *next* cycle, never by starting a second one
// concurrently with the first (§4.4: "at most one write cycle in flight").
func (e *PersistenceEngine) run() {
	defer close(e.done)

	for {
		var waiters []chan error

		select {
		case <-e.stop:
			return
		case d := <-e.reqCh:
			if d != nil {
				waiters = append(waiters, d)
			}
		}

	drain:
		for {
			select {
			case d := <-e.reqCh:
				if d != nil {
					waiters = append(waiters, d)
				}
			default:
				break drain
			}
		}

		err := e.runCycle()

		for _, d := range waiters {
			d <- err
		}
	}
}

// runCycle executes one full write protocol step: snapshot, encode, write N
// copies concurrently, wait, and (on success) mark the covered entries live
// (§4.4 steps 1-4).
func (e *PersistenceEngine) runCycle() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	startGen := e.table.Version()

	entries := e.table.SnapshotForSerialize()
	bads := make([]Sector, len(entries))
	for i, en := range entries {
		bads[i] = en.Bad
	}

	_, dataEnd := e.table.DataRegion()

	candidateSeq := e.peekNextSeq()

	rec := MetadataRecord{
		Header: MetadataRecordHeader{
			Seq:            candidateSeq,
			TimestampNs:    uint64(time.Now().UnixNano()),
			LogicalLength:  e.cfg.LogicalLength,
			SpareDataStart: e.cfg.spareDataStart(),
			SpareDataEnd:   uint64(dataEnd),
			CopyCount:      uint32(e.cfg.MetadataCopies),
			BlockSize:      e.cfg.BlockSize,
		},
		Entries: entries,
	}

	buf, err := encodeMetadataRecord(rec, e.cfg)
	if err != nil {
		e.recordCycle(startGen, err)
		return err
	}

	copiesWritten, writeErr := e.writeCopies(buf)

	if copiesWritten == 0 {
		// Nothing durable landed: abandon the cycle entirely and leave seq
		// unchanged so the next attempt reuses this same candidate number
		// (§4.4 step 5: "if zero copies wrote successfully... leave seq
		// unchanged").
		werr := wrapErr(KindPersistenceIO, writeErr, "write cycle: all (%d) copies failed", e.cfg.MetadataCopies)
		e.recordCycle(startGen, werr)
		return werr
	}

	e.commitSeq(candidateSeq)
	e.table.MarkLiveForBads(bads)

	if writeErr != nil {
		// Degraded but durable: at least one copy landed. Surface the
		// partial failure so callers can decide whether to retry, but the
		// cycle itself is not treated as a hard failure (§4.4: "fewer than
		// N successful writes... is a degraded-but-successful outcome
		// provided at least one copy is durable").
		degraded := &RemapError{Kind: KindPersistenceIO, Msg: "one or more metadata copies failed to write", CopiesWritten: copiesWritten, Err: writeErr}
		e.recordCycle(startGen, degraded)

		return degraded
	}

	e.recordCycle(startGen, nil)

	return nil
}

// writeCopies stages and durably flushes all N metadata copies concurrently
// via errgroup, returning how many actually landed on the device. Each
// copy's blocks are written and flushed as their own independent range
// (writeOneCopy), so a device failure confined to one copy's range is
// attributed to that copy alone and never marks a sibling copy as failed or
// blocks its flush. It does not fail the group on an individual copy error,
// since a degraded write (some copies lost) is still a valid outcome
// (§4.4); it collects the first error only for diagnostics.
func (e *PersistenceEngine) writeCopies(buf []byte) (copiesWritten int, err error) {
	g := new(errgroup.Group)

	var (
		mu      sync.Mutex
		written int
		errOut  error
	)

	blocksPerCopy := uint64(len(buf)) / uint64(e.cfg.BlockSize)
	if blocksPerCopy == 0 {
		blocksPerCopy = 1
	}

	for i := 0; i < e.cfg.MetadataCopies; i++ {
		baseBlock := e.cfg.copyOffsetBlocks(i)

		g.Go(func() error {
			werr := e.writeOneCopy(baseBlock, blocksPerCopy, buf)

			mu.Lock()
			defer mu.Unlock()

			if werr != nil {
				if errOut == nil {
					errOut = werr
				}

				return nil
			}

			written++

			return nil
		})
	}

	_ = g.Wait()

	return written, errOut
}

// writeOneCopy stages buf across the blocks starting at baseBlock and then
// durably commits just that block range, independent of any other copy's
// range, so this copy's write/flush outcome never gets conflated with a
// sibling copy's.
func (e *PersistenceEngine) writeOneCopy(baseBlock, blocksPerCopy uint64, buf []byte) error {
	blockSize := int(e.cfg.BlockSize)

	for b := uint64(0); b < blocksPerCopy; b++ {
		start := int(b) * blockSize
		end := start + blockSize

		if err := e.bio.WriteBlock(baseBlock+b, buf[start:end]); err != nil {
			return err
		}
	}

	return e.bio.FlushRange(baseBlock, blocksPerCopy)
}

// Load reads every metadata copy and selects the authoritative one: highest
// seq, ties broken by highest timestamp_ns, ties broken by lowest copy index
// (§4.4 read/open protocol). validCount reports how many of the N copies
// passed validation, so the caller can decide whether a corrective write
// cycle is needed (§4.4 step 5). It reports KindMetadataUnavailable if zero
// copies validate (§7: "yields an empty RemapSet, not a failure").
func (e *PersistenceEngine) Load() (rec MetadataRecord, validCount int, err error) {
	type candidate struct {
		idx int
		rec MetadataRecord
	}

	var best *candidate

	blockSize := int(e.cfg.BlockSize)
	copySizeBlocks := uint64(e.cfg.StrideBlocks)

	for i := 0; i < e.cfg.MetadataCopies; i++ {
		baseBlock := e.cfg.copyOffsetBlocks(i)

		buf := make([]byte, 0, int(copySizeBlocks)*blockSize)

		ok := true

		for b := uint64(0); b < copySizeBlocks; b++ {
			block, err := e.bio.ReadBlock(baseBlock + b)
			if err != nil {
				ok = false
				break
			}

			buf = append(buf, block...)
		}

		if !ok {
			continue
		}

		candRec, decodeErr := decodeMetadataRecord(buf, e.cfg)
		if decodeErr != nil {
			continue
		}

		validCount++

		if best == nil || isMoreAuthoritative(candRec.Header, best.rec.Header, i, best.idx) {
			best = &candidate{idx: i, rec: candRec}
		}
	}

	if best == nil {
		return MetadataRecord{}, 0, newErr(KindMetadataUnavailable, "no valid metadata copy found among (%d)", e.cfg.MetadataCopies)
	}

	e.mu.Lock()
	e.seq = best.rec.Header.Seq
	e.authorityIdx = best.idx
	e.mu.Unlock()

	return best.rec, validCount, nil
}

// isMoreAuthoritative reports whether candidate a should replace candidate b
// as the authoritative copy.
func isMoreAuthoritative(a, b MetadataRecordHeader, aIdx, bIdx int) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}

	if a.TimestampNs != b.TimestampNs {
		return a.TimestampNs > b.TimestampNs
	}

	return aIdx < bIdx
}

// AuthorityIndex returns the copy index Load most recently selected as
// authoritative, or -1 while Seq() is zero (nothing loaded or committed
// yet). A write cycle does not change it: after a save with no earlier Load
// it reports 0.
func (e *PersistenceEngine) AuthorityIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seq == 0 {
		return -1
	}

	return e.authorityIdx
}

// Seq returns the sequence number of the last persisted (or loaded) record.
func (e *PersistenceEngine) Seq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.seq
}

// LastError returns the error from the most recently completed write cycle,
// or nil if the last cycle succeeded (or none has run yet).
func (e *PersistenceEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastErr
}

// peekNextSeq returns the seq a new cycle would claim if it succeeds,
// without mutating engine state. The caller must pair a successful cycle
// with commitSeq; an abandoned cycle (zero copies written) simply never
// calls commitSeq, leaving Seq() unchanged so the next attempt reuses the
// same candidate number.
func (e *PersistenceEngine) peekNextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.seq + 1
}

// commitSeq advances e.seq to seq once a cycle using that candidate has
// landed at least one durable copy.
func (e *PersistenceEngine) commitSeq(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if seq > e.seq {
		e.seq = seq
	}
}

func (e *PersistenceEngine) recordCycle(startGen uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastErr = err

	if err == nil {
		if startGen > e.committedGen {
			e.committedGen = startGen
		}
	} else if re, ok := err.(*RemapError); ok && re.Kind == KindPersistenceIO && re.CopiesWritten > 0 {
		// Degraded-but-durable cycles still advance the committed
		// generation: at least one copy reflects startGen.
		if startGen > e.committedGen {
			e.committedGen = startGen
		}
	}
}
