package remap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dsoprea/go-logging"
)

// SectorFault is implemented by device-level errors that can attribute a
// failure to one specific sector, letting the error observer remap exactly
// the failing sector instead of the whole I/O run (§4.3, §9 error
// classification design note).
type SectorFault interface {
	error
	FailingSector() Sector
}

// MediaFault is a ready-made SectorFault a BlockDevice implementation can
// return to report a media failure at a known sector.
type MediaFault struct {
	Sector Sector
	Err    error
}

func (f *MediaFault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("media fault at sector (%d): %v", f.Sector, f.Err)
	}

	return fmt.Sprintf("media fault at sector (%d)", f.Sector)
}

// FailingSector implements SectorFault.
func (f *MediaFault) FailingSector() Sector { return f.Sector }

// Unwrap exposes the wrapped cause, if any.
func (f *MediaFault) Unwrap() error { return f.Err }

// ErrorClassifier decides whether err, observed as the completion status of
// a main-device I/O, is a media failure (candidate for auto-remap) or a
// transport failure (surfaced but never remapped). Unknown/unrecognized
// errors must default to transport (§9 design note).
type ErrorClassifier func(err error) ErrorClass

// DefaultClassifier implements the policy described in §9: an error that
// can identify its own failing sector (SectorFault, including any
// *RemapError wrapping one) is media; everything else, including a nil
// error, a cancellation, or an unrecognized status, is transport.
func DefaultClassifier(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}

	var sf SectorFault
	if errors.As(err, &sf) {
		return ErrorClassMedia
	}

	return ErrorClassTransport
}

// ErrorObserver implements the end-of-I/O policy of §4.3: on a media error
// against the main device, remap the offending sector (immediately, if the
// failure names it) and enqueue a persistence write. Transport errors and
// errors against the spare device are surfaced but never trigger a remap.
type ErrorObserver struct {
	classify ErrorClassifier
	table    *Table
	persist  *PersistenceEngine

	mu      sync.Mutex
	lastErr error
}

// NewErrorObserver builds an observer over table and persist. A nil
// classify uses DefaultClassifier.
func NewErrorObserver(table *Table, persist *PersistenceEngine, classify ErrorClassifier) *ErrorObserver {
	if classify == nil {
		classify = DefaultClassifier
	}

	return &ErrorObserver{classify: classify, table: table, persist: persist}
}

// Classify exposes the observer's configured classification policy so the
// I/O path can tag a completion error's Kind consistently with what this
// observer will actually decide.
func (o *ErrorObserver) Classify(err error) ErrorClass {
	return o.classify(err)
}

// Observe inspects the completion status of a main-device I/O covering
// [origSector, origSector+length) and, per policy, auto-remaps.
func (o *ErrorObserver) Observe(origSector Sector, length uint64, err error) {
	if o.classify(err) != ErrorClassMedia {
		// Transport errors (including cancellation) are surfaced by the
		// I/O path itself; this observer does nothing further (§4.3, §5
		// cancellation policy).
		return
	}

	var sf SectorFault
	if errors.As(err, &sf) {
		o.remapSector(sf.FailingSector())
		return
	}

	if length == 1 {
		// A single-sector I/O's media error is unambiguously attributable
		// to that sector even without an explicit SectorFault.
		o.remapSector(origSector)
		return
	}

	// A range-wide error with no specific offset is not attributable to any
	// one sector from this completion alone; §4.3 calls for remapping each
	// sector lazily, on its own first individually failing retry, which
	// arrives here as a subsequent length-1 call. A retry policy that
	// produces such calls is the caller's responsibility (§4.3, §5).
}

// remapSector performs the immediate remap described in §4.3: idempotent
// error_count bump if bad is already mapped, otherwise a fresh allocation
// with flags=auto, error_count=1, pending-write, followed by a persistence
// kick.
func (o *ErrorObserver) remapSector(bad Sector) {
	if err := o.table.IncrementErrorCount(bad); err == nil {
		o.persist.Kick()
		return
	}

	entry := RemapEntry{
		Bad:        bad,
		CreatedNs:  uint64(time.Now().UnixNano()),
		ErrorCount: 1,
		EntryFlags: FlagAuto,
	}

	if _, err := o.table.Insert(entry); err != nil {
		// SpareExhausted (back-pressure, §4.3) or AlreadyMapped lost to a
		// concurrent insert: record for diagnostics and skip. The
		// originating I/O already observed its own completion error; this
		// is a secondary failure of the auto-remap attempt itself.
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()

		log.PrintError(err)

		return
	}

	o.persist.Kick()
}

// LastError returns the most recent error an auto-remap attempt itself
// produced (distinct from the I/O error that triggered it), or nil.
func (o *ErrorObserver) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.lastErr
}
