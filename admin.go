package remap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Admin is the typed command dispatcher over the control channel (§4.5): it
// parses one line at a time, mutates the table/allocator/persistence engine,
// and returns a single response line beginning with `ok` or `err`.
type Admin struct {
	cfg       Config
	table     *Table
	persist   *PersistenceEngine
	stats     *Stats
	quiesced  func() bool
	authority func() int
}

// NewAdmin builds a command dispatcher. quiesced reports whether I/O is
// currently quiesced, consulted by `restore` (§4.5: "must be called when I/O
// is quiesced"). authority reports the copy index selected by the most
// recent load, for `status`'s auth-copy-index field; a save does not change
// the index it reports.
func NewAdmin(cfg Config, table *Table, persist *PersistenceEngine, stats *Stats, quiesced func() bool, authority func() int) *Admin {
	return &Admin{cfg: cfg, table: table, persist: persist, stats: stats, quiesced: quiesced, authority: authority}
}

// Dispatch parses and executes one command line, returning the response
// line (§6: "Responses are one line beginning with ok or err, followed by a
// space-separated payload").
func (a *Admin) Dispatch(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errLine(KindOutOfRange, "empty command")
	}

	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		return a.help()
	case "status":
		return a.status()
	case "stats":
		return a.extendedStats()
	case "add":
		return a.add(args)
	case "test_remap":
		return a.testRemap(args)
	case "remove":
		return a.remove(args)
	case "save":
		return a.save(ctx)
	case "restore":
		return a.restore(ctx)
	case "clear_stats":
		a.stats.Clear()
		return "ok"
	default:
		return errLine(KindOutOfRange, "unrecognized command: %s", cmd)
	}
}

func (a *Admin) help() string {
	return "ok help status stats add test_remap remove save restore clear_stats"
}

// status reports the stable, parseable summary line (§6).
func (a *Admin) status() string {
	snap := a.stats.Snapshot()
	health := HealthScore(uint64(a.table.Len()), a.cfg.LogicalLength)
	authIdx := -1

	if a.authority != nil {
		authIdx = a.authority()
	}

	return fmt.Sprintf("ok entries=%d seq=%d reads=%d writes=%d errors=%d health-score=%d auth-copy-index=%d",
		a.table.Len(), a.persist.Seq(), snap.Reads, snap.Writes, snap.Errors, health, authIdx)
}

// extendedStats reports the `stats` command's fuller I/O picture, with
// humanized byte totals alongside the raw counters so an operator reading
// the control channel by hand doesn't have to do the division themselves.
func (a *Admin) extendedStats() string {
	snap := a.stats.Snapshot()

	return fmt.Sprintf("ok reads=%d writes=%d errors=%d remapped-ios=%d bytes-read=%d (%s) bytes-written=%d (%s)",
		snap.Reads, snap.Writes, snap.Errors, snap.RemappedIOs,
		snap.BytesRead, humanize.Bytes(snap.BytesRead),
		snap.BytesWritten, humanize.Bytes(snap.BytesWritten))
}

func (a *Admin) add(args []string) string {
	if len(args) != 1 {
		return errLine(KindOutOfRange, "usage: add <bad>")
	}

	bad, err := parseSector(args[0])
	if err != nil {
		return errLine(KindOutOfRange, "%v", err)
	}

	if bad < a.cfg.LogicalStart || bad >= a.cfg.LogicalStart+a.cfg.LogicalLength {
		return errLine(KindOutOfRange, "bad sector (%d) outside logical range", bad)
	}

	entry := RemapEntry{Bad: bad, CreatedNs: uint64(time.Now().UnixNano()), EntryFlags: FlagAdministrative}

	inserted, err := a.table.Insert(entry)
	if err != nil {
		return errFromRemapErr(err)
	}

	a.persist.Kick()

	return fmt.Sprintf("ok bad=%d spare=%d", inserted.Bad, inserted.Spare)
}

func (a *Admin) testRemap(args []string) string {
	if len(args) != 2 {
		return errLine(KindOutOfRange, "usage: test_remap <bad> <spare>")
	}

	bad, err := parseSector(args[0])
	if err != nil {
		return errLine(KindOutOfRange, "%v", err)
	}

	spare, err := parseSector(args[1])
	if err != nil {
		return errLine(KindOutOfRange, "%v", err)
	}

	if bad < a.cfg.LogicalStart || bad >= a.cfg.LogicalStart+a.cfg.LogicalLength {
		return errLine(KindOutOfRange, "bad sector (%d) outside logical range", bad)
	}

	entry := RemapEntry{Bad: bad, Spare: spare, CreatedNs: uint64(time.Now().UnixNano()), EntryFlags: FlagAdministrative}

	inserted, err := a.table.Insert(entry)
	if err != nil {
		return errFromRemapErr(err)
	}

	a.persist.Kick()

	return fmt.Sprintf("ok bad=%d spare=%d", inserted.Bad, inserted.Spare)
}

func (a *Admin) remove(args []string) string {
	if len(args) != 1 {
		return errLine(KindOutOfRange, "usage: remove <bad>")
	}

	bad, err := parseSector(args[0])
	if err != nil {
		return errLine(KindOutOfRange, "%v", err)
	}

	spare, err := a.table.Remove(bad)
	if err != nil {
		return errFromRemapErr(err)
	}

	a.persist.Kick()

	return fmt.Sprintf("ok bad=%d spare=%d", bad, spare)
}

// save forces a synchronous persistence cycle (§4.5).
func (a *Admin) save(ctx context.Context) string {
	if err := a.persist.Sync(ctx); err != nil {
		return errFromRemapErr(err)
	}

	return "ok"
}

// restore forces a reload from the authoritative copy; rejected with Busy
// unless the caller reports I/O as quiesced (§4.5).
func (a *Admin) restore(ctx context.Context) string {
	if a.quiesced != nil && !a.quiesced() {
		return errLine(KindBusy, "restore requires quiesced I/O")
	}

	rec, validCount, err := a.persist.Load()
	if err != nil {
		return errFromRemapErr(err)
	}

	if err := reloadTable(a.table, rec); err != nil {
		return errFromRemapErr(err)
	}

	if validCount < a.cfg.MetadataCopies {
		a.persist.Kick()
	}

	return "ok"
}

func parseSector(s string) (Sector, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a sector number: %q", s)
	}

	return v, nil
}

func errLine(kind Kind, format string, args ...interface{}) string {
	return fmt.Sprintf("err %s %s", kind, fmt.Sprintf(format, args...))
}

func errFromRemapErr(err error) string {
	if re, ok := err.(*RemapError); ok {
		return errLine(re.Kind, "%s", re.Msg)
	}

	return errLine(KindInternal, "%v", err)
}
