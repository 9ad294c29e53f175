package remap

import (
	"sync"

	"github.com/dsoprea/go-logging"
)

// BlockIO is a 4 KiB-granularity (or whatever cfg.BlockSize is) read/write-
// back interface over a device, with an explicit flush boundary (§9 design
// note: "any implementation... is acceptable so long as the flush boundary
// is honored before acknowledging save"). Writes land in an in-memory
// write-back cache; Flush and FlushRange durably persist staged blocks, and
// the persistence engine uses FlushRange per metadata copy so it can tell
// which specific copy's blocks actually reached the device.
type BlockIO struct {
	dev       BlockDevice
	blockSize uint32

	mu    sync.Mutex
	dirty map[uint64][]byte
}

// NewBlockIO wraps dev with a write-back cache at the given block size.
func NewBlockIO(dev BlockDevice, blockSize uint32) *BlockIO {
	return &BlockIO{
		dev:       dev,
		blockSize: blockSize,
		dirty:     make(map[uint64][]byte),
	}
}

// ReadBlock reads one block, preferring an uncommitted write-back entry over
// the device if present.
func (b *BlockIO) ReadBlock(blockIndex uint64) (data []byte, err error) {
	b.mu.Lock()
	if cached, ok := b.dirty[blockIndex]; ok {
		data = make([]byte, len(cached))
		copy(data, cached)
		b.mu.Unlock()

		return data, nil
	}
	b.mu.Unlock()

	data = make([]byte, b.blockSize)
	off := int64(blockIndex) * int64(b.blockSize)

	_, err = b.dev.ReadAt(data, off)
	if err != nil {
		return nil, wrapErr(KindPersistenceIO, err, "read block (%d)", blockIndex)
	}

	return data, nil
}

// WriteBlock stages data for block blockIndex in the write-back cache; it is
// not durable until Flush succeeds.
func (b *BlockIO) WriteBlock(blockIndex uint64, data []byte) error {
	if uint32(len(data)) != b.blockSize {
		return newErr(KindInternal, "write-block size mismatch: (%d) != (%d)", len(data), b.blockSize)
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	b.mu.Lock()
	b.dirty[blockIndex] = buf
	b.mu.Unlock()

	return nil
}

// Flush writes every staged block to the device and waits for the
// platform's durability barrier (fsync/fdatasync) before returning, making
// every outstanding block durable regardless of which copy it belongs to.
// The persistence engine (and so the admin `save` command) does not call
// it; it uses FlushRange once per copy.
func (b *BlockIO) Flush() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	b.mu.Lock()
	var allIdx []uint64
	for idx := range b.dirty {
		allIdx = append(allIdx, idx)
	}
	b.mu.Unlock()

	if len(allIdx) == 0 {
		return nil
	}

	lo, hi := allIdx[0], allIdx[0]
	for _, idx := range allIdx {
		if idx < lo {
			lo = idx
		}
		if idx > hi {
			hi = idx
		}
	}

	return b.FlushRange(lo, hi-lo+1)
}

// FlushRange writes every currently staged block whose index falls in
// [startBlock, startBlock+count) to the device and waits for the platform's
// durability barrier, leaving blocks outside the range untouched. This lets
// a caller durably commit one metadata copy's blocks independently of any
// other copy's, so a write failure confined to one copy's range does not
// block, or falsely implicate, the others.
//
// On failure every block this call staged for writing is put back into the
// dirty set (not just the one that failed) so a retry re-attempts the whole
// range.
func (b *BlockIO) FlushRange(startBlock, count uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	b.mu.Lock()
	pending := make(map[uint64][]byte, count)
	for i := uint64(0); i < count; i++ {
		idx := startBlock + i
		if data, ok := b.dirty[idx]; ok {
			pending[idx] = data
			delete(b.dirty, idx)
		}
	}
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	restore := func() {
		b.mu.Lock()
		for idx, d := range pending {
			b.dirty[idx] = d
		}
		b.mu.Unlock()
	}

	for blockIndex, data := range pending {
		off := int64(blockIndex) * int64(b.blockSize)

		if _, werr := b.dev.WriteAt(data, off); werr != nil {
			restore()

			return wrapErr(KindPersistenceIO, werr, "write block (%d)", blockIndex)
		}
	}

	if err := flushDevice(b.dev); err != nil {
		restore()

		return wrapErr(KindPersistenceIO, err, "durability barrier")
	}

	return nil
}
