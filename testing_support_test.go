package remap

import (
	"errors"
	"sync"
)

// memDevice is an in-memory BlockDevice standing in for a real spare or main
// device in tests, avoiding any dependency on a real filesystem device.
type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func newMemDevice(sectors uint64) *memDevice {
	return &memDevice{data: make([]byte, sectors*SectorSize)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := copy(p, d.data[off:])

	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := copy(d.data[off:], p)

	return n, nil
}

func (d *memDevice) SectorCount() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return uint64(len(d.data)) / SectorSize, nil
}

func (d *memDevice) Sync() error {
	return nil
}

var _ BlockDevice = (*memDevice)(nil)

// byteRange is a half-open [start, end) byte-offset range.
type byteRange struct {
	start, end int64
}

func (r byteRange) overlaps(off int64, n int) bool {
	return off < r.end && off+int64(n) > r.start
}

// faultDevice wraps a BlockDevice and lets a test inject deterministic
// read or write failures over specific byte-offset ranges, so tests can
// exercise partial-copy write failures and corrupted-copy reads without a
// real faulty block device.
type faultDevice struct {
	BlockDevice

	mu         sync.Mutex
	failWrites []byteRange
	failReads  []byteRange
}

func newFaultDevice(dev BlockDevice) *faultDevice {
	return &faultDevice{BlockDevice: dev}
}

// failWriteRange makes every WriteAt overlapping [start, start+length) fail
// until the range is cleared.
func (d *faultDevice) failWriteRange(start, length int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failWrites = append(d.failWrites, byteRange{start, start + length})
}

// failReadRange makes every ReadAt overlapping [start, start+length) fail
// until the range is cleared.
func (d *faultDevice) failReadRange(start, length int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failReads = append(d.failReads, byteRange{start, start + length})
}

func (d *faultDevice) clearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failWrites = nil
	d.failReads = nil
}

func (d *faultDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	for _, r := range d.failWrites {
		if r.overlaps(off, len(p)) {
			d.mu.Unlock()
			return 0, errors.New("injected write fault")
		}
	}
	d.mu.Unlock()

	return d.BlockDevice.WriteAt(p, off)
}

func (d *faultDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	for _, r := range d.failReads {
		if r.overlaps(off, len(p)) {
			d.mu.Unlock()
			return 0, errors.New("injected read fault")
		}
	}
	d.mu.Unlock()

	return d.BlockDevice.ReadAt(p, off)
}

var _ BlockDevice = (*faultDevice)(nil)
