package remap

import (
	"io"
	"os"
)

// BlockDevice is the abstraction the I/O path and the persistence engine
// use for both the main and spare devices. The host block-layer glue that
// actually registers a target and dispatches requests into this interface
// is out of scope (§1); this package only needs something it can read from,
// write to, and size.
type BlockDevice interface {
	// ReadAt reads len(p) bytes starting at byte offset off.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes starting at byte offset off.
	WriteAt(p []byte, off int64) (n int, err error)

	// SectorCount returns the device's total size in SectorSize units.
	SectorCount() (uint64, error)
}

// FileBlockDevice adapts an *os.File to BlockDevice, standing in for a real
// block device by wrapping a plain file handle behind a narrow interface.
type FileBlockDevice struct {
	f *os.File
}

// NewFileBlockDevice opens path for reading and writing and wraps it as a
// BlockDevice.
func NewFileBlockDevice(path string) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, wrapErr(KindInternal, err, "open block device: %s", path)
	}

	return &FileBlockDevice{f: f}, nil
}

// ReadAt implements BlockDevice.
func (fbd *FileBlockDevice) ReadAt(p []byte, off int64) (int, error) {
	return fbd.f.ReadAt(p, off)
}

// WriteAt implements BlockDevice.
func (fbd *FileBlockDevice) WriteAt(p []byte, off int64) (int, error) {
	return fbd.f.WriteAt(p, off)
}

// SectorCount implements BlockDevice.
func (fbd *FileBlockDevice) SectorCount() (uint64, error) {
	fi, err := fbd.f.Stat()
	if err != nil {
		return 0, err
	}

	return uint64(fi.Size()) / SectorSize, nil
}

// Sync flushes any OS-buffered writes for the underlying file.
func (fbd *FileBlockDevice) Sync() error {
	return fbd.f.Sync()
}

// Close closes the underlying file.
func (fbd *FileBlockDevice) Close() error {
	return fbd.f.Close()
}

// File exposes the underlying *os.File for callers (the block-I/O layer)
// that need an *os.File specifically rather than just io.ReaderAt/WriterAt.
func (fbd *FileBlockDevice) File() *os.File {
	return fbd.f
}

// Fd exposes the underlying file descriptor so platform-specific flush
// paths (blockio_linux.go) can call fdatasync directly.
func (fbd *FileBlockDevice) Fd() uintptr {
	return fbd.f.Fd()
}

var _ io.ReaderAt = (*FileBlockDevice)(nil)
var _ io.WriterAt = (*FileBlockDevice)(nil)
