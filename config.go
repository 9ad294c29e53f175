package remap

// SectorSize is the fixed logical sector size the target exposes, per the
// data model (§3): a 512-byte logical unit.
const SectorSize = 512

// defaultMetadataCopies is N, the redundant on-disk copy count (§6 default).
const defaultMetadataCopies = 5

// defaultBlockSize is the buffered-I/O block granularity (§4.4, §6).
const defaultBlockSize = 4096

// defaultStrideBlocks is the fixed spacing between metadata copies, in
// blocks of BlockSize, matching the source's fixed offsets 0, 32, 64, 96,
// 128 (§9 design note).
const defaultStrideBlocks = 32

// Config carries every per-target parameter as a value constructed once at
// NewTarget and threaded through every subordinate component, rather than as
// live-tunable module-scope globals. The package keeps no process-wide
// mutable state: even the diagnostic counters in Stats belong to one Target.
type Config struct {
	// LogicalStart is the first logical sector this target exposes on the
	// main device (positional parameter, §6).
	LogicalStart uint64

	// LogicalLength is the number of logical sectors in [LogicalStart,
	// LogicalStart+LogicalLength) that this target exposes.
	LogicalLength uint64

	// MetadataCopies is N, the redundant metadata copy count.
	MetadataCopies int

	// BlockSize is the buffered block I/O granularity in bytes; must be a
	// power of two multiple of SectorSize.
	BlockSize uint32

	// StrideBlocks is the spacing, in BlockSize blocks, between consecutive
	// metadata copies on the spare device.
	StrideBlocks uint32

	// MetadataRegionSectors is the number of logical-sector-sized units at
	// the head of the spare device reserved for metadata. If zero, it is
	// derived from MetadataCopies, StrideBlocks, and BlockSize.
	MetadataRegionSectors uint64
}

// DefaultConfig returns a Config with every optional field set to the
// defaults named in spec.md §6.
func DefaultConfig(logicalStart, logicalLength uint64) Config {
	return Config{
		LogicalStart:   logicalStart,
		LogicalLength:  logicalLength,
		MetadataCopies: defaultMetadataCopies,
		BlockSize:      defaultBlockSize,
		StrideBlocks:   defaultStrideBlocks,
	}
}

// normalize fills in any zero-valued optional field with its default and
// derives MetadataRegionSectors when the caller left it at zero.
func (c Config) normalize() Config {
	if c.MetadataCopies == 0 {
		c.MetadataCopies = defaultMetadataCopies
	}

	if c.BlockSize == 0 {
		c.BlockSize = defaultBlockSize
	}

	if c.StrideBlocks == 0 {
		c.StrideBlocks = defaultStrideBlocks
	}

	if c.MetadataRegionSectors == 0 {
		totalBlocks := uint64(c.MetadataCopies) * uint64(c.StrideBlocks)
		bytesPerSector := uint64(SectorSize)
		totalBytes := totalBlocks * uint64(c.BlockSize)

		c.MetadataRegionSectors = (totalBytes + bytesPerSector - 1) / bytesPerSector
	}

	return c
}

// copyOffsetBlocks returns the block offset of metadata copy i.
func (c Config) copyOffsetBlocks(i int) uint64 {
	return uint64(i) * uint64(c.StrideBlocks)
}

// spareDataStart is the first sector of the spare device's data region, the
// first sector strictly beyond the metadata region.
func (c Config) spareDataStart() uint64 {
	return c.MetadataRegionSectors
}
