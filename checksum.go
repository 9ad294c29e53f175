package remap

import (
	"encoding/binary"
	"hash/crc32"
)

// defaultEncoding is the fixed little-endian byte order spec.md §6 requires
// for every on-disk integer.
var defaultEncoding = binary.LittleEndian

// crcTable is the standard IEEE polynomial table; the on-disk format (§6)
// only needs a CRC32 over the record, not a particular variant, so the
// stdlib's default table is used rather than pulling in a third-party CRC
// package for a single, unremarkable checksum.
var crcTable = crc32.MakeTable(crc32.IEEE)

// recordChecksum computes the CRC32 of buf as if the 4 bytes at crcFieldOffset
// were zero, matching spec.md §6: "crc32 (4 bytes; computed over the entire
// record with this field zeroed)".
func recordChecksum(buf []byte, crcFieldOffset int) uint32 {
	if crcFieldOffset < 0 || crcFieldOffset+4 > len(buf) {
		return 0
	}

	var saved [4]byte
	copy(saved[:], buf[crcFieldOffset:crcFieldOffset+4])

	for i := 0; i < 4; i++ {
		buf[crcFieldOffset+i] = 0
	}

	sum := crc32.Checksum(buf, crcTable)

	copy(buf[crcFieldOffset:crcFieldOffset+4], saved[:])

	return sum
}
