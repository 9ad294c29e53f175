package remap

import (
	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// magic is the fixed 32-bit tag identifying this system's metadata records
// (§6). The value has no meaning beyond being a recognizable, unlikely-to-
// collide constant.
const magic uint32 = 0x524d4150 // "RMAP" in ASCII read as a big-endian u32; stored little-endian, the bytes on disk are "PAMR".

// currentVersion is the on-disk format version this package writes and the
// only version it accepts on read (§6: "version (4 bytes; current = 1)").
const currentVersion uint32 = 1

// headerSize is the fixed size, in bytes, of MetadataRecordHeader: the
// entry body begins immediately after it (§6: "begins at a fixed offset
// within the header block (e.g., 0x130)").
const headerSize = 0x130

// reservedSize pads the header out to headerSize; see the field-by-field
// offsets in spec.md §6.
const reservedSize = headerSize - 0x40

// MetadataRecordHeader is the fixed-layout header of one on-disk metadata
// copy (§6, bit-exact for interoperability). Field order here is the wire
// order: restruct packs fields back-to-back with no alignment padding, so
// reordering these fields changes the on-disk format.
type MetadataRecordHeader struct {
	Magic          uint32
	Version        uint32
	Seq            uint64
	TimestampNs    uint64
	Crc32          uint32
	EntryCount     uint32
	LogicalLength  uint64
	SpareDataStart uint64
	SpareDataEnd   uint64
	CopyCount      uint32
	BlockSize      uint32
	Reserved       [reservedSize]byte
}

// MetadataRecord is a self-describing snapshot of a RemapSet (§3): the
// decoded header plus the packed entry body, in insertion-stable order.
type MetadataRecord struct {
	Header  MetadataRecordHeader
	Entries []RemapEntry
}

// encodeMetadataRecord packs rec into a buffer padded to a whole number of
// cfg.BlockSize blocks, with the header's Crc32 field computed over the
// entire record (header-minus-crc-field plus body), per §6.
func encodeMetadataRecord(rec MetadataRecord, cfg Config) (buf []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	rec.Header.Magic = magic
	rec.Header.Version = currentVersion
	rec.Header.EntryCount = uint32(len(rec.Entries))

	headerBytes, err := restruct.Pack(defaultEncoding, &rec.Header)
	log.PanicIf(err)

	if len(headerBytes) != headerSize {
		log.Panicf("encoded header size mismatch: (%d) != (%d)", len(headerBytes), headerSize)
	}

	bodySize := len(rec.Entries) * entryEncodedSize
	recordSize := headerSize + bodySize
	blockSize := int(cfg.BlockSize)
	copySize := int(cfg.StrideBlocks) * blockSize

	if recordSize > copySize {
		log.Panicf("metadata record size (%d) exceeds one copy's reserved space (%d)", recordSize, copySize)
	}

	buf = make([]byte, copySize)
	copy(buf, headerBytes)

	offset := headerSize
	for _, entry := range rec.Entries {
		entryBytes, err := restruct.Pack(defaultEncoding, &entry)
		log.PanicIf(err)

		if len(entryBytes) != entryEncodedSize {
			log.Panicf("encoded entry size mismatch: (%d) != (%d)", len(entryBytes), entryEncodedSize)
		}

		copy(buf[offset:offset+entryEncodedSize], entryBytes)
		offset += entryEncodedSize
	}

	crc := recordChecksum(buf, 0x18)
	defaultEncoding.PutUint32(buf[0x18:0x1c], crc)

	return buf, nil
}

// peekHeader unpacks and minimally validates (magic, version) just the
// header of a metadata copy, without checking it against any particular
// Config. This is what the unlabeled reassembly read-path (§1: "device
// discovery... is out of scope; the reassembly read-path itself IS in
// scope") uses to recover the original layout_params before it knows enough
// to call decodeMetadataRecord.
func peekHeader(buf []byte) (header MetadataRecordHeader, err error) {
	if len(buf) < headerSize {
		return header, newErr(KindMetadataCorrupt, "copy shorter than header: (%d) < (%d)", len(buf), headerSize)
	}

	if unpackErr := restruct.Unpack(buf[:headerSize], defaultEncoding, &header); unpackErr != nil {
		return header, wrapErr(KindMetadataCorrupt, unpackErr, "header decode failed")
	}

	if header.Magic != magic {
		return header, newErr(KindMetadataCorrupt, "bad magic: (0x%08x)", header.Magic)
	}

	if header.Version != currentVersion {
		return header, newErr(KindMetadataCorrupt, "unsupported version: (%d)", header.Version)
	}

	return header, nil
}

// decodeMetadataRecord validates and decodes one metadata copy's raw bytes.
// It returns a *RemapError with Kind KindMetadataCorrupt (never panics to
// the caller) when the copy fails magic, version, layout, or CRC
// validation, so that the open protocol (§4.4) can discard just this copy
// and continue with the others.
func decodeMetadataRecord(buf []byte, cfg Config) (rec MetadataRecord, err error) {
	if len(buf) < headerSize {
		return rec, newErr(KindMetadataCorrupt, "copy shorter than header: (%d) < (%d)", len(buf), headerSize)
	}

	var header MetadataRecordHeader

	if unpackErr := restruct.Unpack(buf[:headerSize], defaultEncoding, &header); unpackErr != nil {
		return rec, wrapErr(KindMetadataCorrupt, unpackErr, "header decode failed")
	}

	if header.Magic != magic {
		return rec, newErr(KindMetadataCorrupt, "bad magic: (0x%08x)", header.Magic)
	}

	if header.Version != currentVersion {
		return rec, newErr(KindMetadataCorrupt, "unsupported version: (%d)", header.Version)
	}

	if header.BlockSize != cfg.BlockSize || header.CopyCount != uint32(cfg.MetadataCopies) {
		return rec, newErr(KindMetadataCorrupt, "layout params do not match configuration")
	}

	bodySize := int(header.EntryCount) * entryEncodedSize
	if headerSize+bodySize > len(buf) {
		return rec, newErr(KindMetadataCorrupt, "entry body exceeds copy size: count=(%d)", header.EntryCount)
	}

	bufCopy := make([]byte, len(buf))
	copy(bufCopy, buf)

	expectedCrc := recordChecksum(bufCopy, 0x18)
	if expectedCrc != header.Crc32 {
		return rec, newErr(KindMetadataCorrupt, "crc mismatch: (0x%08x) != (0x%08x)", header.Crc32, expectedCrc)
	}

	entries := make([]RemapEntry, header.EntryCount)
	offset := headerSize

	for i := range entries {
		var entry RemapEntry

		if unpackErr := restruct.Unpack(buf[offset:offset+entryEncodedSize], defaultEncoding, &entry); unpackErr != nil {
			return rec, wrapErr(KindMetadataCorrupt, unpackErr, "entry (%d) decode failed", i)
		}

		if entry.Bad < cfg.LogicalStart || entry.Bad >= cfg.LogicalStart+cfg.LogicalLength {
			return rec, newErr(KindMetadataCorrupt, "entry (%d) bad sector out of range: (%d)", i, entry.Bad)
		}

		if entry.Spare < header.SpareDataStart || entry.Spare >= header.SpareDataEnd {
			return rec, newErr(KindMetadataCorrupt, "entry (%d) spare sector collides with metadata region: (%d)", i, entry.Spare)
		}

		entries[i] = entry
		offset += entryEncodedSize
	}

	rec.Header = header
	rec.Entries = entries

	return rec, nil
}
