package remap

import (
	"testing"
)

func testCodecConfig() Config {
	return Config{
		LogicalLength: 10000,
		MetadataCopies: 3,
		BlockSize:      512,
		StrideBlocks:   4,
	}.normalize()
}

func testRecord(cfg Config, entries []RemapEntry) MetadataRecord {
	return MetadataRecord{
		Header: MetadataRecordHeader{
			Seq:            1,
			TimestampNs:    123456,
			LogicalLength:  cfg.LogicalLength,
			SpareDataStart: cfg.spareDataStart(),
			SpareDataEnd:   cfg.spareDataStart() + 1000,
			CopyCount:      uint32(cfg.MetadataCopies),
			BlockSize:      cfg.BlockSize,
		},
		Entries: entries,
	}
}

func TestCodec_EncodeDecodeRoundTrip(t *testing.T) {
	cfg := testCodecConfig()

	entries := []RemapEntry{
		{Bad: 5, Spare: cfg.spareDataStart() + 1, CreatedNs: 1, EntryFlags: FlagAdministrative},
		{Bad: 9, Spare: cfg.spareDataStart() + 2, CreatedNs: 2, EntryFlags: FlagAuto},
	}

	rec := testRecord(cfg, entries)

	buf, err := encodeMetadataRecord(rec, cfg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	if len(buf)%int(cfg.BlockSize) != 0 {
		t.Fatalf("encoded record size (%d) is not a whole number of blocks", len(buf))
	}

	decoded, err := decodeMetadataRecord(buf, cfg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.Header.Seq != rec.Header.Seq {
		t.Fatalf("decoded seq (%d) != encoded seq (%d)", decoded.Header.Seq, rec.Header.Seq)
	}

	if len(decoded.Entries) != len(entries) {
		t.Fatalf("decoded (%d) entries, expected (%d)", len(decoded.Entries), len(entries))
	}

	for i, e := range entries {
		if decoded.Entries[i] != e {
			t.Fatalf("decoded entry %d = %+v, expected %+v", i, decoded.Entries[i], e)
		}
	}
}

func TestCodec_DecodeRejectsBadMagic(t *testing.T) {
	cfg := testCodecConfig()
	rec := testRecord(cfg, nil)

	buf, err := encodeMetadataRecord(rec, cfg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	buf[0] ^= 0xff

	_, err = decodeMetadataRecord(buf, cfg)
	if kind, ok := KindOf(err); !ok || kind != KindMetadataCorrupt {
		t.Fatalf("expected KindMetadataCorrupt for a corrupted magic, got %v", err)
	}
}

func TestCodec_DecodeRejectsCrcMismatch(t *testing.T) {
	cfg := testCodecConfig()
	rec := testRecord(cfg, []RemapEntry{{Bad: 1, Spare: cfg.spareDataStart()}})

	buf, err := encodeMetadataRecord(rec, cfg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	buf[headerSize] ^= 0xff

	_, err = decodeMetadataRecord(buf, cfg)
	if kind, ok := KindOf(err); !ok || kind != KindMetadataCorrupt {
		t.Fatalf("expected KindMetadataCorrupt for a crc mismatch, got %v", err)
	}
}

func TestCodec_DecodeRejectsMismatchedLayoutParams(t *testing.T) {
	cfg := testCodecConfig()
	rec := testRecord(cfg, nil)

	buf, err := encodeMetadataRecord(rec, cfg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	otherCfg := cfg
	otherCfg.BlockSize = cfg.BlockSize * 2

	_, err = decodeMetadataRecord(buf, otherCfg)
	if kind, ok := KindOf(err); !ok || kind != KindMetadataCorrupt {
		t.Fatalf("expected KindMetadataCorrupt for mismatched layout params, got %v", err)
	}
}

func TestCodec_DecodeRejectsOutOfRangeEntry(t *testing.T) {
	cfg := testCodecConfig()
	rec := testRecord(cfg, []RemapEntry{{Bad: cfg.LogicalLength + 1, Spare: cfg.spareDataStart()}})

	buf, err := encodeMetadataRecord(rec, cfg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	_, err = decodeMetadataRecord(buf, cfg)
	if kind, ok := KindOf(err); !ok || kind != KindMetadataCorrupt {
		t.Fatalf("expected KindMetadataCorrupt for an out-of-range bad sector, got %v", err)
	}
}

func TestCodec_PeekHeaderRecoversLayoutWithoutConfig(t *testing.T) {
	cfg := testCodecConfig()
	rec := testRecord(cfg, nil)

	buf, err := encodeMetadataRecord(rec, cfg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	header, err := peekHeader(buf)
	if err != nil {
		t.Fatalf("peekHeader failed: %v", err)
	}

	if header.LogicalLength != cfg.LogicalLength {
		t.Fatalf("peeked LogicalLength (%d) != (%d)", header.LogicalLength, cfg.LogicalLength)
	}

	if header.BlockSize != cfg.BlockSize || header.CopyCount != uint32(cfg.MetadataCopies) {
		t.Fatalf("peeked layout params do not match the encoded config")
	}
}

func TestCodec_EncodePanicsWhenRecordExceedsCopySize(t *testing.T) {
	cfg := Config{
		LogicalLength:  100,
		MetadataCopies: 3,
		BlockSize:      512,
		StrideBlocks:   1,
	}.normalize()

	entries := make([]RemapEntry, 100)
	rec := testRecord(cfg, entries)

	_, err := encodeMetadataRecord(rec, cfg)
	if err == nil {
		t.Fatalf("expected encode to fail when the record body overflows one copy's reserved space")
	}
}
