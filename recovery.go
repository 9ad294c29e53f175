package remap

// reloadTable rebuilds table in place from a decoded metadata record's
// entries and persisted layout, used by both target-open recovery and the
// admin `restore` command (§4.4 read/open protocol, §4.5).
func reloadTable(table *Table, rec MetadataRecord) error {
	return table.ResetFrom(rec.Entries, Sector(rec.Header.SpareDataStart), Sector(rec.Header.SpareDataEnd))
}

// OpenUnlabeled reconstructs a Target from a spare device whose layout
// parameters are not known ahead of time: it scans the default copy
// offsets, recovers layout_params from whichever copy's header it can
// parse, and then opens normally with the reconstructed Config. Locating an
// unlabeled spare device in the first place is someone else's problem; this
// only covers the case where the caller already has a device handle but not
// its target parameters.
//
// logicalStart cannot be recovered from the header (it is not part of the
// persisted layout_params) and defaults to 0; a caller that knows the
// original logical_start should use NewTarget directly instead.
func OpenUnlabeled(mainDev, spareDev BlockDevice) (*Target, error) {
	guess := DefaultConfig(0, 0).normalize()

	bio := NewBlockIO(spareDev, guess.BlockSize)
	blocksPerHeader := (headerSize + int(guess.BlockSize) - 1) / int(guess.BlockSize)

	var (
		header MetadataRecordHeader
		found  bool
	)

	for i := 0; i < guess.MetadataCopies; i++ {
		baseBlock := guess.copyOffsetBlocks(i)

		buf := make([]byte, 0, blocksPerHeader*int(guess.BlockSize))

		ok := true

		for b := 0; b < blocksPerHeader; b++ {
			block, err := bio.ReadBlock(baseBlock + uint64(b))
			if err != nil {
				ok = false
				break
			}

			buf = append(buf, block...)
		}

		if !ok {
			continue
		}

		h, err := peekHeader(buf)
		if err != nil {
			continue
		}

		header = h
		found = true

		break
	}

	if !found {
		return nil, newErr(KindMetadataUnavailable, "no recognizable metadata header found on spare device")
	}

	cfg := Config{
		LogicalStart:          0,
		LogicalLength:         header.LogicalLength,
		MetadataCopies:        int(header.CopyCount),
		BlockSize:             header.BlockSize,
		StrideBlocks:          guess.StrideBlocks,
		MetadataRegionSectors: header.SpareDataStart,
	}.normalize()

	return NewTarget(cfg, mainDev, spareDev)
}
