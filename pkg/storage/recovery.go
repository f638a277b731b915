package storage

// recoverStream is run once, on open, against a stream whose segment files
// already existed on disk. It re-derives the in-memory tip (nextOffset,
// tip hash) by trusting the latest checkpoint and rescanning only the
// segment tail after it, verifying the hash chain as it goes; any record
// that fails to decode or fails to chain marks the boundary of a crash
// mid-write, and everything from that point on is truncated away (spec
// §4.2 Recovery: "verify checkpoint, rescan tail, truncate at last
// self-consistent record").
func recoverStream(s *Stream) error {
	var anchorHash = ZeroHash
	var anchorOffset Offset = 0
	if cp, ok := s.checkpoints.Latest(); ok {
		anchorHash = cp.Hash
		anchorOffset = cp.Offset + 1
	}

	var segIdx = 0
	var pos int64 = segmentHeaderSize
	if entry, ok := s.index.Floor(anchorOffset); ok {
		segIdx = s.segmentIndexByNumber(entry.Segment)
		pos = entry.BytePos
		if entry.Offset < anchorOffset {
			var rec, n, err = s.segments[segIdx].ReadAt(pos)
			if err == nil && rec.VerifyChain(anchorHash) {
				anchorHash = rec.Hash
				pos += int64(n)
			}
		}
	}

	var tip = anchorHash
	var next = anchorOffset

	for segIdx < len(s.segments) {
		var seg = s.segments[segIdx]
		var stopPos = pos
	scan:
		for stopPos < seg.Size() {
			var rec, n, err = seg.ReadAt(stopPos)
			if err != nil || !rec.VerifyChain(tip) {
				break scan
			}
			if _, indexed := s.index.Lookup(rec.Offset); !indexed {
				if err := s.index.Insert(indexEntry{Offset: rec.Offset, Segment: uint64(seg.Number), BytePos: stopPos}); err != nil {
					return err
				}
			}
			tip = rec.Hash
			next = rec.Offset + 1
			stopPos += int64(n)
		}
		if stopPos < seg.Size() {
			// A partially-written or corrupt tail record: truncate it away.
			// This can only legitimately happen on the very last segment;
			// an inconsistent interior segment indicates a corruption the
			// engine cannot safely repair automatically.
			if segIdx != len(s.segments)-1 {
				return newStorageErr(ErrCorruptSegment, s.id, "non-tail segment has an unverifiable record", nil)
			}
			if err := seg.Truncate(stopPos); err != nil {
				return err
			}
			seg.Sync()
		}
		pos = segmentHeaderSize
		segIdx++
	}

	s.tip = tip
	s.nextOffset = next
	return nil
}
