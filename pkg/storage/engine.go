package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Engine owns one directory of segmented, hash-chained streams: it is the
// storage-side half of a Kimberlite replica, holding an exclusive advisory
// lock on its data directory for as long as it's open (spec §4.2 "Engine").
type Engine struct {
	dir      string
	lock     *flock.Flock
	fsync    FsyncPolicy
	checkpointEvery int

	mu      sync.Mutex
	streams map[StreamID]*Stream
	keyring *Keyring
	cache   *SieveCache
}

// EngineOptions configures Open.
type EngineOptions struct {
	Fsync             FsyncPolicy
	CheckpointEvery   int // records between checkpoints; 0 uses DefaultCheckpointInterval
	MetadataCacheSize int // 0 uses a default of 4096 entries
}

// Open acquires dir (creating it if absent), takes an exclusive flock, and
// returns a ready Engine. If another process already holds the lock, Open
// retries with bounded exponential backoff before giving up -- the lock is
// expected to be held only briefly, across process restarts during a
// deploy, not indefinitely (spec §4.2 "at most one process may hold a
// directory open").
func Open(dir string, opts EngineOptions) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "storage: create data directory")
	}

	var lockPath = filepath.Join(dir, ".lock")
	var lk = flock.New(lockPath)

	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	var locked bool
	var lockErr = backoff.Retry(func() error {
		var ok, err = lk.TryLock()
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "storage: acquire directory lock"))
		}
		if !ok {
			return errors.New("storage: directory already locked by another process")
		}
		locked = true
		return nil
	}, bo)
	if lockErr != nil || !locked {
		return nil, newStorageErr(ErrAlreadyLocked, 0, "could not acquire exclusive directory lock", lockErr)
	}

	var checkpointEvery = opts.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = DefaultCheckpointInterval
	}
	var cacheSize = opts.MetadataCacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}

	return &Engine{
		dir:             dir,
		lock:            lk,
		fsync:           opts.Fsync,
		checkpointEvery: checkpointEvery,
		streams:         make(map[StreamID]*Stream),
		keyring:         NewKeyring(),
		cache:           NewSieveCache(cacheSize),
	}, nil
}

// Keyring returns the engine's tenant key store.
func (e *Engine) Keyring() *Keyring { return e.keyring }

// Close releases every open stream and the directory lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.streams {
		st.close()
	}
	e.streams = nil
	return e.lock.Unlock()
}

func (e *Engine) streamDir(stream StreamID) string {
	return filepath.Join(e.dir, fmt.Sprintf("stream-%016x", uint64(stream)))
}

// Stream opens (creating on first use) the named stream, running crash
// recovery on open if this is an existing stream with an unclean tail.
func (e *Engine) Stream(tenant TenantID, id StreamID) (*Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.streams[id]; ok {
		return st, nil
	}

	var dir = e.streamDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var st, err = openStream(dir, tenant, id, e.fsync, e.checkpointEvery)
	if err != nil {
		return nil, err
	}
	e.streams[id] = st
	return st, nil
}

// Stream is one append-only, hash-chained record sequence: a set of
// segment files, an Offset -> physical-location Index, and a
// CheckpointStore of periodic hash-chain anchors.
type Stream struct {
	dir    string
	tenant TenantID
	id     StreamID

	fsync           FsyncPolicy
	checkpointEvery int

	mu               sync.Mutex
	index            *Index
	checkpoints      *CheckpointStore
	segments         []*Segment // ascending by Number; last is the open (unsealed) one
	sinceCheckpoint  int
	tip              DualHash
	nextOffset       Offset
}

func openStream(dir string, tenant TenantID, id StreamID, fsync FsyncPolicy, checkpointEvery int) (*Stream, error) {
	var idx, err = OpenIndex(indexPath(dir))
	if err != nil {
		return nil, err
	}
	var cps, cpErr = OpenCheckpointStore(filepath.Join(dir, "checkpoints.kckp"))
	if cpErr != nil {
		idx.Close()
		return nil, cpErr
	}

	var st = &Stream{
		dir:             dir,
		tenant:          tenant,
		id:              id,
		fsync:           fsync,
		checkpointEvery: checkpointEvery,
		index:           idx,
		checkpoints:     cps,
		tip:             ZeroHash,
	}

	if err := st.reopenSegmentsAndRecover(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Stream) segmentDir() string { return s.dir }

// reopenSegmentsAndRecover discovers existing segment files in ascending
// order, opens them, and runs the crash-recovery scan described in
// recovery.go. If no segments exist yet, it creates segment 0.
func (s *Stream) reopenSegmentsAndRecover() error {
	var entries, err = os.ReadDir(s.segmentDir())
	if err != nil {
		return err
	}

	var numbers []uint64
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		var n uint64
		if _, scanErr := fmt.Sscanf(ent.Name(), "%020d.seg", &n); scanErr == nil {
			numbers = append(numbers, n)
		}
	}

	if len(numbers) == 0 {
		var seg, createErr = CreateSegment(s.segmentDir(), 0)
		if createErr != nil {
			return createErr
		}
		s.segments = []*Segment{seg}
		s.nextOffset = 0
		s.tip = ZeroHash
		return nil
	}

	sortUint64s(numbers)
	s.segments = make([]*Segment, 0, len(numbers))
	for i, n := range numbers {
		var seg, openErr = OpenSegment(s.segmentDir(), n)
		if openErr != nil {
			return openErr
		}
		if i < len(numbers)-1 {
			seg.Seal()
		}
		s.segments = append(s.segments, seg)
	}

	return recoverStream(s)
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (s *Stream) tail() *Segment { return s.segments[len(s.segments)-1] }

// AppendBatch durably appends events as consecutive records starting at
// the stream's current tip offset, returning the first assigned offset.
// Offset and hash-chain assignment happen under the stream lock so that
// concurrent callers (only possible if a caller misuses one Stream handle
// from multiple goroutines without its own sequencing, which the VSR
// pipeline never does) can never interleave records.
func (s *Stream) AppendBatch(events [][]byte, timestampNanos int64) (Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(events) == 0 {
		return 0, newStorageErr(ErrInvalidArgument, s.id, "append batch must contain at least one event", nil)
	}

	var first = s.nextOffset
	for _, payload := range events {
		if err := s.appendOneLocked(payload, timestampNanos); err != nil {
			return 0, err
		}
	}
	if s.fsync == FsyncAlways {
		if err := s.tail().Sync(); err != nil {
			return 0, err
		}
		if err := s.index.Sync(); err != nil {
			return 0, err
		}
	}
	return first, nil
}

func (s *Stream) appendOneLocked(payload []byte, timestampNanos int64) error {
	if s.tail().Size() >= SegmentCap {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	var rec = &Record{
		PrevHash:  s.tip,
		Tenant:    s.tenant,
		Stream:    s.id,
		Offset:    s.nextOffset,
		Timestamp: timestampNanos,
		Payload:   payload,
	}
	rec.Seal()

	var pos, err = s.tail().AppendRecord(rec)
	if err != nil {
		return err
	}
	if err := s.index.Insert(indexEntry{Offset: rec.Offset, Segment: uint64(s.tail().Number), BytePos: pos}); err != nil {
		return err
	}

	s.tip = rec.Hash
	s.nextOffset++
	s.sinceCheckpoint++
	if s.sinceCheckpoint >= s.checkpointEvery {
		if err := s.checkpointLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) rotateLocked() error {
	var old = s.tail()
	if err := old.Sync(); err != nil {
		return err
	}
	old.Seal()

	var next, err = CreateSegment(s.segmentDir(), uint64(old.Number)+1)
	if err != nil {
		return err
	}
	s.segments = append(s.segments, next)
	return nil
}

// Checkpoint forces a checkpoint at the current tip, regardless of the
// configured interval. It is called automatically every checkpointEvery
// records and can also be called explicitly, e.g. before a planned
// shutdown.
func (s *Stream) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked()
}

func (s *Stream) checkpointLocked() error {
	if s.nextOffset == 0 {
		return nil
	}
	if err := s.tail().Sync(); err != nil {
		return err
	}
	if err := s.checkpoints.Add(Checkpoint{Offset: s.nextOffset - 1, Hash: s.tip}); err != nil {
		return err
	}
	if err := s.index.Compact(); err != nil {
		return err
	}
	s.sinceCheckpoint = 0
	return nil
}

// ReadFrom performs a verified read: it anchors on the nearest checkpoint
// at or before from, replays the hash chain forward record by record, and
// returns every record from from through to (inclusive) once each has been
// confirmed to chain correctly -- the O(k) cost the spec requires, where k
// is the distance from the anchor rather than from genesis (spec §3, §8
// invariant 11).
func (s *Stream) ReadFrom(from, to Offset) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to < from {
		return nil, newStorageErr(ErrInvalidArgument, s.id, "read range end precedes start", nil)
	}
	if from >= s.nextOffset {
		// Read starting past the tip: empty, not an error (spec §8).
		return nil, nil
	}
	if to >= s.nextOffset {
		to = s.nextOffset - 1
	}

	var anchorHash = ZeroHash
	var anchorOffset Offset = 0
	if cp, ok := s.checkpoints.Floor(from); ok {
		anchorHash = cp.Hash
		anchorOffset = cp.Offset + 1
	}

	var entry, ok = s.index.Floor(anchorOffset)
	if !ok {
		return nil, newStorageErr(ErrNotFound, s.id, "no index entry at or before the checkpoint anchor", nil)
	}

	var results []*Record
	var want = anchorOffset
	var chainTip = anchorHash
	var segIdx = s.segmentIndexByNumber(entry.Segment)
	var pos = entry.BytePos
	if entry.Offset < anchorOffset {
		// Floor landed on the record just before the anchor; step forward one.
		var rec, n, err = s.segments[segIdx].ReadAt(pos)
		if err != nil {
			return nil, newStorageErr(ErrCorruptRecord, s.id, "anchor predecessor unreadable", err)
		}
		chainTip = rec.Hash
		pos += int64(n)
	}

	for want <= to {
		if pos >= s.segments[segIdx].Size() {
			segIdx++
			pos = segmentHeaderSize
			if segIdx >= len(s.segments) {
				return nil, newStorageErr(ErrNotFound, s.id, "ran out of segments before reaching requested offset", nil)
			}
			continue
		}
		var rec, n, err = s.segments[segIdx].ReadAt(pos)
		if err != nil {
			return nil, newStorageErr(ErrCorruptRecord, s.id, "record unreadable during verified read", err)
		}
		if !rec.VerifyChain(chainTip) {
			return nil, newStorageErr(ErrHashMismatch, s.id, fmt.Sprintf("hash chain broken at offset %d", rec.Offset), nil)
		}
		if rec.Offset >= from {
			results = append(results, rec)
		}
		chainTip = rec.Hash
		pos += int64(n)
		want++
	}
	return results, nil
}

func (s *Stream) segmentIndexByNumber(n uint64) int {
	for i, seg := range s.segments {
		if uint64(seg.Number) == n {
			return i
		}
	}
	return len(s.segments) - 1
}

// Tip returns the stream's current (offset-after-last, hash) pair.
func (s *Stream) Tip() (Offset, DualHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextOffset, s.tip
}

func (s *Stream) close() {
	for _, seg := range s.segments {
		seg.Close()
	}
	s.index.Close()
}
