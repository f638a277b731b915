package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempEngine(t *testing.T) *Engine {
	t.Helper()
	var dir = t.TempDir()
	var eng, err = Open(dir, EngineOptions{Fsync: FsyncAlways, CheckpointEvery: 4})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestAppendAndVerifiedReadRoundTrip(t *testing.T) {
	var eng = tempEngine(t)
	var st, err = eng.Stream(1, 100)
	require.NoError(t, err)

	var first, appendErr = st.AppendBatch([][]byte{[]byte("a"), []byte("b"), []byte("c")}, 1000)
	require.NoError(t, appendErr)
	require.Equal(t, Offset(0), first)

	var recs, readErr = st.ReadFrom(0, 2)
	require.NoError(t, readErr)
	require.Len(t, recs, 3)
	require.Equal(t, []byte("a"), recs[0].Payload)
	require.Equal(t, []byte("b"), recs[1].Payload)
	require.Equal(t, []byte("c"), recs[2].Payload)
}

func TestAppendBatchRejectsEmpty(t *testing.T) {
	var eng = tempEngine(t)
	var st, err = eng.Stream(1, 1)
	require.NoError(t, err)

	var _, appendErr = st.AppendBatch(nil, 0)
	require.Error(t, appendErr)
	var serr, ok = appendErr.(*StorageError)
	require.True(t, ok)
	require.Equal(t, ErrInvalidArgument, serr.Kind)
}

func TestCheckpointEnablesAnchoredVerifiedRead(t *testing.T) {
	var eng = tempEngine(t)
	var st, err = eng.Stream(1, 2)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		var _, appendErr = st.AppendBatch([][]byte{[]byte{byte(i)}}, int64(i))
		require.NoError(t, appendErr)
	}
	// checkpointEvery is 4, so two checkpoints should already exist.
	require.GreaterOrEqual(t, len(st.checkpoints.All()), 2)

	var recs, readErr = st.ReadFrom(9, 9)
	require.NoError(t, readErr)
	require.Len(t, recs, 1)
	require.Equal(t, []byte{9}, recs[0].Payload)
}

func TestReadPastTipClampsInsteadOfErroring(t *testing.T) {
	var eng = tempEngine(t)
	var st, err = eng.Stream(1, 3)
	require.NoError(t, err)
	var _, appendErr = st.AppendBatch([][]byte{[]byte("only")}, 0)
	require.NoError(t, appendErr)

	// to (5) extends past the tip (nextOffset 1): clamps to the last
	// present offset rather than erroring (spec §8).
	var recs, readErr = st.ReadFrom(0, 5)
	require.NoError(t, readErr)
	require.Len(t, recs, 1)
	require.Equal(t, Offset(0), recs[0].Offset)
}

func TestReadFromPastTipIsEmpty(t *testing.T) {
	var eng = tempEngine(t)
	var st, err = eng.Stream(1, 3)
	require.NoError(t, err)
	var _, appendErr = st.AppendBatch([][]byte{[]byte("only")}, 0)
	require.NoError(t, appendErr)

	// from (5) is already past the tip: returns an empty, error-free
	// result rather than ErrNotFound (spec §8: "Read at offset > head:
	// returns empty vec, not error").
	var recs, readErr = st.ReadFrom(5, 9)
	require.NoError(t, readErr)
	require.Empty(t, recs)
}

func TestCrashRecoveryTruncatesTornTailRecord(t *testing.T) {
	var dir = t.TempDir()

	func() {
		var eng, err = Open(dir, EngineOptions{Fsync: FsyncAlways, CheckpointEvery: 1000})
		require.NoError(t, err)
		var st, streamErr = eng.Stream(1, 4)
		require.NoError(t, streamErr)
		var _, appendErr = st.AppendBatch([][]byte{[]byte("one"), []byte("two")}, 0)
		require.NoError(t, appendErr)
		require.NoError(t, eng.Close())
	}()

	// Simulate a torn write: append garbage bytes to the tail segment.
	var streamDir = filepath.Join(dir, "stream-0000000000000004")
	var segPath = segmentPath(streamDir, 0)
	var f, openErr = os.OpenFile(segPath, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, openErr)
	_, writeErr := f.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02})
	require.NoError(t, writeErr)
	require.NoError(t, f.Close())

	var eng2, reopenErr = Open(dir, EngineOptions{Fsync: FsyncAlways, CheckpointEvery: 1000})
	require.NoError(t, reopenErr)
	defer eng2.Close()

	var st2, streamErr = eng2.Stream(1, 4)
	require.NoError(t, streamErr)
	var recs, readErr = st2.ReadFrom(0, 1)
	require.NoError(t, readErr)
	require.Len(t, recs, 2)
	require.Equal(t, []byte("one"), recs[0].Payload)
	require.Equal(t, []byte("two"), recs[1].Payload)

	// Recovery should allow further appends to continue cleanly past the
	// truncated garbage.
	var next, appendErr = st2.AppendBatch([][]byte{[]byte("three")}, 0)
	require.NoError(t, appendErr)
	require.Equal(t, Offset(2), next)
}

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	var dir = t.TempDir()
	var eng, err = Open(dir, EngineOptions{})
	require.NoError(t, err)
	defer eng.Close()

	var _, secondErr = Open(dir, EngineOptions{})
	require.Error(t, secondErr)
}

func TestSieveCacheEvictsUnvisitedFirst(t *testing.T) {
	var c = NewSieveCache(2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // mark a visited
	c.Put("c", 3)
	// b was never visited, so it should be the one evicted.
	var _, bOk = c.Get("b")
	require.False(t, bOk)
	var _, aOk = c.Get("a")
	require.True(t, aOk)
	var _, cOk = c.Get("c")
	require.True(t, cOk)
}

func TestSuperblockRoundTrip(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "super.ksbk")

	var _, ok, err = ReadSuperblock(path)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, WriteSuperblock(path, Superblock{View: 3, LastOp: 42, CommitNumber: 40, LastCheckpoint: 39}))
	var sb, ok2, err2 = ReadSuperblock(path)
	require.NoError(t, err2)
	require.True(t, ok2)
	require.Equal(t, uint64(3), sb.View)
	require.Equal(t, uint64(42), sb.LastOp)
	require.Equal(t, uint64(40), sb.CommitNumber)
	require.Equal(t, Offset(39), sb.LastCheckpoint)
}

func TestAESGCMSealOpenRoundTrip(t *testing.T) {
	var key TenantKey
	for i := range key {
		key[i] = byte(i)
	}
	var ciphertext, err = SealPayload(key, 7, 128, []byte("secret payload"))
	require.NoError(t, err)

	var plaintext, openErr = OpenPayload(key, 7, 128, ciphertext)
	require.NoError(t, openErr)
	require.Equal(t, []byte("secret payload"), plaintext)

	var _, badErr = OpenPayload(key, 7, 129, ciphertext)
	require.Error(t, badErr)
}

func TestKeyringForgetWipesKey(t *testing.T) {
	var kr = NewKeyring()
	var key TenantKey
	key[0] = 0xFF
	kr.Set(5, key)

	var got, ok = kr.Get(5)
	require.True(t, ok)
	require.Equal(t, byte(0xFF), got[0])

	require.NoError(t, kr.Forget(5))
	var _, ok2 = kr.Get(5)
	require.False(t, ok2)

	require.Error(t, kr.Forget(5))
}
