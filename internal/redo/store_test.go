package redo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendSaveReplay(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	rec1 := &Record{TrxID: 1, Writes: []Write{{MapName: "t1", Key: []byte("a"), Value: []byte("va")}}}
	rec2 := &Record{TrxID: 2, Writes: []Write{{MapName: "t1", Key: []byte("b"), Value: nil}}}

	require.NoError(t, store.Append(1, rec1))
	require.NoError(t, store.Append(2, rec2))
	require.NoError(t, store.Save())
	require.NoError(t, store.Close())

	store2, err := Open(dir)
	require.NoError(t, err)

	var got []*Record
	err = store2.Replay(func(opID int64, rec *Record) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].TrxID)
	assert.Equal(t, []byte("a"), got[0].Writes[0].Key)
	assert.Nil(t, got[1].Writes[0].Value)
	assert.Equal(t, int64(2), store2.HighestOpID())
}

func TestReplayToleratesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	rec := &Record{TrxID: 1, Writes: []Write{{MapName: "t1", Key: []byte("a"), Value: []byte("va")}}}
	require.NoError(t, store.Append(1, rec))
	require.NoError(t, store.Append(2, rec))
	require.NoError(t, store.Save())
	require.NoError(t, store.Close())

	path := filepath.Join(dir, "redo.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := data[:len(data)-3]
	require.NoError(t, os.WriteFile(path, truncated, 0644))

	store2, err := Open(dir)
	require.NoError(t, err)

	var count int
	err = store2.Replay(func(opID int64, rec *Record) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAppendReusesBufferPool(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	rec := &Record{TrxID: 1, Writes: []Write{{MapName: "t1", Key: []byte("a"), Value: []byte("va")}}}
	require.NoError(t, store.Append(1, rec))

	acquired := store.bufPool.Acquire()
	assert.Equal(t, 0, len(acquired))
	assert.Greater(t, cap(acquired), 0)
}

func TestTrimDropsFramesBelowBoundary(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	for opID := int64(1); opID <= 4; opID++ {
		rec := &Record{TrxID: opID, Writes: []Write{{MapName: "t1", Key: []byte("a"), Value: []byte("v")}}}
		require.NoError(t, store.Append(opID, rec))
	}
	require.NoError(t, store.Save())

	require.NoError(t, store.Trim(3))

	var seen []int64
	err = store.Replay(func(opID int64, rec *Record) error {
		seen = append(seen, opID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, seen)
	assert.Equal(t, int64(4), store.HighestOpID())
}

func TestTrimThenAppendContinuesCleanly(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	for opID := int64(1); opID <= 2; opID++ {
		rec := &Record{TrxID: opID, Writes: []Write{{MapName: "t1", Key: []byte("a"), Value: []byte("v")}}}
		require.NoError(t, store.Append(opID, rec))
	}
	require.NoError(t, store.Save())
	require.NoError(t, store.Trim(2))

	rec3 := &Record{TrxID: 3, Writes: []Write{{MapName: "t1", Key: []byte("b"), Value: []byte("w")}}}
	require.NoError(t, store.Append(3, rec3))
	require.NoError(t, store.Save())

	var seen []int64
	err = store.Replay(func(opID int64, rec *Record) error {
		seen = append(seen, opID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, seen)
}

func TestCompressionRoundTripsLargeRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	writes := make([]Write, 0, 50)
	for i := 0; i < 50; i++ {
		writes = append(writes, Write{MapName: "t1", Key: []byte("key"), Value: []byte("some reasonably sized value payload to push past the compression threshold")})
	}
	rec := &Record{TrxID: 9, Writes: writes}
	require.NoError(t, store.Append(9, rec))
	require.NoError(t, store.Save())
	require.NoError(t, store.Close())

	store2, err := Open(dir)
	require.NoError(t, err)
	var got *Record
	err = store2.Replay(func(opID int64, rec *Record) error {
		got = rec
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Writes, 50)
}
