package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredb/coredb/internal/codec"
	"github.com/coredb/coredb/internal/dberr"
	"github.com/coredb/coredb/internal/logsync"
	"github.com/coredb/coredb/internal/redo"
	"github.com/coredb/coredb/internal/storage"
	"github.com/coredb/coredb/internal/txn"
	"github.com/coredb/coredb/internal/txstatus"
)

func newHarness(t *testing.T) (*txn.Engine, *storage.StorageMap) {
	t.Helper()
	dir := t.TempDir()
	store, err := redo.Open(dir)
	require.NoError(t, err)
	sync := logsync.New(store, logsync.Config{Policy: logsync.PolicyPerCommit})
	status := txstatus.New(16, 16)
	e := txn.New(store, sync, status)
	m := storage.New("t1", false)
	return e, m
}

func TestPutGetOwnWriteVisible(t *testing.T) {
	e, m := newHarness(t)
	tx, err := e.Begin(false)
	require.NoError(t, err)

	tm := New(e, m, tx)
	require.NoError(t, tm.Put([]byte("k1"), codec.StringValue("v1")))

	v, err := tm.Get([]byte("k1"))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "v1", v.Str)
}

func TestUncommittedWriteInvisibleToOtherTransaction(t *testing.T) {
	e, m := newHarness(t)
	writer, err := e.Begin(false)
	require.NoError(t, err)
	reader, err := e.Begin(false)
	require.NoError(t, err)

	wMap := New(e, m, writer)
	require.NoError(t, wMap.Put([]byte("k1"), codec.StringValue("v1")))

	rMap := New(e, m, reader)
	v, err := rMap.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestCommittedWriteVisibleAfterCommit(t *testing.T) {
	e, m := newHarness(t)
	writer, err := e.Begin(false)
	require.NoError(t, err)
	wMap := New(e, m, writer)
	require.NoError(t, wMap.Put([]byte("k1"), codec.StringValue("v1")))
	require.NoError(t, e.Commit(writer))

	reader, err := e.Begin(true)
	require.NoError(t, err)
	rMap := New(e, m, reader)
	v, err := rMap.Get([]byte("k1"))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "v1", v.Str)
}

func TestRemoveAfterRollbackRestoresVisibility(t *testing.T) {
	e, m := newHarness(t)
	writer, err := e.Begin(false)
	require.NoError(t, err)
	wMap := New(e, m, writer)
	require.NoError(t, wMap.Put([]byte("k1"), codec.StringValue("v1")))
	require.NoError(t, e.Commit(writer))

	remover, err := e.Begin(false)
	require.NoError(t, err)
	rMap := New(e, m, remover)
	prev, err := rMap.Remove([]byte("k1"))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "v1", prev.Str)

	require.NoError(t, e.Rollback(remover))

	reader, err := e.Begin(true)
	require.NoError(t, err)
	readMap := New(e, m, reader)
	v, err := readMap.Get([]byte("k1"))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "v1", v.Str)
}

func TestConcurrentWriteConflictTimesOut(t *testing.T) {
	e, m := newHarness(t)
	t1, err := e.Begin(false)
	require.NoError(t, err)
	t2, err := e.Begin(false)
	require.NoError(t, err)

	m1 := New(e, m, t1)
	m2 := New(e, m, t2)

	require.NoError(t, m1.Put([]byte("k1"), codec.IntValue(1)))

	err = m2.Put([]byte("k1"), codec.IntValue(2))
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindLockTimeout))
}

func TestCursorSkipsInvisibleAndTombstoned(t *testing.T) {
	e, m := newHarness(t)
	setup, err := e.Begin(false)
	require.NoError(t, err)
	sMap := New(e, m, setup)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, sMap.Put([]byte(k), codec.StringValue(k)))
	}
	require.NoError(t, e.Commit(setup))

	remover, err := e.Begin(false)
	require.NoError(t, err)
	rMap := New(e, m, remover)
	_, err = rMap.Remove([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, e.Commit(remover))

	reader, err := e.Begin(true)
	require.NoError(t, err)
	readMap := New(e, m, reader)
	cur := readMap.Cursor(nil)
	var keys []string
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(k))
	}
	assert.Equal(t, []string{"a", "c"}, keys)
}

func TestSizeAsLongCountsVisibleRows(t *testing.T) {
	e, m := newHarness(t)
	setup, err := e.Begin(false)
	require.NoError(t, err)
	sMap := New(e, m, setup)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, sMap.Put([]byte(k), codec.StringValue(k)))
	}
	require.NoError(t, e.Commit(setup))

	reader, err := e.Begin(true)
	require.NoError(t, err)
	readMap := New(e, m, reader)
	n, err := readMap.SizeAsLong()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestBoundaryKeysRespectVisibility(t *testing.T) {
	e, m := newHarness(t)
	setup, err := e.Begin(false)
	require.NoError(t, err)
	sMap := New(e, m, setup)
	for _, k := range []string{"a", "c", "e"} {
		require.NoError(t, sMap.Put([]byte(k), codec.StringValue(k)))
	}
	require.NoError(t, e.Commit(setup))

	writer, err := e.Begin(false)
	require.NoError(t, err)
	wMap := New(e, m, writer)
	require.NoError(t, wMap.Put([]byte("d"), codec.StringValue("d")))

	reader, err := e.Begin(true)
	require.NoError(t, err)
	rMap := New(e, m, reader)

	first, err := rMap.FirstKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), first)

	floor, err := rMap.FloorKey([]byte("d"))
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), floor)

	ceil, err := rMap.CeilingKey([]byte("d"))
	require.NoError(t, err)
	assert.Equal(t, []byte("e"), ceil)
}
