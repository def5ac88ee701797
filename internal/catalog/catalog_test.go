package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredb/coredb/internal/logsync"
	"github.com/coredb/coredb/internal/redo"
	"github.com/coredb/coredb/internal/session"
	"github.com/coredb/coredb/internal/storage"
	"github.com/coredb/coredb/internal/txn"
	"github.com/coredb/coredb/internal/txstatus"
)

// fakeParser turns any sql text into a schema whose name is that text,
// for test purposes only; real SQL parsing is out of this package's
// scope.
type fakeParser struct{}

func (fakeParser) Parse(sql string) (Object, error) {
	return NewSchema(0, sql, sql), nil
}

func newTestCatalog(t *testing.T) (*Catalog, *txn.Engine, *session.Session) {
	t.Helper()
	dir := t.TempDir()
	store, err := redo.Open(dir)
	require.NoError(t, err)
	sync := logsync.New(store, logsync.Config{Policy: logsync.PolicyPerCommit})
	status := txstatus.New(16, 16)
	e := txn.New(store, sync, status)
	sysStore := storage.New(sysMapName, false)

	c := New("testdb", e, sysStore, fakeParser{})
	sess := session.New(e, "system", nil)
	return c, e, sess
}

func TestOpenEmptyDatabase(t *testing.T) {
	c, _, sess := newTestCatalog(t)
	require.NoError(t, c.Open(sess))
	assert.Equal(t, Open, c.State())

	got, ok := Lookup("testdb")
	assert.True(t, ok)
	assert.Equal(t, c, got)
}

func TestDefineObjectPersistsSysRow(t *testing.T) {
	c, e, sess := newTestCatalog(t)
	require.NoError(t, c.Open(sess))
	require.NoError(t, sess.Commit(false, nil))

	ddlSess := session.New(e, "alice", nil)
	obj, err := c.DefineObject(ddlSess, KindSchema, func(id int64) Object {
		return NewSchema(id, "public", "CREATE SCHEMA public")
	})
	require.NoError(t, err)
	require.NoError(t, ddlSess.Commit(false, nil))

	s, ok := c.Schema("public")
	require.True(t, ok)
	assert.Equal(t, obj.ID(), s.ID())
}

func TestLockMetaIsIdempotentForSameSession(t *testing.T) {
	c, _, sess := newTestCatalog(t)
	c.lockMeta(sess)
	assert.NotPanics(t, func() { c.lockMeta(sess) })
	c.unlockMeta(sess)
}

func TestReopenReplaysDefinedObjects(t *testing.T) {
	dir := t.TempDir()
	store, err := redo.Open(dir)
	require.NoError(t, err)
	sync := logsync.New(store, logsync.Config{Policy: logsync.PolicyPerCommit})
	status := txstatus.New(16, 16)
	e := txn.New(store, sync, status)
	sysStore := storage.New(sysMapName, false)

	c := New("testdb", e, sysStore, fakeParser{})
	sess := session.New(e, "system", nil)
	require.NoError(t, c.Open(sess))
	require.NoError(t, sess.Commit(false, nil))

	ddlSess := session.New(e, "alice", nil)
	_, err = c.DefineObject(ddlSess, KindSchema, func(id int64) Object {
		return NewSchema(id, "app", "app")
	})
	require.NoError(t, err)
	require.NoError(t, ddlSess.Commit(false, nil))

	c2 := New("testdb2", e, sysStore, fakeParser{})
	sess2 := session.New(e, "system", nil)
	require.NoError(t, c2.Open(sess2))
	require.NoError(t, sess2.Commit(false, nil))

	_, ok := c2.Schema("app")
	assert.True(t, ok)
}
