package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredb/coredb/internal/catalog"
	"github.com/coredb/coredb/internal/conf"
	"github.com/coredb/coredb/internal/logger"
)

type fakeParser struct{}

func (fakeParser) Parse(sql string) (catalog.Object, error) {
	return catalog.NewSchema(0, sql, sql), nil
}

func newTestEngine(t *testing.T) *DatabaseEngine {
	t.Helper()
	dir := t.TempDir()
	cfg := conf.Default()
	log := logger.New(logger.Config{Level: "error"})
	e, err := Open(cfg, log, dir, fakeParser{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenCreatesSysMapAndCatalog(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, catalog.Open, e.Catalog.State())
}

func TestSessionBeginsTransactionAndMapReadsMissingKey(t *testing.T) {
	e := newTestEngine(t)
	m, err := e.Map("accounts")
	require.NoError(t, err)

	s := e.NewSession("alice", nil)
	tx := s.CurrentTransaction()
	require.NotNil(t, tx)

	// Read the raw storage map directly, without going through the
	// MVCC layer.
	got := m.Get([]byte("missing"))
	assert.Nil(t, got)

	require.NoError(t, e.CloseSession(s))
}

func TestCheckpointPersistsMaps(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Map("widgets")
	require.NoError(t, err)
	require.NoError(t, e.checkpoint())
}
