// Package engine wires together the Redo Log Store (itself backed by
// the Write Buffer Pool), Log Sync Service, Transaction Status Cache,
// StorageMap registry, Transaction Engine, Database Catalog and
// Session Runtime into the single explicit DatabaseEngine context
// object spec.md §9 asks for in place of global singletons.
//
// Grounded on the teacher's server/innodb/manager package, which wires
// the same set of concerns (buffer pool, redo, mvcc, transaction,
// metadata managers) behind one top-level manager struct; generalized
// here to construct everything explicitly rather than through package
// init()s and global vars.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/coredb/coredb/internal/catalog"
	"github.com/coredb/coredb/internal/conf"
	"github.com/coredb/coredb/internal/dberr"
	"github.com/coredb/coredb/internal/logger"
	"github.com/coredb/coredb/internal/logsync"
	"github.com/coredb/coredb/internal/redo"
	"github.com/coredb/coredb/internal/session"
	"github.com/coredb/coredb/internal/storage"
	"github.com/coredb/coredb/internal/txn"
	"github.com/coredb/coredb/internal/txstatus"
)

const sysMapName = "SYS"

// DatabaseEngine is the top-level, explicitly-constructed context a
// binary wires once at startup and threads through every connection.
type DatabaseEngine struct {
	Cfg *conf.Cfg
	Log *logger.Logger

	dataDir string

	redoStore *redo.Store
	sync      *logsync.Service
	status    *txstatus.Cache
	txEngine  *txn.Engine

	mapsMu sync.RWMutex
	maps   map[string]*storage.StorageMap

	Catalog *catalog.Catalog

	sessionsMu sync.Mutex
	sessions   map[string]*session.Session

	cancel context.CancelFunc
}

// Open constructs a DatabaseEngine rooted at dataDir, replays the redo
// log, opens the catalog, and starts the background sync/checkpoint
// services. parser lets the catalog reconstruct SYS rows on open; it
// is owned by the SQL layer above this package.
func Open(cfg *conf.Cfg, log *logger.Logger, dataDir string, parser catalog.Parser) (*DatabaseEngine, error) {
	if err := cfg.Validate(totalMemoryEstimateKB()); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "engine: create data dir %q", dataDir)
	}

	redoStore, err := redo.Open(dataDir)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "engine: open redo log")
	}

	bucketCount, bucketSize := txstatus.GeometryForBudget(cfg.CacheSizeKB)
	e := &DatabaseEngine{
		Cfg:       cfg,
		Log:       log,
		dataDir:   dataDir,
		redoStore: redoStore,
		status:    txstatus.New(bucketCount, bucketSize),
		maps:      make(map[string]*storage.StorageMap),
		sessions:  make(map[string]*session.Session),
	}

	syncPolicy := logsync.PolicyPeriodic
	if cfg.Log == conf.LogSyncPerCommit {
		syncPolicy = logsync.PolicyPerCommit
	}
	e.sync = logsync.New(redoStore, logsync.Config{
		Policy:             syncPolicy,
		SyncInterval:       cfg.SyncInterval,
		CheckpointInterval: cfg.CheckpointInterval,
		OnCheckpoint:       e.checkpoint,
	})

	e.txEngine = txn.New(redoStore, e.sync, e.status)
	if err := e.txEngine.Recover(e.mapLookup); err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "engine: replay redo log")
	}

	sysStore, err := e.getOrCreateMap(sysMapName)
	if err != nil {
		return nil, err
	}

	e.Catalog = catalog.New(filepath.Base(dataDir), e.txEngine, sysStore, parser)
	systemSession := session.New(e.txEngine, "system", nil)
	if err := e.Catalog.Open(systemSession); err != nil {
		return nil, err
	}
	if err := systemSession.Commit(false, nil); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.sync.Start(ctx)

	log.Infof("engine: opened database at %s", dataDir)
	return e, nil
}

// mapLookup resolves (and lazily loads) a storage map by name during
// redo replay.
func (e *DatabaseEngine) mapLookup(name string) (*storage.StorageMap, bool) {
	m, err := e.getOrCreateMap(name)
	if err != nil {
		return nil, false
	}
	return m, true
}

// getOrCreateMap returns the named StorageMap, loading it from disk on
// first use if a snapshot exists, or creating an empty one otherwise.
func (e *DatabaseEngine) getOrCreateMap(name string) (*storage.StorageMap, error) {
	e.mapsMu.Lock()
	defer e.mapsMu.Unlock()
	if m, ok := e.maps[name]; ok {
		return m, nil
	}
	m, err := storage.Load(name, e.mapPath(name), e.Cfg.CompressData)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "engine: load storage map %q", name)
	}
	e.maps[name] = m
	return m, nil
}

// Map returns an already-open storage map, creating it if needed. The
// SQL layer (outside this package's scope) calls this once per table
// or index it resolves a name to.
func (e *DatabaseEngine) Map(name string) (*storage.StorageMap, error) {
	return e.getOrCreateMap(name)
}

func (e *DatabaseEngine) mapPath(name string) string {
	return filepath.Join(e.dataDir, "maps", name+".map")
}

// checkpoint snapshots every open storage map to disk; it is the
// OnCheckpoint callback the Log Sync Service's cron fires on
// CHECKPOINT_INTERVAL (spec.md §5).
func (e *DatabaseEngine) checkpoint() error {
	if err := os.MkdirAll(filepath.Join(e.dataDir, "maps"), 0o755); err != nil {
		return err
	}
	e.mapsMu.RLock()
	snapshot := make([]*storage.StorageMap, 0, len(e.maps))
	for _, m := range e.maps {
		snapshot = append(snapshot, m)
	}
	e.mapsMu.RUnlock()

	for _, m := range snapshot {
		if err := m.Save(e.mapPath(m.Name())); err != nil {
			return dberr.Wrap(dberr.KindInternal, err, "engine: checkpoint map %q", m.Name())
		}
	}

	boundary := e.txEngine.CheckpointTrimBoundary()
	if err := e.redoStore.Trim(boundary); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "engine: trim redo log below opId %d", boundary)
	}

	e.Log.Debug("engine: checkpoint complete")
	return nil
}

// NewSession opens a session bound to this engine's transaction
// engine and registers it with the catalog's session-liveness count.
func (e *DatabaseEngine) NewSession(user string, connProps map[string]string) *session.Session {
	s := session.New(e.txEngine, user, connProps)
	e.sessionsMu.Lock()
	e.sessions[s.ID()] = s
	e.sessionsMu.Unlock()
	e.Catalog.SessionOpened()
	return s
}

// CloseSession rolls back any open transaction on s and unregisters
// it.
func (e *DatabaseEngine) CloseSession(s *session.Session) error {
	err := s.Close()
	e.sessionsMu.Lock()
	delete(e.sessions, s.ID())
	e.sessionsMu.Unlock()
	e.Catalog.SessionClosed()
	return err
}

// Close shuts the engine down: closes every remaining session, stops
// the sync service, checkpoints and closes every storage map, closes
// the catalog, and rolls back anything left open in the transaction
// engine.
func (e *DatabaseEngine) Close() error {
	e.sessionsMu.Lock()
	remaining := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		remaining = append(remaining, s)
	}
	e.sessionsMu.Unlock()
	for _, s := range remaining {
		_ = e.CloseSession(s)
	}

	if e.cancel != nil {
		e.cancel()
	}
	if err := e.sync.Close(); err != nil {
		return err
	}

	if err := e.checkpoint(); err != nil {
		return err
	}

	shutdownSession := session.New(e.txEngine, "system", nil)
	if err := e.Catalog.Close(shutdownSession, true); err != nil {
		return err
	}

	e.mapsMu.Lock()
	for _, m := range e.maps {
		_ = m.Close()
	}
	e.mapsMu.Unlock()

	return e.txEngine.Close()
}

func totalMemoryEstimateKB() int {
	// No portable, dependency-free way to read total system memory;
	// conf.Validate only uses this to cap an explicit CACHE_SIZE, so a
	// conservative 4 GiB estimate is a reasonable default absent a
	// platform-specific memory probe.
	return 4 << 20
}
