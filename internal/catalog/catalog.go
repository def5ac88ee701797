package catalog

import (
	"sort"
	"sync"

	"github.com/coredb/coredb/internal/dberr"
	"github.com/coredb/coredb/internal/mvcc"
	"github.com/coredb/coredb/internal/storage"
	"github.com/coredb/coredb/internal/txn"
)

var errMalformedSysRow = dberr.New(dberr.KindTransactionCorrupt, "catalog: malformed SYS row")

// sysMapName is the storage map name backing the SYS meta table
// (spec.md §4.8).
const sysMapName = "SYS"

// State is a database's lifecycle stage (spec.md §4.8).
type State int

const (
	Uninitialized State = iota
	Initializing
	Open
	Closing
	Closed
)

// Sess is the minimal view of a session the catalog needs: an
// identity to key the meta lock by, and the transaction SYS rows are
// read and written through. internal/session.Session satisfies this.
type Sess interface {
	ID() string
	CurrentTransaction() *txn.Transaction
}

// Catalog is the Database Catalog of spec.md §4.8.
type Catalog struct {
	name   string
	engine *txn.Engine
	parser Parser

	sysStore *storage.StorageMap
	ids      *idBitset

	mu            sync.Mutex // the "catalog monitor"
	state         State
	schemas       map[string]*Schema
	tables        map[string]*Table
	indexes       map[string]*Index
	sequences     map[string]*Sequence
	users         map[string]*User
	roles         map[string]*Role
	rights        map[string]*Right
	settings      map[string]*Setting
	aggregates    map[string]*Aggregate
	userDataTypes map[string]*UserDataType
	views         map[string]*View
	byID          map[int64]Object

	sessionCount int

	metaMu     sync.Mutex
	metaCond   *sync.Cond
	metaHolder string
}

// New constructs a Catalog bound to sysStore (the SYS storage map) and
// engine (for reading sysStore's current opener's transaction through
// MVCCTransactionMap). parser turns a SYS row's sql text back into an
// Object during Open.
func New(name string, engine *txn.Engine, sysStore *storage.StorageMap, parser Parser) *Catalog {
	c := &Catalog{
		name:          name,
		engine:        engine,
		parser:        parser,
		sysStore:      sysStore,
		ids:           newIDBitset(),
		schemas:       make(map[string]*Schema),
		tables:        make(map[string]*Table),
		indexes:       make(map[string]*Index),
		sequences:     make(map[string]*Sequence),
		users:         make(map[string]*User),
		roles:         make(map[string]*Role),
		rights:        make(map[string]*Right),
		settings:      make(map[string]*Setting),
		aggregates:    make(map[string]*Aggregate),
		userDataTypes: make(map[string]*UserDataType),
		views:         make(map[string]*View),
		byID:          make(map[int64]Object),
	}
	c.metaCond = sync.NewCond(&c.metaMu)
	return c
}

func (c *Catalog) Name() string { return c.name }

func (c *Catalog) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// lockMeta acquires the exclusive SYS lock for sess, blocking until
// any other holder releases it. A session already holding it is
// idempotent (spec.md §4.8 step 1).
func (c *Catalog) lockMeta(sess Sess) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if c.metaHolder == sess.ID() {
		return
	}
	for c.metaHolder != "" {
		c.metaCond.Wait()
	}
	c.metaHolder = sess.ID()
}

// unlockMeta releases the SYS lock if sess holds it.
func (c *Catalog) unlockMeta(sess Sess) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if c.metaHolder == sess.ID() {
		c.metaHolder = ""
		c.metaCond.Broadcast()
	}
}

// DefineObject runs the five-step DDL flow of spec.md §4.8: lock SYS,
// allocate an id, build and register the object in memory, append its
// SYS row. The row is durably persisted only once sess's transaction
// commits, exactly like any other MVCC write.
func (c *Catalog) DefineObject(sess Sess, kind ObjectKind, build func(id int64) Object) (Object, error) {
	c.lockMeta(sess)
	defer c.unlockMeta(sess)

	id := c.ids.Allocate()
	obj := build(id)

	c.mu.Lock()
	c.register(obj)
	c.mu.Unlock()

	sysTxMap := mvcc.New(c.engine, c.sysStore, sess.CurrentTransaction())
	if err := sysTxMap.Put(encodeSysKey(id), encodeSysRow(kind, obj.SQL())); err != nil {
		c.mu.Lock()
		c.unregister(obj)
		c.mu.Unlock()
		c.ids.Release(id)
		return nil, err
	}
	return obj, nil
}

// DropObject removes obj from the in-memory registries and deletes
// its SYS row, under the same meta lock discipline as DefineObject.
func (c *Catalog) DropObject(sess Sess, obj Object) error {
	c.lockMeta(sess)
	defer c.unlockMeta(sess)

	sysTxMap := mvcc.New(c.engine, c.sysStore, sess.CurrentTransaction())
	if _, err := sysTxMap.Remove(encodeSysKey(obj.ID())); err != nil {
		return err
	}
	c.mu.Lock()
	c.unregister(obj)
	c.mu.Unlock()
	c.ids.Release(obj.ID())
	return nil
}

func (c *Catalog) register(obj Object) {
	c.byID[obj.ID()] = obj
	switch o := obj.(type) {
	case *Schema:
		c.schemas[o.Name()] = o
	case *Table:
		c.tables[o.Name()] = o
	case *Index:
		c.indexes[o.Name()] = o
	case *Sequence:
		c.sequences[o.Name()] = o
	case *User:
		c.users[o.Name()] = o
	case *Role:
		c.roles[o.Name()] = o
	case *Right:
		c.rights[o.Name()] = o
	case *Setting:
		c.settings[o.Name()] = o
	case *Aggregate:
		c.aggregates[o.Name()] = o
	case *UserDataType:
		c.userDataTypes[o.Name()] = o
	case *View:
		c.views[o.Name()] = o
	}
}

func (c *Catalog) unregister(obj Object) {
	delete(c.byID, obj.ID())
	switch o := obj.(type) {
	case *Schema:
		delete(c.schemas, o.Name())
	case *Table:
		delete(c.tables, o.Name())
	case *Index:
		delete(c.indexes, o.Name())
	case *Sequence:
		delete(c.sequences, o.Name())
	case *User:
		delete(c.users, o.Name())
	case *Role:
		delete(c.roles, o.Name())
	case *Right:
		delete(c.rights, o.Name())
	case *Setting:
		delete(c.settings, o.Name())
	case *Aggregate:
		delete(c.aggregates, o.Name())
	case *UserDataType:
		delete(c.userDataTypes, o.Name())
	case *View:
		delete(c.views, o.Name())
	}
}

func (c *Catalog) Schema(name string) (*Schema, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schemas[name]
	return s, ok
}

func (c *Catalog) Table(name string) (*Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[name]
	return t, ok
}

func (c *Catalog) Sequence(name string) (*Sequence, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sequences[name]
	return s, ok
}

// Open implements spec.md §4.8 open(): loads SYS in id order,
// reconstructing each object via the external parser, then recompiles
// invalid views to a fixpoint and joins the process-wide registry.
func (c *Catalog) Open(sess Sess) error {
	c.mu.Lock()
	if c.state != Uninitialized {
		c.mu.Unlock()
		return dberr.New(dberr.KindInternal, "catalog: %s is not uninitialized", c.name)
	}
	c.state = Initializing
	c.mu.Unlock()

	type row struct {
		id  int64
		seq []byte
	}
	sysTxMap := mvcc.New(c.engine, c.sysStore, sess.CurrentTransaction())
	cur := sysTxMap.Cursor(nil)
	var rows []row
	for {
		k, v, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		_ = v
		rows = append(rows, row{id: decodeSysKey(k)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	for _, r := range rows {
		raw, err := sysTxMap.Get(encodeSysKey(r.id))
		if err != nil {
			return err
		}
		kind, sql, err := decodeSysRow(raw)
		if err != nil {
			return err
		}
		obj, err := c.parser.Parse(sql)
		if err != nil {
			return dberr.Wrap(dberr.KindSyntaxError, err, "catalog: parsing SYS row %d (%s)", r.id, kind)
		}
		c.mu.Lock()
		c.register(obj)
		c.mu.Unlock()
		c.ids.Mark(r.id)
	}

	c.recompileInvalidViews()

	c.mu.Lock()
	c.state = Open
	c.mu.Unlock()
	registerCatalog(c.name, c)
	return nil
}

// recompileInvalidViews iterates until a pass registers no newly-valid
// view, matching spec.md §4.8 open() step 3's "iterating to fixpoint".
// View bodies are SQL text owned by the layer above this one, so
// "recompiling" here just means re-running the parser until it stops
// flipping a view from invalid to valid.
func (c *Catalog) recompileInvalidViews() {
	for {
		changed := false
		c.mu.Lock()
		invalid := make([]*View, 0)
		for _, v := range c.views {
			if v.Invalid {
				invalid = append(invalid, v)
			}
		}
		c.mu.Unlock()
		if len(invalid) == 0 {
			return
		}
		for _, v := range invalid {
			if obj, err := c.parser.Parse(v.SQL()); err == nil {
				if nv, ok := obj.(*View); ok && !nv.Invalid {
					c.mu.Lock()
					c.views[v.Name()] = nv
					c.mu.Unlock()
					changed = true
				}
			}
		}
		if !changed {
			return
		}
	}
}

// SessionOpened/SessionClosed track user-session liveness so Close can
// defer while sessions remain (spec.md §4.8 close() step 1).
func (c *Catalog) SessionOpened() {
	c.mu.Lock()
	c.sessionCount++
	c.mu.Unlock()
}

func (c *Catalog) SessionClosed() {
	c.mu.Lock()
	if c.sessionCount > 0 {
		c.sessionCount--
	}
	c.mu.Unlock()
}

// Close implements spec.md §4.8 close(). It refuses to proceed while
// user sessions remain unless fromShutdownHook is set.
func (c *Catalog) Close(sess Sess, fromShutdownHook bool) error {
	c.mu.Lock()
	if c.state == Closed || c.state == Closing {
		c.mu.Unlock()
		return nil
	}
	if c.sessionCount > 0 && !fromShutdownHook {
		c.mu.Unlock()
		return dberr.New(dberr.KindDatabaseClosed, "catalog: %s close deferred, %d session(s) still open", c.name, c.sessionCount)
	}
	c.state = Closing
	c.mu.Unlock()

	if err := c.sysStore.Close(); err != nil {
		return err
	}

	unregisterCatalog(c.name)

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
	return nil
}
