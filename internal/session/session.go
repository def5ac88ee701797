// Package session implements the Session Runtime (spec.md §4.9):
// per-connection state (id, user, current transaction, auto-commit,
// savepoint stack, locked-table set) and the commit/rollback/cancel
// surface the wire protocol layer drives.
//
// Grounded on the teacher's server/session package (Session struct
// shape, auto-commit toggle semantics) generalized to delegate every
// transactional operation to internal/txn.Engine instead of talking to
// a single global transaction manager.
package session

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/coredb/coredb/internal/dberr"
	"github.com/coredb/coredb/internal/txn"
)

// Command is an executable command prepared from sql text, the thing
// prepareCommand hands back (spec.md §4.9). Statement parsing and
// planning live in the SQL layer above this package (Non-goals); this
// struct only carries enough to drive the transactional operations
// that layer invokes.
type Command struct {
	Session   *Session
	SQL       string
	FetchSize int
}

// Session is one connection's runtime state.
type Session struct {
	id   string
	user string

	engine *txn.Engine

	connProps map[string]string

	mu           sync.Mutex
	current      *txn.Transaction
	autoCommit   bool
	savepoints   []string
	lockedTables map[string]bool

	cancelRequested atomic.Bool
}

// New creates a session for user against engine, defaulting to
// auto-commit mode.
func New(engine *txn.Engine, user string, connProps map[string]string) *Session {
	return &Session{
		id:           uuid.NewString(),
		user:         user,
		engine:       engine,
		connProps:    connProps,
		autoCommit:   true,
		lockedTables: make(map[string]bool),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) User() string { return s.user }

// ConnProp returns an original connection property by key.
func (s *Session) ConnProp(key string) (string, bool) {
	v, ok := s.connProps[key]
	return v, ok
}

// CurrentTransaction returns the session's open transaction, lazily
// beginning one if none is open. Engine.Begin only fails once the
// engine is closed; in that case this returns nil and the error is not
// reported.
func (s *Session) CurrentTransaction() *txn.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		if t, err := s.engine.Begin(false); err == nil {
			s.current = t
		}
	}
	return s.current
}

// AutoCommit reports the session's current auto-commit setting.
func (s *Session) AutoCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommit
}

// SetAutoCommit toggles auto-commit. Flipping true->false merely
// records the new mode, deferring the implicit transaction to first
// use; flipping false->true commits whatever transaction is currently
// open (spec.md §4.9).
func (s *Session) SetAutoCommit(v bool) error {
	s.mu.Lock()
	was := s.autoCommit
	s.mu.Unlock()
	if v == was {
		return nil
	}
	if v {
		if err := s.flushCurrent(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.autoCommit = v
	s.mu.Unlock()
	return nil
}

// PrepareCommand returns an executable Command for sql.
func (s *Session) PrepareCommand(sql string, fetchSize int) (*Command, error) {
	if sql == "" {
		return nil, dberr.New(dberr.KindSyntaxError, "session: empty command text")
	}
	return &Command{Session: s, SQL: sql, FetchSize: fetchSize}, nil
}

// Commit implements spec.md §4.9 commit(): for a DDL command the
// session just flushes (commits) whatever transaction is already
// open, as a pre-step the caller takes before actually executing the
// DDL in a transaction of its own. For DML, the session's current
// transaction is committed via the transaction engine, after
// validating any distributed-commit participants.
func (s *Session) Commit(ddl bool, participants []string) error {
	if ddl {
		return s.flushCurrent()
	}

	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t == nil {
		return nil
	}

	for _, p := range participants {
		if !s.engine.ValidateTransaction(p) {
			return dberr.New(dberr.KindInternal, "session: distributed participant %q was never prepared", p)
		}
	}

	if err := s.engine.Commit(t); err != nil {
		return err
	}
	s.clearTransactionState()
	return nil
}

func (s *Session) flushCurrent() error {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	if err := s.engine.Commit(t); err != nil {
		return err
	}
	s.clearTransactionState()
	return nil
}

// Rollback delegates to the transaction engine.
func (s *Session) Rollback() error {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	err := s.engine.Rollback(t)
	s.clearTransactionState()
	return err
}

// RollbackToSavepoint unwinds to a named savepoint without ending the
// transaction.
func (s *Session) RollbackToSavepoint(name string) error {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t == nil {
		return dberr.New(dberr.KindInternal, "session: rollback to savepoint %q with no open transaction", name)
	}
	logID, ok := t.SavepointLogID(name)
	if !ok {
		return dberr.New(dberr.KindNotFound, "session: unknown savepoint %q", name)
	}
	if err := s.engine.RollbackToSavepoint(t, logID); err != nil {
		return err
	}
	s.mu.Lock()
	for i, sp := range s.savepoints {
		if sp == name {
			s.savepoints = s.savepoints[:i+1]
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// Savepoint records a named checkpoint in the session's current
// transaction, starting one if none is open.
func (s *Session) Savepoint(name string) error {
	t := s.CurrentTransaction()
	if t == nil {
		return dberr.New(dberr.KindDatabaseClosed, "session: cannot savepoint, engine is closed")
	}
	t.Savepoint(name)
	s.mu.Lock()
	s.savepoints = append(s.savepoints, name)
	s.mu.Unlock()
	return nil
}

func (s *Session) clearTransactionState() {
	s.mu.Lock()
	s.current = nil
	s.savepoints = s.savepoints[:0]
	s.lockedTables = make(map[string]bool)
	s.mu.Unlock()
}

// LockTable records tableName as locked by this session (spec.md §4.9
// "a set of locked tables").
func (s *Session) LockTable(tableName string) {
	s.mu.Lock()
	s.lockedTables[tableName] = true
	s.mu.Unlock()
}

// HoldsTableLock reports whether this session has already locked
// tableName.
func (s *Session) HoldsTableLock(tableName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedTables[tableName]
}

// Cancel requests cooperative cancellation of the currently executing
// statement; long-running cursors poll CancelRequested between pages.
func (s *Session) Cancel() {
	s.cancelRequested.Store(true)
}

// CancelRequested reports whether Cancel was called since the last
// ClearCancel.
func (s *Session) CancelRequested() bool {
	return s.cancelRequested.Load()
}

// ClearCancel resets the cancellation flag at the start of a new
// statement.
func (s *Session) ClearCancel() {
	s.cancelRequested.Store(false)
}

// Close rolls back any open transaction; callers invoke this when the
// connection's SESSION_CLOSE message arrives.
func (s *Session) Close() error {
	return s.Rollback()
}
