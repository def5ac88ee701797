// Package dberr defines the error kind taxonomy surfaced by the
// storage core (spec.md §7), built on juju/errors so causal chains
// from the teacher's annotate/trace style survive across layers.
package dberr

import (
	stderrors "errors"
	"fmt"

	"github.com/juju/errors"
)

// Kind enumerates the error categories of spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindLockTimeout
	KindTransactionCorrupt
	KindConnectionBroken
	KindDatabaseReadOnly
	KindDatabaseExclusiveMode
	KindDatabaseClosed
	KindNotFound
	KindAlreadyExists
	KindInvalidValue
	KindUnsupported
	KindSyntaxError
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindLockTimeout:
		return "LOCK_TIMEOUT"
	case KindTransactionCorrupt:
		return "TRANSACTION_CORRUPT"
	case KindConnectionBroken:
		return "CONNECTION_BROKEN"
	case KindDatabaseReadOnly:
		return "DATABASE_IS_READ_ONLY"
	case KindDatabaseExclusiveMode:
		return "DATABASE_IS_IN_EXCLUSIVE_MODE"
	case KindDatabaseClosed:
		return "DATABASE_IS_CLOSED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindAlreadyExists:
		return "ALREADY_EXISTS"
	case KindInvalidValue:
		return "INVALID_VALUE"
	case KindUnsupported:
		return "UNSUPPORTED"
	case KindSyntaxError:
		return "SYNTAX_ERROR"
	case KindInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Error is the single value type every layer converts its failures
// into before it crosses a component boundary (spec.md §9).
type Error struct {
	Kind     Kind
	Message  string
	SQLState string
	SQL      string
	Cause    error
}

func (e *Error) Error() string {
	if e.SQL != "" {
		return fmt.Sprintf("%s: %s (sql: %s)", e.Kind, e.Message, e.SQL)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates cause with juju/errors (preserving its trace) and
// attaches a Kind so callers can switch on it.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	annotated := errors.Annotatef(cause, format, args...)
	return &Error{Kind: kind, Message: annotated.Error(), Cause: annotated}
}

// Is reports whether err, or any error it wraps, is a *Error of the
// given kind — unwrapping both *Error's own Cause chain and any
// juju/errors annotation traces along the way.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		if u := stderrors.Unwrap(err); u != nil {
			err = u
			continue
		}
		if c := errors.Cause(err); c != err {
			err = c
			continue
		}
		return false
	}
	return false
}
