package dberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(KindLockTimeout, "waited %d ms", 500)
	assert.Equal(t, KindLockTimeout, err.Kind)
	assert.Contains(t, err.Error(), "LOCK_TIMEOUT")
	assert.Contains(t, err.Error(), "waited 500 ms")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, cause, "flushing map %q", "t1")
	assert.Equal(t, KindInternal, err.Kind)
	assert.NotNil(t, err.Unwrap())
	assert.Contains(t, err.Error(), "disk full")
}

func TestIsUnwrapsKind(t *testing.T) {
	err := New(KindNotFound, "no such row")
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindInternal))
	assert.False(t, Is(errors.New("plain"), KindNotFound))
}

func TestIsUnwrapsNestedError(t *testing.T) {
	inner := New(KindNotFound, "no such row")
	middle := Wrap(KindSyntaxError, inner, "parsing SYS row")
	outer := Wrap(KindInternal, middle, "replaying redo log")

	assert.True(t, Is(outer, KindInternal))
	assert.True(t, Is(outer, KindSyntaxError))
	assert.True(t, Is(outer, KindNotFound))
	assert.False(t, Is(outer, KindUnsupported))
}
