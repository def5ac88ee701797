package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocateReturnsSmallestUnused(t *testing.T) {
	b := newIDBitset()
	assert.Equal(t, int64(0), b.Allocate())
	assert.Equal(t, int64(1), b.Allocate())
	assert.Equal(t, int64(2), b.Allocate())
}

func TestReleaseReclaimsIDBelowFrontier(t *testing.T) {
	b := newIDBitset()
	a := b.Allocate()
	bb := b.Allocate()
	c := b.Allocate()
	assert.Equal(t, []int64{0, 1, 2}, []int64{a, bb, c})

	b.Release(bb)
	assert.Equal(t, bb, b.Allocate(), "the id freed below the frontier must be handed back out")

	next := b.Allocate()
	assert.Equal(t, int64(3), next)
}

func TestMarkAdvancesFrontierWithoutHandingOut(t *testing.T) {
	b := newIDBitset()
	b.Mark(5)
	assert.Equal(t, int64(0), b.Allocate())
	assert.Equal(t, int64(1), b.Allocate())

	b.Release(0)
	assert.Equal(t, int64(0), b.Allocate())
}
