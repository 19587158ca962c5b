package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/kerrors"
)

func newTestSpace(t *testing.T, seed int64) (*Space, *collab.FakePageTableEditor) {
	t.Helper()
	editor := collab.NewFakePageTableEditor()
	pt, err := editor.CreatePML4()
	require.NoError(t, err)
	return NewSpace(pt, editor, seed), editor
}

func TestFindVAHoleDeterministicGivenSeed(t *testing.T) {
	s1, _ := newTestSpace(t, 42)
	s2, _ := newTestSpace(t, 42)

	r1, err := s1.FindVAHole(0x1000, 0x1000, HeapData)
	require.NoError(t, err)
	r2, err := s2.FindVAHole(0x1000, 0x1000, HeapData)
	require.NoError(t, err)

	assert.Equal(t, r1.VAStart, r2.VAStart)
	assert.Equal(t, r1.VAEnd, r2.VAEnd)
}

func TestFindVAHoleAvoidsExistingRegions(t *testing.T) {
	s, _ := newTestSpace(t, 7)

	first, err := s.FindVAHole(0x2000, 0x1000, HeapData)
	require.NoError(t, err)

	second, err := s.FindVAHole(0x2000, 0x1000, HeapData)
	require.NoError(t, err)

	assert.False(t, overlaps(first.VAStart, first.VAEnd, second.VAStart, second.VAEnd))
}

func TestRequestVAHoleRejectsOverlap(t *testing.T) {
	s, _ := newTestSpace(t, 1)

	_, err := s.RequestVAHole(0x10000, 0x1000, ProgramData)
	require.NoError(t, err)

	_, err = s.RequestVAHole(0x10500, 0x1000, ProgramData)
	assert.ErrorIs(t, err, kerrors.ErrExist)
}

func TestRequestVAHoleRejectsBelowMinVA(t *testing.T) {
	s, _ := newTestSpace(t, 1)
	_, err := s.RequestVAHole(0x100, 0x1000, ProgramData)
	assert.ErrorIs(t, err, kerrors.ErrExist)
}

func TestFreeMmapAreaDeallocatesAtZeroRefcount(t *testing.T) {
	s, editor := newTestSpace(t, 3)

	r, err := s.RequestVAHole(0x20000, 0x1000, HeapData)
	require.NoError(t, err)
	require.NoError(t, editor.Allocate(s.PML4(), r.VAStart, r.Size(), true, false))

	require.NoError(t, s.FreeMmapArea(r))
	assert.Nil(t, s.MmapArea(0x20000))

	err = editor.Deallocate(s.PML4(), r.VAStart, r.Size())
	assert.Error(t, err, "region should already have been deallocated by FreeMmapArea")
}

func TestFreeMmapAreaNondeallocSkipsDeallocate(t *testing.T) {
	s, editor := newTestSpace(t, 3)

	r, err := s.RequestVAHole(0x30000, 0x1000, NondeallocMap)
	require.NoError(t, err)
	require.NoError(t, editor.Allocate(s.PML4(), r.VAStart, r.Size(), true, false))

	require.NoError(t, s.FreeMmapArea(r))
	assert.Nil(t, s.MmapArea(0x30000))

	// The backing mapping must still be present since NondeallocMap regions
	// never reach the editor's Deallocate at refcount zero.
	err = editor.Deallocate(s.PML4(), r.VAStart, r.Size())
	assert.NoError(t, err)
}

func TestForkSharesRefcountUntilBothSidesFree(t *testing.T) {
	parent, editor := newTestSpace(t, 5)
	r, err := parent.RequestVAHole(0x40000, 0x1000, HeapData)
	require.NoError(t, err)
	require.NoError(t, editor.Allocate(parent.PML4(), r.VAStart, r.Size(), true, false))

	childPT, err := editor.ClonePagingStructures(parent.PML4())
	require.NoError(t, err)
	child := parent.Fork(childPT, 6)

	require.Len(t, child.Regions(), 1)

	childRegion := child.MmapArea(0x40000)
	require.NotNil(t, childRegion)

	// Freeing the parent's copy must not deallocate the shared mapping
	// while the child's copy is still outstanding.
	require.NoError(t, parent.FreeMmapArea(r))
	assert.NoError(t, editor.Deallocate(parent.PML4(), r.VAStart, r.Size()),
		"mapping should still exist after only the parent's reference is released")
}

func TestAllocDirectMapsWritableNonExecutable(t *testing.T) {
	s, editor := newTestSpace(t, 9)
	addr, err := s.AllocDirect(0x1000)
	require.NoError(t, err)

	r := s.MmapArea(addr)
	require.NotNil(t, r)
	assert.Equal(t, KernelAllocatedHeapData, r.Type)

	// AllocDirect should have called Allocate against the editor for this
	// address -- Deallocate must succeed, proving a mapping exists.
	require.NoError(t, editor.Deallocate(s.PML4(), r.VAStart, r.Size()))
}

func TestFreeProcMemoryClearsEverything(t *testing.T) {
	s, editor := newTestSpace(t, 11)
	heap, err := s.FindVAHole(0x1000, 0x1000, HeapData)
	require.NoError(t, err)
	require.NoError(t, editor.Allocate(s.PML4(), heap.VAStart, heap.Size(), true, false))
	stack, err := s.FindVAHole(0x2000, 0x1000, StackData)
	require.NoError(t, err)
	require.NoError(t, editor.Allocate(s.PML4(), stack.VAStart, stack.Size(), true, false))

	require.NoError(t, s.FreeProcMemory())
	assert.Empty(t, s.Regions())
}
