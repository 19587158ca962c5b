// Package vmm implements the per-process VA-hole allocator: a sorted list
// of non-overlapping [vastart, vaend) regions, with randomized placement
// for fresh holes and shared-refcounted regions across fork.
package vmm

import (
	"sync"
	"sync/atomic"

	"github.com/cthulhuos/kernel/internal/randgen"
	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/kerrors"
)

// RegionType classifies a Region the way mtype does in the original.
// Only NondeallocMap is skipped when a region's refcount reaches zero.
type RegionType int

const (
	ProgramData RegionType = iota
	StackData
	HeapData
	KernelAllocatedHeapData
	NondeallocMap
)

const (
	// MinVA is the lowest address find_va_hole/request_va_hole will ever
	// place or accept a region at.
	MinVA = 0x1000
	// MaxVA is the exclusive upper bound of the canonical-address range
	// this allocator places holes in (2^47).
	MaxVA = 0x800000000000
)

// Region is one entry in a process's mem_maps list. count is a pointer
// shared between a parent's and a forked child's copy of "the same"
// region: each Space owns its own linked-list node (so Fork never has to
// splice two lists together), but the refcount underneath is one shared
// cell, incremented by each Fork and decremented by each side's free.
type Region struct {
	VAStart, VAEnd uint64
	Type           RegionType

	next  *Region
	count *int32
}

// Size returns the region's length in bytes.
func (r *Region) Size() uint64 { return r.VAEnd - r.VAStart }

// Space is the per-process address-space state the VA-hole allocator
// operates on: the sorted region list, the process's own PRNG (seeded at
// process-creation time so find_va_hole's randomization is reproducible
// given that seed), and the page-table handle/editor used to back
// allocate/deallocate calls.
type Space struct {
	mu   sync.Mutex
	head *Region

	rng    *randgen.Source
	pml4   collab.PageTable
	editor collab.PageTableEditor
}

// NewSpace constructs an empty address space rooted at pml4, whose
// find_va_hole calls will be deterministic given seed.
func NewSpace(pml4 collab.PageTable, editor collab.PageTableEditor, seed int64) *Space {
	return &Space{rng: randgen.New(seed), pml4: pml4, editor: editor}
}

// PML4 returns the space's page-table root handle.
func (s *Space) PML4() collab.PageTable { return s.pml4 }

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

func alignDown(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return v / align * align
}

func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}

// insertLocked splices r into the list in ascending vastart order. Callers
// must hold s.mu and must already have validated non-overlap.
func (s *Space) insertLocked(r *Region) {
	if s.head == nil || r.VAStart < s.head.VAStart {
		r.next = s.head
		s.head = r
		return
	}
	cur := s.head
	for cur.next != nil && cur.next.VAStart < r.VAStart {
		cur = cur.next
	}
	r.next = cur.next
	cur.next = r
}

// RequestVAHole inserts [start, start+size) if it does not overlap any
// existing region and start >= MinVA. On overlap or an out-of-range start
// it returns kerrors.ErrExist and leaves the list unchanged (S4).
func (s *Space) RequestVAHole(start, size uint64, typ RegionType) (*Region, error) {
	if start < MinVA || size == 0 {
		return nil, kerrors.ErrExist
	}
	end := start + size

	s.mu.Lock()
	defer s.mu.Unlock()

	for cur := s.head; cur != nil; cur = cur.next {
		if overlaps(start, end, cur.VAStart, cur.VAEnd) {
			return nil, kerrors.ErrExist
		}
	}

	cnt := int32(1)
	r := &Region{VAStart: start, VAEnd: end, Type: typ, count: &cnt}
	s.insertLocked(r)
	return r, nil
}

// FindVAHole finds the lowest gap within [MinVA, MaxVA) whose length is at
// least size+align, then picks a random base offset within that gap's
// slack (so the result still fits), aligns the offset down to align, and
// inserts the resulting region. The random offset is drawn from the
// space's own PRNG, so results are deterministic given the seed Space was
// constructed with (S3).
func (s *Space) FindVAHole(size, align uint64, typ RegionType) (*Region, error) {
	if align == 0 {
		align = 1
	}
	if size == 0 {
		return nil, kerrors.ErrInval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gapStart := uint64(MinVA)
	cur := s.head
	var chosenStart uint64
	var chosenSlack uint64
	found := false

	for {
		var gapEnd uint64
		if cur != nil {
			gapEnd = cur.VAStart
		} else {
			gapEnd = MaxVA
		}

		alignedStart := alignUp(gapStart, align)
		if gapEnd-gapStart >= size+align && alignedStart < gapEnd {
			available := gapEnd - alignedStart
			if available >= size {
				chosenStart = alignedStart
				chosenSlack = available - size
				found = true
				break
			}
		}

		if cur == nil {
			break
		}
		gapStart = cur.VAEnd
		cur = cur.next
	}

	if !found {
		return nil, kerrors.ErrNoMem
	}

	offset := alignDown(s.rng.UintN(chosenSlack), align)
	vastart := chosenStart + offset
	if vastart+size > MaxVA {
		vastart = chosenStart
	}

	cnt := int32(1)
	r := &Region{VAStart: vastart, VAEnd: vastart + size, Type: typ, count: &cnt}
	s.insertLocked(r)
	return r, nil
}

// MmapArea returns the region containing addr, or nil if none does.
func (s *Space) MmapArea(addr uint64) *Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cur := s.head; cur != nil; cur = cur.next {
		if addr >= cur.VAStart && addr < cur.VAEnd {
			return cur
		}
	}
	return nil
}

// FreeMmapArea decrements r's shared refcount; at zero, and when r's type
// is not NondeallocMap, it deallocates the backing mapping via the
// page-table editor, then unlinks r from the list.
func (s *Space) FreeMmapArea(r *Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked(r)
}

func (s *Space) freeLocked(r *Region) error {
	remaining := atomic.AddInt32(r.count, -1)
	if remaining <= 0 {
		if r.Type != NondeallocMap {
			if err := s.editor.Deallocate(s.pml4, r.VAStart, r.Size()); err != nil {
				return err
			}
		}
	}

	if s.head == r {
		s.head = r.next
		return nil
	}
	for cur := s.head; cur != nil; cur = cur.next {
		if cur.next == r {
			cur.next = r.next
			return nil
		}
	}
	return nil
}

// FreeProcMemory walks and releases every region in the space, used on
// process exit and on sys_execve's image teardown.
func (s *Space) FreeProcMemory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cur := s.head; cur != nil; {
		next := cur.next
		if err := s.freeLocked(cur); err != nil {
			return err
		}
		cur = next
	}
	s.head = nil
	return nil
}

// AllocDirect is proc_alloc_direct: it finds a KernelAllocatedHeapData
// hole of size (page-aligned) and immediately maps it writable,
// non-executable, returning its base address.
func (s *Space) AllocDirect(size uint64) (uint64, error) {
	r, err := s.FindVAHole(size, MinVA, KernelAllocatedHeapData)
	if err != nil {
		return 0, err
	}
	if err := s.editor.Allocate(s.pml4, r.VAStart, r.Size(), true, false); err != nil {
		return 0, err
	}
	return r.VAStart, nil
}

// Fork produces a new Space over newPML4 whose region list shares every
// region's refcount with s (each bumped by one), the way fork shares
// mem_maps with the parent until either side diverges or exits. The new
// space gets its own PRNG seeded from reseed so its own future
// find_va_hole calls do not retrace the parent's sequence.
func (s *Space) Fork(newPML4 collab.PageTable, reseed int64) *Space {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := NewSpace(newPML4, s.editor, reseed)
	var tail *Region
	for cur := s.head; cur != nil; cur = cur.next {
		atomic.AddInt32(cur.count, 1)
		node := &Region{VAStart: cur.VAStart, VAEnd: cur.VAEnd, Type: cur.Type, count: cur.count}
		if tail == nil {
			child.head = node
		} else {
			tail.next = node
		}
		tail = node
	}
	return child
}

// Regions returns a snapshot slice of the space's regions in ascending
// order, for inspection/testing. It does not expose the shared list
// nodes themselves.
func (s *Space) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Region
	for cur := s.head; cur != nil; cur = cur.next {
		out = append(out, Region{VAStart: cur.VAStart, VAEnd: cur.VAEnd, Type: cur.Type})
	}
	return out
}
