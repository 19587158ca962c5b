package collab

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// fakePageTable is a trivial identity-comparable PageTable used by
// FakePageTableEditor.
type fakePageTable struct {
	id uint64
}

func (p *fakePageTable) ID() uint64 { return p.id }

type fakeMapping struct {
	vastart, size        uint64
	writable, executable bool
}

// FakePageTableEditor is an in-memory stand-in for the physical memory
// manager / page-table editor, tracking mappings per PageTable instead of
// programming real page tables. It is what the test suite and the
// cthulhuctl demo CLI run against.
type FakePageTableEditor struct {
	mu          sync.Mutex
	nextID      uint64
	mappings    map[uint64][]fakeMapping
	active      PageTable
	invalidated []InvalidatedRange
}

// InvalidatedRange is one recorded InvalidateRange call, exposed for test
// assertions that a TLB shootdown actually reached this editor.
type InvalidatedRange struct {
	PageTableID uint64
	VAStart     uint64
	Size        uint64
}

// NewFakePageTableEditor constructs an empty editor.
func NewFakePageTableEditor() *FakePageTableEditor {
	return &FakePageTableEditor{mappings: make(map[uint64][]fakeMapping)}
}

func (e *FakePageTableEditor) CreatePML4() (PageTable, error) {
	id := atomic.AddUint64(&e.nextID, 1)
	e.mu.Lock()
	e.mappings[id] = nil
	e.mu.Unlock()
	return &fakePageTable{id: id}, nil
}

func (e *FakePageTableEditor) ClonePagingStructures(src PageTable) (PageTable, error) {
	id := atomic.AddUint64(&e.nextID, 1)
	e.mu.Lock()
	defer e.mu.Unlock()
	cloned := append([]fakeMapping(nil), e.mappings[src.ID()]...)
	e.mappings[id] = cloned
	return &fakePageTable{id: id}, nil
}

func (e *FakePageTableEditor) Allocate(pt PageTable, vastart, size uint64, writable, executable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mappings[pt.ID()] = append(e.mappings[pt.ID()], fakeMapping{vastart, size, writable, executable})
	return nil
}

func (e *FakePageTableEditor) Deallocate(pt PageTable, vastart, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := e.mappings[pt.ID()]
	for i, m := range ms {
		if m.vastart == vastart && m.size == size {
			e.mappings[pt.ID()] = append(ms[:i], ms[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("fake editor: no mapping at %#x/%#x to deallocate", vastart, size)
}

func (e *FakePageTableEditor) DifferentPageMem(pt PageTable, addr uint64) (uint64, error) {
	// The fake address space is not actually backed by host memory; the
	// identity translation is sufficient for a simulator where "foreign"
	// addresses and "local" addresses share the same uint64 space.
	return addr, nil
}

func (e *FakePageTableEditor) SetActivePage(pt PageTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = pt
}

func (e *FakePageTableEditor) GetActivePage() PageTable {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// InvalidateRange records the shootdown instead of touching a real TLB;
// the fake has none.
func (e *FakePageTableEditor) InvalidateRange(pt PageTable, vastart, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidated = append(e.invalidated, InvalidatedRange{PageTableID: pt.ID(), VAStart: vastart, Size: size})
	return nil
}

// Invalidated returns a snapshot of every InvalidateRange call recorded so
// far, for tests asserting a shootdown actually reached every CPU.
func (e *FakePageTableEditor) Invalidated() []InvalidatedRange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]InvalidatedRange(nil), e.invalidated...)
}

// FakeELFLoader returns a fixed entry/stack pair for any image whose Data
// is non-empty, and ErrELFMalformed for an empty one -- enough behavior
// for exercising create_process_base/sys_execve's error-translation paths
// without a real ELF parser.
type FakeELFLoader struct {
	EntryRIP uint64
	StackRSP uint64
}

func NewFakeELFLoader() *FakeELFLoader {
	return &FakeELFLoader{EntryRIP: 0x401000, StackRSP: 0x7fffffffe000}
}

func (f *FakeELFLoader) LoadExec(image ELFImage, pt PageTable) (ELFLoadResult, error) {
	if len(image.Data) == 0 {
		return ELFLoadResult{}, ErrELFMalformed
	}
	return ELFLoadResult{EntryRIP: f.EntryRIP, StackRSP: f.StackRSP}, nil
}

// FakeAPICDriver records delivered IPIs instead of touching real MMIO, and
// returns a fixed topology table set up by the caller.
type FakeAPICDriver struct {
	mu        sync.Mutex
	Topology  []CPUTopologyEntry
	Delivered []FakeIPI
}

// FakeIPI is one recorded SendIPI call.
type FakeIPI struct {
	APICID uint32
	Vector uint8
	Init   bool
}

func NewFakeAPICDriver(topology []CPUTopologyEntry) *FakeAPICDriver {
	return &FakeAPICDriver{Topology: topology}
}

func (a *FakeAPICDriver) SendIPI(apicID uint32, vector uint8, init bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Delivered = append(a.Delivered, FakeIPI{apicID, vector, init})
	return nil
}

func (a *FakeAPICDriver) DiscoverTopology() ([]CPUTopologyEntry, error) {
	return a.Topology, nil
}

func (a *FakeAPICDriver) History() []FakeIPI {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FakeIPI(nil), a.Delivered...)
}
