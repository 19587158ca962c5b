package core

import (
	"sync"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/vmm"
)

// MessageQueue is a structural placeholder for the normal-input,
// priority-input and blocked-wait message queues spec.md §3 lists as
// process attributes but explicitly puts out of scope (no IPC payload
// semantics in this core). It exists so Process has the right shape and
// so a future message-passing layer has somewhere to attach.
type MessageQueue struct {
	mu    sync.Mutex
	items []uint64
}

func newMessageQueue() *MessageQueue { return &MessageQueue{} }

// futexWaiters is the waiter list for one futex address.
type futexWaiters struct {
	waiters []*Thread
}

// Process is an isolated address space and message endpoint.
type Process struct {
	ProcID uint64

	Parent     *Process
	Privileged bool
	Priority   int

	Threads []*Thread
	FDs     []int

	Space *vmm.Space

	// TempChildren records the proc ids of this process's own
	// under-construction children -- the creator-side half of
	// cp_stage_1's global temp-process table.
	TempChildren []uint64

	ArgC     int
	ArgV     uint64
	Environ  uint64

	NormalInput   *MessageQueue
	PriorityInput *MessageQueue
	BlockedWait   *MessageQueue

	// obLock serializes futexMemory access (FutexWord/SetFutexWord) and
	// Exit's reset of futexes; FutexWait/FutexWake read and update futexes
	// under the registry's thread modifier lock instead.
	obLock sync.Mutex

	futexes     map[uint64]*futexWaiters
	futexMemory map[uint64]uint32
}

// newProcess allocates a zeroed process shell; callers finish populating
// Space, Threads, priority etc. as their specific lifecycle operation
// requires.
func newProcess(pml4 collab.PageTable, editor collab.PageTableEditor, seed int64) *Process {
	return &Process{
		Space:         vmm.NewSpace(pml4, editor, seed),
		NormalInput:   newMessageQueue(),
		PriorityInput: newMessageQueue(),
		BlockedWait:   newMessageQueue(),
		futexes:       make(map[uint64]*futexWaiters),
		futexMemory:   make(map[uint64]uint32),
	}
}

// FutexWord loads the simulated 32-bit memory word at addr. This module
// does not implement real user memory (the physical memory manager is an
// out-of-scope collaborator), so futex cells are modeled as a simple map
// keyed by address -- enough to exercise the wait/wake compare-and-block
// contract without claiming to simulate a full address space.
func (p *Process) FutexWord(addr uint64) uint32 {
	p.obLock.Lock()
	defer p.obLock.Unlock()
	return p.futexMemory[addr]
}

// SetFutexWord stores a value into the simulated futex cell at addr, the
// equivalent of a user-space store to *addr that a real futex_wake caller
// performs before waking waiters.
func (p *Process) SetFutexWord(addr uint64, value uint32) {
	p.obLock.Lock()
	defer p.obLock.Unlock()
	p.futexMemory[addr] = value
}

// addThread appends t to the process's thread array.
func (p *Process) addThread(t *Thread) {
	p.Threads = append(p.Threads, t)
}

// removeThread drops t from the process's thread array, used by
// CreateProcessBase's cleanup to unwind its main thread on a failed create.
func (p *Process) removeThread(t *Thread) {
	for i, th := range p.Threads {
		if th == t {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			return
		}
	}
}
