package core

import "github.com/cthulhuos/kernel/pkg/kernel/arch"

// Residency tracks which single collection a thread currently belongs to.
// Invariant 2 (spec.md §8): a thread is in exactly one of a CPU's priority
// queue, a futex waiter list, or running as some CPU's current thread.
type Residency int

const (
	ResidencyNone Residency = iota
	ResidencyQueue
	ResidencyFutex
	ResidencyRunning
)

// ContinuationKind tags what a deferred syscall resumption should do when
// the scheduler invokes it.
type ContinuationKind int

const (
	ContinuationNone ContinuationKind = iota
	ContinuationFutexWait
	ContinuationExit
)

// Continuation is a saved kernel-side resumption point: a syscall that
// blocked left one of these on its thread so the scheduler can re-enter
// the syscall dispatcher before returning to user mode.
type Continuation struct {
	Kind ContinuationKind
	Arg  uint64
}

// Thread is a schedulable unit: one of possibly several threads owned by
// a Process. Its ticket balance lives in the owning Registry's ledger,
// keyed by TID, not inline here -- see spec.md §9's "tickets live in an
// arena... referenced by both endpoints via id".
type Thread struct {
	TID      uint64
	Process  *Process
	Priority int
	Blocked  bool

	Regs arch.Registers

	Continuation *Continuation

	// LocalInfo is the user-space address of this thread's local-info
	// page, the %gs-relative page whose first word is its own address
	// and second word is TID.
	LocalInfo uint64

	Residency Residency
	// CPU is the CPU descriptor this thread is currently queued on or
	// running on; nil when not yet scheduled or retired. FutexWait leaves
	// it pointing at the CPU the thread last ran or was queued on.
	CPU *CPU
}

// NewThread allocates a thread with the given id, owning process and
// priority, matching the zeroed-continuation/empty-futex-block state
// every lifecycle constructor gives a freshly created thread.
func NewThread(tid uint64, proc *Process, priority int) *Thread {
	return &Thread{
		TID:      tid,
		Process:  proc,
		Priority: priority,
		Residency: ResidencyNone,
	}
}
