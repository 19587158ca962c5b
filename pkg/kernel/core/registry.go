// Package core implements the scheduler/process/thread management core:
// the per-CPU multilevel priority scheduler, the process/thread lifecycle
// operations, futex wait/wake, and SMP/IPI coordination. It is one
// package, the way gVisor keeps Task, ThreadGroup and the scheduling
// machinery together in pkg/sentry/kernel, because the scheduler and the
// lifecycle operations that enqueue onto it are too tightly coupled
// (enschedule_best, futex_wake's enschedule_best_nolock, context_switch's
// continuation dispatch) to split across an import boundary without
// introducing a cycle.
package core

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/ticket"
	"github.com/cthulhuos/kernel/pkg/klog"
)

// TempState is the lifecycle state of a process under two-phase
// construction.
type TempState int

const (
	// TempCP1 is the state a process is in immediately after
	// cp_stage_1: allocated and registered, but not yet loaded or
	// committed to the runnable process list.
	TempCP1 TempState = iota
)

// TempProcess is one entry in the global under-construction-process
// table, keyed by proc id.
type TempProcess struct {
	ProcID  uint64
	State   TempState
	Process *Process
}

// Registry is the kernel core's global state: the CPU array, the
// runnable-process list, the under-construction-process table, the
// monotonic id counters, and the two cross-CPU spinlocks
// (__thread_modifier, __halted_modifier) that serialize any modification
// of thread residency or blocked/unblocked transitions. Exactly one
// Registry exists per simulated kernel instance.
type Registry struct {
	CPUs []*CPU

	editor collab.PageTableEditor
	elf    collab.ELFLoader

	proclistMu sync.Mutex // __proclist_lock
	proclist   []*Process

	proclist2Mu    sync.Mutex // __proclist_lock2
	tempProcesses  map[uint64]*TempProcess

	nextProcID   uint64
	nextThreadID uint64

	threadModifier sync.Mutex
	haltedModifier sync.Mutex

	Tickets *ticket.Ledger

	log *zap.SugaredLogger

	// perProcessTickets and maxPriority are the config-driven overrides of
	// PerProcessTickets and defaultMaxPriority; Configure installs
	// bootconfig's values over the defaults NewRegistry sets.
	perProcessTickets int64
	maxPriority       int
}

// PerProcessTickets is the default base ticket allotment a thread is given
// at creation and restored to on exec (S5), absent a Configure override.
const PerProcessTickets = 1000

// defaultMaxPriority is the default highest priority value (lowest
// urgency) CreateProcessBase/CPStage1 accept, absent a Configure override.
// numPriorities bands are indexed 0..numPriorities-1, so this is the
// largest valid index.
const defaultMaxPriority = numPriorities - 1

// NewRegistry constructs an empty registry over the given CPU set, page
// table editor and ELF loader collaborators.
func NewRegistry(cpus []*CPU, editor collab.PageTableEditor, elf collab.ELFLoader) *Registry {
	return &Registry{
		CPUs:              cpus,
		editor:            editor,
		elf:               elf,
		tempProcesses:     make(map[uint64]*TempProcess),
		Tickets:           ticket.NewLedger(),
		log:               klog.NoOp(),
		perProcessTickets: PerProcessTickets,
		maxPriority:       defaultMaxPriority,
	}
}

// SetLogger installs l as the registry's structured logger, replacing the
// no-op default.
func (reg *Registry) SetLogger(l *zap.SugaredLogger) {
	reg.log = klog.OrNoOp(l)
}

// Configure overrides the per-process ticket budget and the highest
// priority value lifecycle operations accept, per bootconfig.Config's
// PerProcessTickets/MaxPriority. A zero/negative ticketBudget or a
// maxPriority outside [0, numPriorities-1] leaves the corresponding
// default in place rather than installing a value CreateProcessBase could
// never satisfy.
func (reg *Registry) Configure(ticketBudget int64, maxPriority int) {
	if ticketBudget > 0 {
		reg.perProcessTickets = ticketBudget
	}
	if maxPriority >= 0 && maxPriority < numPriorities {
		reg.maxPriority = maxPriority
	}
}

func (reg *Registry) allocProcID() uint64 {
	return atomic.AddUint64(&reg.nextProcID, 1)
}

func (reg *Registry) allocThreadID() uint64 {
	return atomic.AddUint64(&reg.nextThreadID, 1)
}

// Processes returns a snapshot of the global runnable-process list.
func (reg *Registry) Processes() []*Process {
	reg.proclistMu.Lock()
	defer reg.proclistMu.Unlock()
	return append([]*Process(nil), reg.proclist...)
}

func (reg *Registry) commitProcessLocked(p *Process) {
	reg.proclist = append(reg.proclist, p)
}

// RemoveProcess removes p from the global runnable-process list, used on
// process exit.
func (reg *Registry) RemoveProcess(p *Process) {
	reg.proclistMu.Lock()
	defer reg.proclistMu.Unlock()
	for i, q := range reg.proclist {
		if q == p {
			reg.proclist = append(reg.proclist[:i], reg.proclist[i+1:]...)
			return
		}
	}
}

// TempProcessByID looks up a process still under two-phase construction.
func (reg *Registry) TempProcessByID(id uint64) (*TempProcess, bool) {
	reg.proclist2Mu.Lock()
	defer reg.proclist2Mu.Unlock()
	tp, ok := reg.tempProcesses[id]
	return tp, ok
}
