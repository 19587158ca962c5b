package core

import (
	"github.com/cthulhuos/kernel/pkg/kernel/arch"
	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/kerrors"
	"github.com/cthulhuos/kernel/pkg/kernel/ticket"
	"github.com/cthulhuos/kernel/pkg/kernel/vmm"
)

const (
	// MessageBufferCount is MESSAGE_BUFFER_CNT: the number of
	// pre-allocated output-message slots process_init gives a process.
	MessageBufferCount = 16
	// MessageBufferSize is each slot's size (2 MiB).
	MessageBufferSize = 0x200000
)

// cleanupStack runs its recorded undo actions in reverse order, the
// ordered-teardown pattern CreateProcessBase uses to unwind what it has
// recorded so far in the same call on any later failure. CPStage1 has a
// single failable step and does not use one.
type cleanupStack struct {
	actions []func()
}

func (c *cleanupStack) push(undo func()) { c.actions = append(c.actions, undo) }

func (c *cleanupStack) unwind() {
	for i := len(c.actions) - 1; i >= 0; i-- {
		c.actions[i]()
	}
}

// CreateInitProcessStructure allocates a process rooted at pml, registers
// it in the global process list, and creates its single main thread. It
// is used exactly once, for PID 1.
func (reg *Registry) CreateInitProcessStructure(pml collab.PageTable, seed int64) *Process {
	p := newProcess(pml, reg.editor, seed)
	p.Priority = 0
	p.Privileged = true

	reg.proclistMu.Lock()
	p.ProcID = reg.allocProcID()
	reg.commitProcessLocked(p)
	reg.proclistMu.Unlock()

	mainTID := reg.allocThreadID()
	main := NewThread(mainTID, p, 0)
	main.Regs.Zero()
	p.addThread(main)

	reg.Tickets.Register(ticketID(main), reg.perProcessTickets)
	reg.log.Infow("created init process", "proc", p.ProcID, "tid", main.TID)

	return p
}

// ticketID adapts a Thread to the ticket package's ThreadID key space.
func ticketID(t *Thread) ticket.ThreadID { return ticket.ThreadID(t.TID) }

// ProcessInit is process_init: it allocates the main thread's local-info
// page inside P's own address space (populated via the page-table
// editor's DifferentPageMem translation) and pre-allocates
// MessageBufferCount output-message slots.
func (reg *Registry) ProcessInit(p *Process) error {
	main := p.Threads[0]

	localInfoAddr, err := p.Space.AllocDirect(0x1000)
	if err != nil {
		return err
	}
	translated, err := reg.editor.DifferentPageMem(p.Space.PML4(), localInfoAddr)
	if err != nil {
		return err
	}
	main.LocalInfo = translated

	for i := 0; i < MessageBufferCount; i++ {
		if _, err := p.Space.AllocDirect(MessageBufferSize); err != nil {
			return err
		}
	}
	return nil
}

// CreateProcessBaseParams bundles create_process_base's arguments.
type CreateProcessBaseParams struct {
	Image         collab.ELFImage
	Argv          []string
	Envp          []string
	AskedPriority int
}

// CreateProcessBase is the full "exec a fresh image into a brand-new
// process" path, following the ten steps of spec.md §4.3.
func (reg *Registry) CreateProcessBase(caller *Process, params CreateProcessBaseParams, callerCPU *CPU, seed int64) (*Process, error) {
	// Step 1: may not elevate priority above the caller's own, nor ask for
	// a priority past the registry's configured ceiling.
	if caller.Priority > params.AskedPriority || params.AskedPriority > reg.maxPriority {
		return nil, kerrors.ErrInval
	}

	var cleanup cleanupStack

	// Step 3: allocate the process shell.
	pml4, err := reg.editor.CreatePML4()
	if err != nil {
		return nil, kerrors.ErrNoMem
	}

	p := newProcess(pml4, reg.editor, seed)
	p.Priority = params.AskedPriority

	// Step 4: allocate the main thread.
	main := NewThread(0, p, params.AskedPriority) // tid assigned at commit, step 8
	p.addThread(main)
	cleanup.push(func() { p.removeThread(main) })

	// Step 5: invoke the ELF loader.
	result, err := reg.elf.LoadExec(params.Image, pml4)
	if err != nil {
		cleanup.unwind()
		if err == collab.ErrELFNoMem {
			return nil, kerrors.ErrNoMem
		}
		return nil, kerrors.ErrInval
	}

	// Step 6: copy argv/envp into the new address space. The
	// deep-copied kernel-side arrays were already handed to us via
	// params (step 2's cpy_array happens at the caller boundary in this
	// Go rendition -- params.Argv/Envp are plain Go strings, not kernel
	// pointers); here we place them into the child's own address space.
	argvUser, envpUser, err := reg.placeArgvEnvp(p, params.Argv, params.Envp)
	if err != nil {
		cleanup.unwind()
		return nil, err
	}

	// Step 7: zero all GP registers, then apply the entry convention.
	main.Regs.Zero()
	main.Regs.RIP = result.EntryRIP
	main.Regs.RSP = result.StackRSP
	main.Regs.ApplyEntryConvention(uint64(len(params.Argv)), argvUser, envpUser)

	// Step 8: commit under the global process list lock.
	reg.proclistMu.Lock()
	main.TID = reg.allocThreadID()
	p.ProcID = reg.allocProcID()
	reg.commitProcessLocked(p)
	reg.proclistMu.Unlock()

	p.ArgC = len(params.Argv)
	p.ArgV = argvUser
	p.Environ = envpUser

	reg.Tickets.Register(ticketID(main), reg.perProcessTickets)

	// Step 7 (fork-like return convention): rax carries the new proc_id.
	main.Regs.RAX = p.ProcID

	// Step 9: place on the least-loaded CPU.
	if err := reg.EnscheduleBest(main, callerCPU); err != nil {
		return nil, err
	}

	reg.log.Infow("created process base", "proc", p.ProcID, "tid", main.TID, "priority", p.Priority)

	return p, nil
}

// placeArgvEnvp is a stand-in for cpy_array_user: it records argc/argv in
// the new process's own address space representation. Since this module
// does not simulate real user memory contents (only the VA layout), it
// allocates the space the real arrays would occupy and returns its base
// address as the "user pointer" the entry convention expects.
func (reg *Registry) placeArgvEnvp(p *Process, argv, envp []string) (argvUser, envpUser uint64, err error) {
	argvSize := uint64((len(argv) + 1) * 8)
	envpSize := uint64((len(envp) + 1) * 8)

	argvUser, err = p.Space.AllocDirect(argvSize)
	if err != nil {
		return 0, 0, kerrors.ErrNoMem
	}
	envpUser, err = p.Space.AllocDirect(envpSize)
	if err != nil {
		return 0, 0, kerrors.ErrNoMem
	}
	return argvUser, envpUser, nil
}

// CPStage1Params bundles cp_stage_1's arguments.
type CPStage1Params struct {
	Privilege bool
	Parent    *Process // nil unless data->parent is set
	Priority  int       // < 0 inherits caller priority; > reg.maxPriority is EINVAL
}

// CPStage1 is the two-phase process creation's first phase: it allocates
// the process shell and registers it in the global under-construction
// table and the creator's own temp-children list, but does not load an
// ELF image or commit to the runnable process list.
func (reg *Registry) CPStage1(caller *Process, params CPStage1Params, seed int64) (uint64, error) {
	priority := params.Priority
	switch {
	case priority < 0:
		priority = caller.Priority
	case priority > reg.maxPriority:
		return 0, kerrors.ErrInval
	}

	// Unlike the original's per-step failable allocator calls, a Go map
	// insert or slice append cannot itself fail; the only failable step
	// here is CreatePML4, and there is nothing to unwind if it is the
	// first thing that fails.
	pml4, err := reg.editor.CreatePML4()
	if err != nil {
		return 0, kerrors.ErrNoMem
	}

	p := newProcess(pml4, reg.editor, seed)
	p.Priority = priority
	p.Privileged = params.Privilege && caller.Privileged
	if params.Parent != nil {
		p.Parent = params.Parent
	}

	reg.proclistMu.Lock()
	p.ProcID = reg.allocProcID()
	reg.proclistMu.Unlock()

	tp := &TempProcess{ProcID: p.ProcID, State: TempCP1, Process: p}

	reg.proclist2Mu.Lock()
	reg.tempProcesses[p.ProcID] = tp
	reg.proclist2Mu.Unlock()

	caller.TempChildren = append(caller.TempChildren, p.ProcID)

	return p.ProcID, nil
}

// SysExecve replaces the current process's image in place: it tears down
// every non-main thread and the existing address space, loads the new
// image, resets registers and tickets, and leaves the main thread ready
// to return to the new entry point.
//
// Open question (spec.md §9): the original leaves no rollback path on
// ELF load failure after the old image has already been freed ("TODO:
// add abort"). This implementation decides the process does NOT survive
// a failed exec: once free_proc_memory has run there is no image left to
// resume, so a load failure after that point tears the process down
// rather than leaving it in a half-destroyed state. Callers observe this
// as the returned error accompanying a nil main thread.
func (reg *Registry) SysExecve(c *CPU, p *Process, image collab.ELFImage, argv, envp []string) (*Thread, error) {
	c.cpuLock.Lock()
	c.cpuSchedLock.Lock()
	reg.threadModifier.Lock()
	defer func() {
		reg.threadModifier.Unlock()
		c.cpuSchedLock.Unlock()
		c.cpuLock.Unlock()
	}()

	main := p.Threads[0]

	// Kill every non-main sibling: release its outstanding ticket
	// records and drop it from the thread array.
	for _, t := range p.Threads[1:] {
		t.Blocked = true
		t.Residency = ResidencyNone
		reg.Tickets.ReleaseAll(ticketID(t))
	}
	p.Threads = p.Threads[:1]

	oldPML4 := p.Space.PML4()
	if err := p.Space.FreeProcMemory(); err != nil {
		return nil, kerrors.ErrNoMem
	}
	if err := reg.ShootdownTLB(c, oldPML4, vmm.MinVA, vmm.MaxVA-vmm.MinVA); err != nil {
		return nil, kerrors.ErrNoMem
	}

	result, err := reg.elf.LoadExec(image, p.Space.PML4())
	if err != nil {
		// Past this point the old image is gone; per the Open Question
		// decision above, the process does not survive.
		reg.RemoveProcess(p)
		if err == collab.ErrELFNoMem {
			return nil, kerrors.ErrNoMem
		}
		return nil, kerrors.ErrInval
	}

	argvUser, envpUser, err := reg.placeArgvEnvp(p, argv, envp)
	if err != nil {
		reg.RemoveProcess(p)
		return nil, err
	}

	main.Regs.Zero()
	main.Regs.RIP = result.EntryRIP
	main.Regs.RSP = result.StackRSP
	main.Regs.ApplyEntryConvention(uint64(len(argv)), argvUser, envpUser)

	p.ArgC = len(argv)
	p.ArgV = argvUser
	p.Environ = envpUser

	reg.Tickets.Reset(ticketID(main), reg.perProcessTickets)

	main.Continuation = nil
	main.Blocked = false

	reg.log.Infow("exec", "proc", p.ProcID, "tid", main.TID)

	return main, nil
}

// Fork clones parent into a brand-new process: a new pml4 (via the
// page-table editor's ClonePagingStructures, the clone_paging_structures
// collaborator), a shared-refcounted copy of every memory-map region
// (vmm.Space.Fork), and a deep copy of the file descriptor array into the
// CHILD's own fds slice. The original's fork_process pushes the
// duplicated fds onto the parent's own array instead of the child's --
// spec.md §9 flags this as almost certainly a bug; this implementation
// appends to the child, per the documented intent ("deep-copy into the
// child's fd array"). callerCPU is threaded through to EnscheduleBest the
// same way CreateProcessBase's step 9 does, so the child actually lands on
// a CPU's run queue instead of merely existing in the process list.
func (reg *Registry) Fork(parent *Process, regs arch.Registers, callerCPU *CPU, seed int64) (*Process, error) {
	childPML4, err := reg.editor.ClonePagingStructures(parent.Space.PML4())
	if err != nil {
		return nil, kerrors.ErrNoMem
	}

	child := newProcess(childPML4, reg.editor, seed)
	child.Space = parent.Space.Fork(childPML4, seed)
	child.Priority = parent.Priority
	child.Parent = parent
	child.FDs = append(child.FDs, parent.FDs...)

	childMain := NewThread(0, child, parent.Threads[0].Priority)
	childMain.Regs = regs
	childMain.Regs.RAX = 0 // 0 to the child
	child.addThread(childMain)

	reg.proclistMu.Lock()
	child.ProcID = reg.allocProcID()
	childMain.TID = reg.allocThreadID()
	reg.commitProcessLocked(child)
	reg.proclistMu.Unlock()

	reg.Tickets.Register(ticketID(childMain), reg.perProcessTickets)

	parent.Threads[0].Regs.RAX = child.ProcID // child's proc_id to parent

	if err := reg.EnscheduleBest(childMain, callerCPU); err != nil {
		return nil, err
	}

	reg.log.Infow("fork", "parent", parent.ProcID, "child", child.ProcID, "tid", childMain.TID)

	return child, nil
}

// retireThread removes t from wherever it currently resides -- a CPU's
// run queue, or as that CPU's current thread -- and releases its
// outstanding ticket records, clearing any pending continuation so it can
// never be dispatched again. Lock order matches Enschedule's: a thread's
// own CPU's cpuLock, then cpuSchedLock, then the registry's thread
// modifier; a thread with no CPU (never scheduled) only needs the latter.
// A futex-blocked thread still carries the CPU it last ran or was queued
// on, so it takes the first path, where removeFromQueueLocked is a no-op
// unless it is still that CPU's current thread.
func (reg *Registry) retireThread(t *Thread) {
	if c := t.CPU; c != nil {
		c.cpuLock.Lock()
		c.cpuSchedLock.Lock()
		reg.threadModifier.Lock()

		c.removeFromQueueLocked(t)

		reg.threadModifier.Unlock()
		c.cpuSchedLock.Unlock()
		c.cpuLock.Unlock()
	} else {
		reg.threadModifier.Lock()
		reg.threadModifier.Unlock()
	}

	t.Blocked = true
	t.Residency = ResidencyNone
	t.CPU = nil
	t.Continuation = nil

	reg.Tickets.ReleaseAll(ticketID(t))
}

// Exit is the process-teardown lifecycle operation (spec.md §4's sixth
// operation): every thread is retired off whatever CPU queue or current
// slot it occupies and its tickets released, the address space is freed
// via vmm.Space.FreeProcMemory and its translations shot down on every
// CPU, and the process is dropped from the global runnable-process list.
// It completes the teardown shape SysExecve already performs half of
// (FreeProcMemory, a TLB shootdown) by also clearing the thread and
// process bookkeeping SysExecve never had to touch, since exec keeps the
// process and its main thread alive.
func (reg *Registry) Exit(p *Process) error {
	for _, t := range p.Threads {
		reg.retireThread(t)
	}

	oldPML4 := p.Space.PML4()
	if err := p.Space.FreeProcMemory(); err != nil {
		return kerrors.ErrNoMem
	}
	if err := reg.ShootdownTLB(nil, oldPML4, vmm.MinVA, vmm.MaxVA-vmm.MinVA); err != nil {
		return kerrors.ErrNoMem
	}

	reg.RemoveProcess(p)

	p.obLock.Lock()
	p.futexes = make(map[uint64]*futexWaiters)
	p.obLock.Unlock()

	reg.log.Infow("exit", "proc", p.ProcID, "threads", len(p.Threads))

	return nil
}

// SysExit is the voluntary-exit syscall entry point: it tags the calling
// thread with ContinuationExit and blocks it so Schedule switches this CPU
// away before its process's address space is freed out from under the
// instructions it was executing, then runs Exit on its process. This is
// ContinuationExit's only construction site, and retireThread (via Exit)
// is what clears it -- the same blocked-then-resumed-elsewhere shape
// FutexWait/FutexWake use, except the thread that set the tag never comes
// back.
func (reg *Registry) SysExit(c *CPU, t *Thread, trap *arch.TrapFrame) error {
	c.cpuLock.Lock()
	c.cpuSchedLock.Lock()
	reg.threadModifier.Lock()

	t.Blocked = true
	t.Continuation = &Continuation{Kind: ContinuationExit}

	reg.threadModifier.Unlock()
	c.cpuSchedLock.Unlock()
	c.cpuLock.Unlock()

	c.Schedule(reg, trap)

	return reg.Exit(t.Process)
}
