package core

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cthulhuos/kernel/pkg/kernel/arch"
	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/klog"
)

// numPriorities is the number of FIFO priority bands every CPU's run
// queue set has: 0 (highest) through 4 (lowest).
const numPriorities = 5

// ipiMailbox is the CPU's single-slot IPI mailbox: message, type, sender
// and a handled flag, guarded by its own lock per spec.md §3.
// IPI_TLB_SHOOTDOWN additionally carries a page table and range, the only
// vector this module delivers with a payload.
type ipiMailbox struct {
	mu      sync.Mutex
	pending bool
	vector  uint8
	sender  int
	handled bool

	shootPT   collab.PageTable
	shootVA   uint64
	shootSize uint64
}

// CPU is one logical CPU descriptor. Queues, current thread and the
// active page table are guarded by cpuLock/cpuSchedLock acquired in that
// order (see Registry's lock-order doc); the idle condition variable is
// its own lock, signaled whenever work is enqueued or an IPI arrives.
type CPU struct {
	ID     int
	APICID uint32

	apic   collab.APICDriver
	editor collab.PageTableEditor

	cpuLock      sync.Mutex
	cpuSchedLock sync.Mutex

	queues  [numPriorities][]*Thread
	current *Thread

	activePML4 collab.PageTable

	idleMu   sync.Mutex
	idleCond *sync.Cond

	mailbox ipiMailbox

	// continuationHandler re-enters the syscall dispatcher for a thread
	// whose Continuation just fired. It is a hook rather than a fixed
	// dependency because the dispatcher itself is out of scope for this
	// core; tests and cthulhuctl supply their own.
	continuationHandler func(t *Thread, c *Continuation)

	log *zap.SugaredLogger
}

// NewCPU constructs an idle CPU descriptor with no current thread and an
// empty queue set.
func NewCPU(id int, apicID uint32, apic collab.APICDriver, editor collab.PageTableEditor) *CPU {
	c := &CPU{ID: id, APICID: apicID, apic: apic, editor: editor, log: klog.NoOp()}
	c.idleCond = sync.NewCond(&c.idleMu)
	return c
}

// SetLogger installs l as this CPU's structured logger, replacing the
// no-op default.
func (c *CPU) SetLogger(l *zap.SugaredLogger) {
	c.log = klog.OrNoOp(l)
}

// SetContinuationHandler installs the callback ContextSwitch invokes when
// a scheduled-in thread has a pending continuation.
func (c *CPU) SetContinuationHandler(h func(t *Thread, cont *Continuation)) {
	c.continuationHandler = h
}

// Current returns the thread currently running on c, or nil if idle.
func (c *CPU) Current() *Thread {
	c.cpuLock.Lock()
	defer c.cpuLock.Unlock()
	return c.current
}

func (c *CPU) pushBackLocked(priority int, t *Thread) {
	c.queues[priority] = append(c.queues[priority], t)
}

func (c *CPU) popFrontLocked(priority int) *Thread {
	q := c.queues[priority]
	t := q[0]
	c.queues[priority] = q[1:]
	return t
}

// removeFromQueueLocked drops t from whichever priority band holds it, or
// clears it as the current thread if it is neither queued nor found --
// the teardown primitive Exit uses so a dying thread can never be
// dispatched again. A no-op if t is in neither place (e.g. it is blocked
// on a futex elsewhere). Callers must hold cpuLock and cpuSchedLock.
func (c *CPU) removeFromQueueLocked(t *Thread) {
	for p := 0; p < numPriorities; p++ {
		q := c.queues[p]
		for i, th := range q {
			if th == t {
				c.queues[p] = append(q[:i], q[i+1:]...)
				return
			}
		}
	}
	if c.current == t {
		c.current = nil
	}
}

func (c *CPU) allEmptyLocked() bool {
	for i := 0; i < numPriorities; i++ {
		if len(c.queues[i]) > 0 {
			return false
		}
	}
	return true
}

// priorityCountLocked is priority_count(cpu): the weighted queue-size sum
// used only for load-balancing placement, never for selection.
func (c *CPU) priorityCountLocked() int {
	total := 0
	for i := 0; i < numPriorities; i++ {
		total += len(c.queues[i]) * (numPriorities - i)
	}
	return total
}

// PriorityCount takes the CPU's own locks and returns its current load
// estimate, for use by callers outside the scheduler (enschedule_best's
// placement scan).
func (c *CPU) PriorityCount() int {
	c.cpuLock.Lock()
	c.cpuSchedLock.Lock()
	defer c.cpuSchedLock.Unlock()
	defer c.cpuLock.Unlock()
	return c.priorityCountLocked()
}

// signalWork wakes a CPU blocked in its idle loop.
func (c *CPU) signalWork() {
	c.idleMu.Lock()
	c.idleCond.Broadcast()
	c.idleMu.Unlock()
}

// waitForWork blocks until signalWork is called. It must be invoked with
// no CPU locks held, mirroring "release the CPU spinlocks, enable
// interrupts, wait on WAIT_SCHEDULER_QUEUE_CHNG".
func (c *CPU) waitForWork() {
	c.idleMu.Lock()
	c.idleCond.Wait()
	c.idleMu.Unlock()
}

// deliverIPI marks the mailbox pending and wakes the idle loop if it is
// parked -- the simulated equivalent of an inter-processor interrupt
// arriving and bringing the CPU back from WAIT_SCHEDULER_QUEUE_CHNG.
func (c *CPU) deliverIPI(vector uint8, sender int) {
	c.mailbox.mu.Lock()
	c.mailbox.pending = true
	c.mailbox.vector = vector
	c.mailbox.sender = sender
	c.mailbox.handled = false
	c.mailbox.mu.Unlock()
	c.signalWork()
}

// AckIPI clears the mailbox's pending flag and sets its handled flag,
// acknowledging delivery. It is
// safe to call even when no IPI is pending.
func (c *CPU) AckIPI() {
	c.mailbox.mu.Lock()
	c.mailbox.pending = false
	c.mailbox.handled = true
	c.mailbox.mu.Unlock()
}

// deliverShootdown is deliverIPI's IPI_TLB_SHOOTDOWN counterpart: it
// stashes the page table and range alongside the vector so
// handlePendingIPI can act on them once this CPU drains its mailbox.
func (c *CPU) deliverShootdown(pt collab.PageTable, vastart, size uint64, sender int) {
	c.mailbox.mu.Lock()
	c.mailbox.pending = true
	c.mailbox.vector = collab.IPITLBShootdown
	c.mailbox.sender = sender
	c.mailbox.handled = false
	c.mailbox.shootPT = pt
	c.mailbox.shootVA = vastart
	c.mailbox.shootSize = size
	c.mailbox.mu.Unlock()
	c.signalWork()
}

// drainMailbox consumes whatever IPI is pending, if any, reporting its
// vector and (for a shootdown) payload.
func (c *CPU) drainMailbox() (vector uint8, pt collab.PageTable, vastart, size uint64, ok bool) {
	c.mailbox.mu.Lock()
	defer c.mailbox.mu.Unlock()
	if !c.mailbox.pending {
		return 0, nil, 0, 0, false
	}
	vector = c.mailbox.vector
	pt = c.mailbox.shootPT
	vastart = c.mailbox.shootVA
	size = c.mailbox.shootSize
	c.mailbox.pending = false
	c.mailbox.handled = true
	return vector, pt, vastart, size, true
}

// handlePendingIPI drains and acts on any IPI sitting in the mailbox.
// IPI_RUN_SCHEDULER carries no payload -- waking this CPU's idle wait via
// signalWork is its entire job, already done by the time Schedule calls
// this -- so draining it here is just acknowledgement. IPI_TLB_SHOOTDOWN
// carries a page table and range and must actually invalidate before this
// CPU resumes a thread that shares that address space, since it may be
// mid-way through translating something another CPU just unmapped.
func (c *CPU) handlePendingIPI() {
	vector, pt, vastart, size, ok := c.drainMailbox()
	if !ok {
		return
	}
	if vector == collab.IPITLBShootdown && pt != nil {
		if err := c.editor.InvalidateRange(pt, vastart, size); err != nil {
			c.log.Warnw("tlb shootdown invalidate failed", "cpu", c.ID, "err", err)
		}
	}
}

// sendIPITo delivers vector to target, through the APIC driver collaborator
// if one is configured (so real IPI delivery can be recorded/observed),
// and always updates the in-process mailbox so the simulated target CPU's
// idle loop wakes up regardless of whether a real APIC is present.
func (c *CPU) sendIPITo(target *CPU, vector uint8, init bool) error {
	if target.apic != nil {
		if err := target.apic.SendIPI(target.APICID, vector, init); err != nil {
			return err
		}
	}
	target.deliverIPI(vector, c.ID)
	c.log.Debugw("sent ipi", "from", c.ID, "to", target.ID, "vector", vector, "init", init)
	return nil
}

// installPML4IfNeeded switches the active page table when the incoming
// thread's address space differs from the CPU's cached
// current_address_space, an atomic store in the original; a plain field
// write is equivalent here since it only ever happens while cpuLock is
// held.
func (c *CPU) installPML4IfNeeded(pt collab.PageTable) {
	if c.activePML4 != nil && c.activePML4.ID() == pt.ID() {
		return
	}
	c.editor.SetActivePage(pt)
	c.activePML4 = pt
}

// TrapFrame re-exports arch.TrapFrame for callers that only import core.
type TrapFrame = arch.TrapFrame
