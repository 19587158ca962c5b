package core

import "github.com/cthulhuos/kernel/pkg/kernel/arch"

// selectLocked implements the selection + promotion policy (spec.md
// §4.4 steps 1-3). Callers must hold cpuLock and cpuSchedLock.
func (c *CPU) selectLocked() *Thread {
	for i := 0; i < numPriorities; i++ {
		if len(c.queues[i]) == 0 {
			continue
		}
		t := c.popFrontLocked(i)
		if i < numPriorities-1 {
			c.promoteLocked(i)
		}
		return t
	}
	return nil
}

// promoteLocked runs the starvation-avoidance rule after a pop from level
// i: scan j = i+1..4 for the first non-empty queue, pop one thread from
// it, and push that thread onto the nearest empty slot found scanning
// forward from i (inclusive) up to, but not including, j.
func (c *CPU) promoteLocked(i int) {
	for j := i + 1; j < numPriorities; j++ {
		if len(c.queues[j]) == 0 {
			continue
		}
		t := c.popFrontLocked(j)
		dest := i
		for dest < j && len(c.queues[dest]) > 0 {
			dest++
		}
		c.pushBackLocked(dest, t)
		return
	}
}

// contextSwitchLocked implements spec.md §4.4 steps 3-9 given the
// already-selected next thread from selectLocked. Callers must hold
// cpuLock, cpuSchedLock and the registry's thread modifier lock.
func (c *CPU) contextSwitchLocked(trap *arch.TrapFrame) *Thread {
	old := c.current
	next := c.selectLocked()

	if old != nil && !old.Blocked {
		c.pushBackLocked(old.Priority, old)
		old.Residency = ResidencyQueue
	}

	if next == nil {
		c.current = nil
		return nil
	}

	sameThread := next == old
	if sameThread && trap != nil && trap.Regs.IsUsermodeCS() {
		c.current = next
		next.Residency = ResidencyRunning
		return next
	}

	if !sameThread && trap != nil && old != nil {
		old.Regs.CopyFrom(&trap.Regs)
	}

	c.installPML4IfNeeded(next.Process.Space.PML4())

	if trap != nil {
		trap.Regs.CopyFrom(&next.Regs)
		trap.Regs.CS = arch.UserCS
		trap.Regs.SS = arch.UserSS
		trap.Regs.DS = arch.UserDS
		trap.Regs.ES = arch.UserES
	}

	c.current = next
	next.Residency = ResidencyRunning
	next.CPU = c

	if next.Continuation != nil {
		cont := next.Continuation
		next.Continuation = nil
		if c.continuationHandler != nil {
			c.continuationHandler(next, cont)
		}
	}

	return next
}

// Schedule is the idle-aware entry point (`schedule` in the original): if
// every queue is empty it releases the CPU locks and blocks until an IPI
// brings work, then retries; once work exists it takes the thread
// modifier lock and performs one context switch. trap may be nil, meaning
// no trap frame is available (the CPU's very first dispatch) -- in that
// case the caller is responsible for invoking the usermode trampoline
// directly with the returned thread's register snapshot.
func (c *CPU) Schedule(reg *Registry, trap *arch.TrapFrame) *Thread {
	idleLocked := func() bool {
		if !c.allEmptyLocked() {
			return false
		}
		return c.current == nil || c.current.Blocked
	}

	c.handlePendingIPI()

	c.cpuLock.Lock()
	c.cpuSchedLock.Lock()
	for idleLocked() {
		c.cpuSchedLock.Unlock()
		c.cpuLock.Unlock()
		c.waitForWork()
		c.handlePendingIPI()
		c.cpuLock.Lock()
		c.cpuSchedLock.Lock()
	}

	reg.threadModifier.Lock()
	next := c.contextSwitchLocked(trap)
	reg.threadModifier.Unlock()

	c.cpuSchedLock.Unlock()
	c.cpuLock.Unlock()
	return next
}
