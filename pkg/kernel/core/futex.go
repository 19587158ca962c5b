package core

import (
	"github.com/cthulhuos/kernel/pkg/kernel/arch"
	"github.com/cthulhuos/kernel/pkg/kernel/kerrors"
)

// FutexWait is futex_wait: if the simulated word at addr does not equal
// expected, it returns kerrors.ErrWouldBlock without blocking. Otherwise
// it finds or creates the waiter list at addr, pushes the calling thread,
// marks it blocked, releases the scheduler locks, and calls Schedule on
// its CPU (`schedule(regs)`), returning once some other thread has woken
// it and it has been rescheduled.
func (reg *Registry) FutexWait(c *CPU, t *Thread, trap *arch.TrapFrame, addr uint64, expected uint32) error {
	p := t.Process

	if p.FutexWord(addr) != expected {
		return kerrors.ErrWouldBlock
	}

	c.cpuLock.Lock()
	c.cpuSchedLock.Lock()
	reg.threadModifier.Lock()
	reg.haltedModifier.Lock()

	fw := p.futexes[addr]
	if fw == nil {
		fw = &futexWaiters{}
		p.futexes[addr] = fw
	}
	fw.waiters = append(fw.waiters, t)
	t.Blocked = true
	t.Residency = ResidencyFutex

	reg.haltedModifier.Unlock()
	reg.threadModifier.Unlock()
	c.cpuSchedLock.Unlock()
	c.cpuLock.Unlock()

	c.Schedule(reg, trap)
	return nil
}

// FutexWake is futex_wake: it looks up the waiter list at addr (returning
// kerrors.ErrInval if none exists), pops up to n threads, clears their
// blocked flags, and places each via EnscheduleBestNolock -- the "nolock"
// variant is correct here because the thread modifier lock is already
// held by this function for the whole operation.
func (reg *Registry) FutexWake(c *CPU, p *Process, addr uint64, n int) (int, error) {
	c.cpuLock.Lock()
	c.cpuSchedLock.Lock()
	reg.threadModifier.Lock()
	reg.haltedModifier.Lock()

	fw := p.futexes[addr]
	if fw == nil {
		reg.haltedModifier.Unlock()
		reg.threadModifier.Unlock()
		c.cpuSchedLock.Unlock()
		c.cpuLock.Unlock()
		return 0, kerrors.ErrInval
	}

	woken := 0
	for woken < n && len(fw.waiters) > 0 {
		th := fw.waiters[0]
		fw.waiters = fw.waiters[1:]
		th.Blocked = false
		reg.EnscheduleBestNolock(th, c)
		woken++
	}
	if len(fw.waiters) == 0 {
		delete(p.futexes, addr)
	}

	reg.haltedModifier.Unlock()
	reg.threadModifier.Unlock()
	c.cpuSchedLock.Unlock()
	c.cpuLock.Unlock()

	return woken, nil
}
