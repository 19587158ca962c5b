package core

import (
	"time"

	"github.com/cthulhuos/kernel/internal/randgen"
	"github.com/cthulhuos/kernel/pkg/kernel/collab"
)

// Enschedule places t onto target's priority queue and, unless callerCPU
// is target itself, delivers IPI_RUN_SCHEDULER so the remote CPU notices
// without waiting for its next tick. callerCPU may be nil, meaning the
// call did not originate from a simulated CPU's own scheduling context
// (e.g. a lifecycle operation placing a brand-new process); a nil caller
// is never "the same as" target, so an IPI is always sent in that case.
func (reg *Registry) Enschedule(t *Thread, target *CPU, callerCPU *CPU) error {
	target.cpuLock.Lock()
	target.cpuSchedLock.Lock()
	reg.threadModifier.Lock()

	target.pushBackLocked(t.Priority, t)
	t.Residency = ResidencyQueue
	t.CPU = target

	reg.threadModifier.Unlock()
	target.cpuSchedLock.Unlock()
	target.cpuLock.Unlock()

	target.signalWork()

	if callerCPU != target {
		return callerCPU.deliverOrSelfSend(target)
	}
	return nil
}

// deliverOrSelfSend issues the IPI on behalf of callerCPU, or directly on
// target if there is no originating CPU (callerCPU == nil).
func (c *CPU) deliverOrSelfSend(target *CPU) error {
	if c == nil {
		return target.sendIPITo(target, collab.IPIRunScheduler, false)
	}
	return c.sendIPITo(target, collab.IPIRunScheduler, false)
}

// EnscheduleToSelf is enschedule_to_self: a shorthand for Enschedule
// targeting the calling CPU, which therefore never sends itself an IPI.
func (reg *Registry) EnscheduleToSelf(t *Thread, self *CPU) error {
	return reg.Enschedule(t, self, self)
}

// EnscheduleBest chooses the CPU with the minimum priority_count,
// breaking ties by lowest index, and enschedules t there. This is the
// corrected form of enschedule_best: the original scans
// array_get_at(cpus, 0) on every iteration instead of index i, so it
// never actually compares any CPU but the first; here the loop variable
// is used as documented.
func (reg *Registry) EnscheduleBest(t *Thread, callerCPU *CPU) error {
	best := reg.pickLeastLoaded(nil)
	return reg.Enschedule(t, best, callerCPU)
}

// pickLeastLoaded scans every CPU's priority_count and returns the
// lowest, breaking ties by lowest index -- the corrected enschedule_best
// comparison (see EnscheduleBest's doc comment). lockedByCaller, when
// non-nil, names a CPU whose cpuLock/cpuSchedLock the caller already
// holds; that CPU's load is read directly instead of through PriorityCount
// (which would re-lock and deadlock).
func (reg *Registry) pickLeastLoaded(lockedByCaller *CPU) *CPU {
	loadOf := func(c *CPU) int {
		if c == lockedByCaller {
			return c.priorityCountLocked()
		}
		return c.PriorityCount()
	}
	best := reg.CPUs[0]
	bestLoad := loadOf(best)
	for i := 1; i < len(reg.CPUs); i++ {
		c := reg.CPUs[i]
		load := loadOf(c)
		if load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	return best
}

// EnscheduleBestNolock is enschedule_best_nolock: it assumes the caller
// already holds callerCPU's cpuLock/cpuSchedLock and the registry's
// thread modifier lock (the futex_wake path). If the chosen CPU is
// callerCPU itself it pushes directly without re-locking; otherwise it
// takes the chosen CPU's own cpuLock/cpuSchedLock.
func (reg *Registry) EnscheduleBestNolock(t *Thread, callerCPU *CPU) error {
	target := reg.pickLeastLoaded(callerCPU)

	if target == callerCPU {
		target.pushBackLocked(t.Priority, t)
	} else {
		target.cpuLock.Lock()
		target.cpuSchedLock.Lock()
		target.pushBackLocked(t.Priority, t)
		target.cpuSchedLock.Unlock()
		target.cpuLock.Unlock()
	}
	t.Residency = ResidencyQueue
	t.CPU = target

	target.signalWork()

	if callerCPU != target {
		return callerCPU.deliverOrSelfSend(target)
	}
	return nil
}

// ShootdownTLB is the cross-CPU TLB invalidation primitive spec.md §4.6
// describes: every CPU other than exclude gets pt's translations for
// [vastart, vastart+size) flushed via IPI_TLB_SHOOTDOWN, and exclude's own
// copy (the CPU that just unmapped the range, if any) is invalidated
// directly without round-tripping through its own mailbox. exclude may be
// nil when the caller has no CPU context of its own (e.g. a lifecycle
// operation tearing down an exited process from outside the scheduler).
func (reg *Registry) ShootdownTLB(exclude *CPU, pt collab.PageTable, vastart, size uint64) error {
	if pt == nil {
		return nil
	}
	for _, c := range reg.CPUs {
		if c == exclude {
			continue
		}
		c.deliverShootdown(pt, vastart, size, cpuIDOrSelf(exclude))
	}
	if exclude != nil {
		if err := exclude.editor.InvalidateRange(pt, vastart, size); err != nil {
			return err
		}
	}
	reg.log.Debugw("tlb shootdown", "vastart", vastart, "size", size, "excluded", cpuIDOrSelf(exclude))
	return nil
}

// cpuIDOrSelf reports c's ID, or -1 if c is nil -- the sender id recorded
// in a shootdown's mailbox payload.
func cpuIDOrSelf(c *CPU) int {
	if c == nil {
		return -1
	}
	return c.ID
}

// AttemptToRunScheduler is the cooperative-yield nudge
// (attemp_to_run_scheduler): pick a random CPU; if it has work and its
// lock is immediately available, send it IPI_RUN_SCHEDULER; otherwise try
// again, bounded to one attempt per CPU in the system. It is best-effort:
// failing to find a candidate is not an error.
func (reg *Registry) AttemptToRunScheduler(rng *randgen.Source, callerCPU *CPU) {
	n := len(reg.CPUs)
	if n == 0 {
		return
	}
	for try := 0; try < n; try++ {
		idx := int(rng.UintN(uint64(n - 1)))
		c := reg.CPUs[idx]
		if !c.cpuLock.TryLock() {
			continue
		}
		hasWork := c.priorityCountLocked() > 0
		c.cpuLock.Unlock()
		if hasWork {
			_ = callerCPU.deliverOrSelfSend(c)
			return
		}
	}
}

// Clock abstracts the 1 kHz tick initialize_mp waits on between IPI
// stages, so tests can bring up a simulated SMP topology without
// sleeping in real time.
type Clock interface {
	Tick()
}

// RealClock sleeps for one millisecond per tick.
type RealClock struct{}

// Tick sleeps one millisecond, the wall-clock analogue of one 1 kHz tick.
func (RealClock) Tick() { time.Sleep(time.Millisecond) }

// NoOpClock advances no real time; used by the tests and by cthulhuctl's
// simulated bring-up.
type NoOpClock struct{}

// Tick does nothing.
func (NoOpClock) Tick() {}

const apStartupVector uint8 = 0x08

// BringUp performs the INIT/SIPI/SIPI sequence (initialize_mp) against
// every CPU other than bsp.
func BringUp(cpus []*CPU, bsp *CPU, clock Clock) error {
	for _, c := range cpus {
		if c == bsp {
			continue
		}
		bsp.log.Infow("bringing up cpu", "cpu", c.ID)
		if err := bsp.sendIPITo(c, 0, true); err != nil {
			return err
		}
		clock.Tick()
		if err := bsp.sendIPITo(c, apStartupVector, false); err != nil {
			return err
		}
		clock.Tick()
		if err := bsp.sendIPITo(c, apStartupVector, false); err != nil {
			return err
		}
	}
	return nil
}

// InitializeCPUs walks the APIC driver's topology (its MADT equivalent)
// and allocates one CPU descriptor per enabled entry. With no topology
// reported it falls back to a single default CPU, matching
// initialize_cpus's "none found" path. It returns the CPU slice and a map
// from APIC processor id to slice index, the cpuid_to_cputord table.
func InitializeCPUs(apic collab.APICDriver, editor collab.PageTableEditor) ([]*CPU, map[uint32]int, error) {
	topo, err := apic.DiscoverTopology()
	if err != nil {
		return nil, nil, err
	}

	var cpus []*CPU
	ordinal := make(map[uint32]int)

	if len(topo) == 0 {
		cpus = append(cpus, NewCPU(0, 0, apic, editor))
		ordinal[0] = 0
		return cpus, ordinal, nil
	}

	for _, entry := range topo {
		if !entry.Enabled {
			continue
		}
		idx := len(cpus)
		cpus = append(cpus, NewCPU(idx, entry.APICID, apic, editor))
		ordinal[entry.ProcessorID] = idx
	}
	if len(cpus) == 0 {
		cpus = append(cpus, NewCPU(0, 0, apic, editor))
		ordinal[0] = 0
	}
	return cpus, ordinal, nil
}
