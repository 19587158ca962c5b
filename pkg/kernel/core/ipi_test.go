package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
)

func newTestRegistry(t *testing.T, cpuCount int) (*Registry, []*CPU, *collab.FakePageTableEditor) {
	t.Helper()
	editor := collab.NewFakePageTableEditor()
	apic := collab.NewFakeAPICDriver(nil)
	var cpus []*CPU
	for i := 0; i < cpuCount; i++ {
		cpus = append(cpus, NewCPU(i, uint32(i), apic, editor))
	}
	reg := NewRegistry(cpus, editor, collab.NewFakeELFLoader())
	return reg, cpus, editor
}

func TestEnscheduleBestPicksTheLeastLoadedCPUAtEveryIndex(t *testing.T) {
	reg, cpus, _ := newTestRegistry(t, 3)

	// Load cpus[0] and cpus[1] heavily; cpus[2] stays empty. The original
	// enschedule_best bug always compared index 0 against itself, so it
	// could never pick a CPU other than the first or (by accident) the
	// actual lightest; this asserts the corrected per-index comparison
	// finds cpus[2].
	for i := 0; i < 5; i++ {
		cpus[0].pushBackLocked(0, newTestThread(t, uint64(100+i), 0))
		cpus[1].pushBackLocked(0, newTestThread(t, uint64(200+i), 0))
	}

	th := newTestThread(t, 1, 2)
	require.NoError(t, reg.EnscheduleBest(th, nil))
	assert.Same(t, cpus[2], th.CPU)
}

func TestEnscheduleBestBreaksTiesByLowestIndex(t *testing.T) {
	reg, cpus, _ := newTestRegistry(t, 3)
	th := newTestThread(t, 1, 2)
	require.NoError(t, reg.EnscheduleBest(th, nil))
	assert.Same(t, cpus[0], th.CPU)
}

func TestEnscheduleSendsIPIUnlessCallerIsTarget(t *testing.T) {
	editor := collab.NewFakePageTableEditor()
	apic := collab.NewFakeAPICDriver(nil)
	c := NewCPU(0, 7, apic, editor)
	reg := NewRegistry([]*CPU{c}, editor, collab.NewFakeELFLoader())

	th := newTestThread(t, 1, 2)
	require.NoError(t, reg.EnscheduleToSelf(th, c))
	assert.Empty(t, apic.History(), "enschedule_to_self must never IPI itself")

	other := newTestThread(t, 2, 2)
	require.NoError(t, reg.Enschedule(other, c, nil))
	assert.Len(t, apic.History(), 1)
}

func TestEnscheduleBestNolockDoesNotDeadlockWhenCallerIsLeastLoaded(t *testing.T) {
	reg, cpus, _ := newTestRegistry(t, 2)

	// Load cpus[1] so cpus[0] (the caller) is the least-loaded target.
	for i := 0; i < 5; i++ {
		cpus[1].pushBackLocked(0, newTestThread(t, uint64(300+i), 0))
	}

	caller := cpus[0]
	caller.cpuLock.Lock()
	caller.cpuSchedLock.Lock()
	reg.threadModifier.Lock()

	th := newTestThread(t, 1, 2)

	done := make(chan error, 1)
	go func() { done <- reg.EnscheduleBestNolock(th, caller) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("EnscheduleBestNolock deadlocked when the caller's own CPU was least loaded")
	}

	reg.threadModifier.Unlock()
	caller.cpuSchedLock.Unlock()
	caller.cpuLock.Unlock()

	assert.Same(t, caller, th.CPU)
}

func TestPickLeastLoadedReadsCallerCPUWithoutRelocking(t *testing.T) {
	reg, cpus, _ := newTestRegistry(t, 2)
	caller := cpus[0]

	caller.cpuLock.Lock()
	caller.cpuSchedLock.Lock()
	defer caller.cpuSchedLock.Unlock()
	defer caller.cpuLock.Unlock()

	best := reg.pickLeastLoaded(caller)
	assert.Same(t, caller, best)
}
