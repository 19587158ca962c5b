package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
)

func newTestCPU(t *testing.T) *CPU {
	t.Helper()
	editor := collab.NewFakePageTableEditor()
	apic := collab.NewFakeAPICDriver(nil)
	return NewCPU(0, 0, apic, editor)
}

func newTestThread(t *testing.T, tid uint64, priority int) *Thread {
	t.Helper()
	editor := collab.NewFakePageTableEditor()
	pt, err := editor.CreatePML4()
	require.NoError(t, err)
	p := newProcess(pt, editor, int64(tid))
	th := NewThread(tid, p, priority)
	p.addThread(th)
	return th
}

func TestSelectLockedPicksHighestNonEmptyPriority(t *testing.T) {
	c := newTestCPU(t)
	low := newTestThread(t, 1, 4)
	high := newTestThread(t, 2, 0)

	c.pushBackLocked(4, low)
	c.pushBackLocked(0, high)

	got := c.selectLocked()
	assert.Same(t, high, got)
}

func TestSelectLockedIsFIFOWithinAPriority(t *testing.T) {
	c := newTestCPU(t)
	a := newTestThread(t, 1, 2)
	b := newTestThread(t, 2, 2)

	c.pushBackLocked(2, a)
	c.pushBackLocked(2, b)

	assert.Same(t, a, c.selectLocked())
	assert.Same(t, b, c.selectLocked())
}

func TestPromoteLockedMovesOneThreadUpOnStarvation(t *testing.T) {
	c := newTestCPU(t)
	starved := newTestThread(t, 1, 3)
	popped := newTestThread(t, 2, 0)

	c.pushBackLocked(3, starved)
	c.pushBackLocked(0, popped)

	// Popping from priority 0 triggers a promotion scan from 1 upward;
	// the first non-empty queue found is 3, so one thread from it moves
	// to the first empty slot between 0 (inclusive) and 3 (exclusive).
	got := c.selectLocked()
	assert.Same(t, popped, got)
	assert.Len(t, c.queues[0], 1)
	assert.Same(t, starved, c.queues[0][0])
	assert.Empty(t, c.queues[3])
}

func TestPromoteLockedNoopWhenNoOtherQueueHasWork(t *testing.T) {
	c := newTestCPU(t)
	only := newTestThread(t, 1, 0)
	c.pushBackLocked(0, only)

	got := c.selectLocked()
	assert.Same(t, only, got)
	for i := 0; i < numPriorities; i++ {
		assert.Empty(t, c.queues[i])
	}
}

func TestContextSwitchLockedReenqueuesUnblockedOldThread(t *testing.T) {
	c := newTestCPU(t)
	old := newTestThread(t, 1, 2)
	next := newTestThread(t, 2, 2)

	c.current = old
	c.pushBackLocked(2, next)

	got := c.contextSwitchLocked(nil)
	assert.Same(t, next, got)
	assert.Len(t, c.queues[2], 1)
	assert.Same(t, old, c.queues[2][0])
	assert.Equal(t, ResidencyQueue, old.Residency)
}

func TestContextSwitchLockedDoesNotReenqueueBlockedOldThread(t *testing.T) {
	c := newTestCPU(t)
	old := newTestThread(t, 1, 2)
	old.Blocked = true
	next := newTestThread(t, 2, 2)

	c.current = old
	c.pushBackLocked(2, next)

	c.contextSwitchLocked(nil)
	assert.Empty(t, c.queues[2])
}

func TestContextSwitchLockedReturnsNilWhenNothingRunnable(t *testing.T) {
	c := newTestCPU(t)
	got := c.contextSwitchLocked(nil)
	assert.Nil(t, got)
	assert.Nil(t, c.current)
}

func TestScheduleDispatchesAlreadyQueuedThreadWithoutBlocking(t *testing.T) {
	editor := collab.NewFakePageTableEditor()
	apic := collab.NewFakeAPICDriver(nil)
	c := NewCPU(0, 0, apic, editor)
	reg := NewRegistry([]*CPU{c}, editor, collab.NewFakeELFLoader())

	th := newTestThread(t, 1, 2)
	require.NoError(t, reg.EnscheduleToSelf(th, c))

	got := c.Schedule(reg, nil)
	assert.Same(t, th, got)
	assert.Equal(t, ResidencyRunning, th.Residency)
}
