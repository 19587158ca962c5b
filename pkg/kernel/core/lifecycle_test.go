package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/kerrors"
)

func newLifecycleRegistry(t *testing.T) (*Registry, *CPU, *collab.FakePageTableEditor, *collab.FakeELFLoader) {
	t.Helper()
	editor := collab.NewFakePageTableEditor()
	apic := collab.NewFakeAPICDriver(nil)
	elf := collab.NewFakeELFLoader()
	c := NewCPU(0, 0, apic, editor)
	reg := NewRegistry([]*CPU{c}, editor, elf)
	return reg, c, editor, elf
}

func mustInitProcess(t *testing.T, reg *Registry, editor *collab.FakePageTableEditor) *Process {
	t.Helper()
	pt, err := editor.CreatePML4()
	require.NoError(t, err)
	return reg.CreateInitProcessStructure(pt, 1)
}

func TestCreateProcessBaseRejectsPriorityElevation(t *testing.T) {
	reg, c, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)
	init.Priority = 2

	_, err := reg.CreateProcessBase(init, CreateProcessBaseParams{
		Image:         collab.ELFImage{Name: "x", Data: []byte("x")},
		AskedPriority: 1,
	}, c, 2)
	assert.ErrorIs(t, err, kerrors.ErrInval)
}

func TestCreateProcessBaseAppliesEntryConventionAndRegisters(t *testing.T) {
	reg, c, editor, elf := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)

	p, err := reg.CreateProcessBase(init, CreateProcessBaseParams{
		Image:         collab.ELFImage{Name: "prog", Data: []byte("prog")},
		Argv:          []string{"prog", "--flag"},
		AskedPriority: 2,
	}, c, 2)
	require.NoError(t, err)

	main := p.Threads[0]
	assert.Equal(t, elf.EntryRIP, main.Regs.RIP)
	assert.Equal(t, elf.StackRSP, main.Regs.RSP)
	assert.Equal(t, uint64(2), main.Regs.RDI, "argc should be passed in rdi")
	assert.Equal(t, p.ProcID, main.Regs.RAX, "rax carries the new proc_id")
	assert.Equal(t, int64(PerProcessTickets), reg.Tickets.Tickets(ticketID(main)))
	assert.Contains(t, reg.Processes(), p)
	assert.Same(t, c, main.CPU)
}

func TestCreateProcessBaseTranslatesELFLoaderErrors(t *testing.T) {
	reg, c, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)

	_, err := reg.CreateProcessBase(init, CreateProcessBaseParams{
		Image:         collab.ELFImage{Name: "empty"}, // no Data -> ErrELFMalformed
		AskedPriority: 2,
	}, c, 2)
	assert.ErrorIs(t, err, kerrors.ErrInval)
}

func TestCreateProcessBaseDoesNotCommitProcessOnELFFailure(t *testing.T) {
	reg, c, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)

	before := len(reg.Processes())
	_, err := reg.CreateProcessBase(init, CreateProcessBaseParams{
		Image:         collab.ELFImage{Name: "empty"},
		AskedPriority: 2,
	}, c, 2)
	require.Error(t, err)
	assert.Equal(t, before, len(reg.Processes()), "a failed create must not commit a half-built process")
}

func TestCPStage1InheritsCallerPriorityWhenNegative(t *testing.T) {
	reg, _, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)
	init.Priority = 3

	id, err := reg.CPStage1(init, CPStage1Params{Priority: -1}, 2)
	require.NoError(t, err)

	tp, ok := reg.TempProcessByID(id)
	require.True(t, ok)
	assert.Equal(t, 3, tp.Process.Priority)
	assert.Contains(t, init.TempChildren, id)
}

func TestCPStage1RejectsPriorityAboveFour(t *testing.T) {
	reg, _, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)

	_, err := reg.CPStage1(init, CPStage1Params{Priority: 5}, 2)
	assert.ErrorIs(t, err, kerrors.ErrInval)
}

func TestCPStage1GrantsPrivilegeOnlyWhenBothSidesAgree(t *testing.T) {
	reg, _, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor) // init.Privileged == true

	id, err := reg.CPStage1(init, CPStage1Params{Priority: 0, Privilege: true}, 2)
	require.NoError(t, err)
	tp, _ := reg.TempProcessByID(id)
	assert.True(t, tp.Process.Privileged)

	unprivileged := mustInitProcess(t, reg, editor)
	unprivileged.Privileged = false
	id2, err := reg.CPStage1(unprivileged, CPStage1Params{Priority: 0, Privilege: true}, 3)
	require.NoError(t, err)
	tp2, _ := reg.TempProcessByID(id2)
	assert.False(t, tp2.Process.Privileged)
}

func TestSysExecveResetsTicketsAndKillsSiblings(t *testing.T) {
	reg, c, editor, elf := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)

	p, err := reg.CreateProcessBase(init, CreateProcessBaseParams{
		Image:         collab.ELFImage{Name: "a", Data: []byte("a")},
		AskedPriority: 2,
	}, c, 2)
	require.NoError(t, err)
	main := p.Threads[0]

	sibling := NewThread(reg.allocThreadID(), p, 2)
	p.addThread(sibling)
	reg.Tickets.Register(ticketID(sibling), PerProcessTickets)
	reg.Tickets.Transfer(ticketID(main), ticketID(sibling), 200)

	newMain, err := reg.SysExecve(c, p, collab.ELFImage{Name: "b", Data: []byte("b")}, []string{"b"}, nil)
	require.NoError(t, err)

	assert.Len(t, p.Threads, 1)
	assert.Same(t, main, newMain)
	assert.Equal(t, int64(PerProcessTickets), reg.Tickets.Tickets(ticketID(main)))
	assert.Equal(t, elf.EntryRIP, main.Regs.RIP)
	assert.False(t, main.Blocked)
	assert.Nil(t, main.Continuation)
}

func TestSysExecveTearsDownProcessOnLoadFailureAfterMemoryFreed(t *testing.T) {
	reg, c, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)

	p, err := reg.CreateProcessBase(init, CreateProcessBaseParams{
		Image:         collab.ELFImage{Name: "a", Data: []byte("a")},
		AskedPriority: 2,
	}, c, 2)
	require.NoError(t, err)

	_, err = reg.SysExecve(c, p, collab.ELFImage{Name: "bad"}, nil, nil)
	assert.Error(t, err)
	assert.NotContains(t, reg.Processes(), p, "a process must not survive a failed exec once its old image is gone")
}

func TestForkCopiesFdsIntoChildNotParent(t *testing.T) {
	reg, c, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)

	p, err := reg.CreateProcessBase(init, CreateProcessBaseParams{
		Image:         collab.ELFImage{Name: "a", Data: []byte("a")},
		AskedPriority: 2,
	}, c, 2)
	require.NoError(t, err)
	p.FDs = []int{3, 4}

	parentFDsBefore := append([]int(nil), p.FDs...)

	child, err := reg.Fork(p, p.Threads[0].Regs, c, 3)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 4}, child.FDs, "duplicated fds must land on the child, not the parent")
	assert.Equal(t, parentFDsBefore, p.FDs, "fork must not mutate the parent's own fd array")
}

func TestForkSetsChildReturnValueZeroAndParentReturnValueChildPID(t *testing.T) {
	reg, c, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)

	p, err := reg.CreateProcessBase(init, CreateProcessBaseParams{
		Image:         collab.ELFImage{Name: "a", Data: []byte("a")},
		AskedPriority: 2,
	}, c, 2)
	require.NoError(t, err)

	child, err := reg.Fork(p, p.Threads[0].Regs, c, 3)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), child.Threads[0].Regs.RAX)
	assert.Equal(t, child.ProcID, p.Threads[0].Regs.RAX)
	assert.Equal(t, int64(PerProcessTickets), reg.Tickets.Tickets(ticketID(child.Threads[0])))
}

func TestProcessInitAllocatesLocalInfoAndMessageBuffers(t *testing.T) {
	reg, _, editor, _ := newLifecycleRegistry(t)
	init := mustInitProcess(t, reg, editor)

	require.NoError(t, reg.ProcessInit(init))
	assert.NotZero(t, init.Threads[0].LocalInfo)
	assert.Len(t, init.Space.Regions(), 1+MessageBufferCount)
}
