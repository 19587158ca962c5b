package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
)

func TestInitializeCPUsFallsBackToSingleDefaultCPUWithNoTopology(t *testing.T) {
	editor := collab.NewFakePageTableEditor()
	apic := collab.NewFakeAPICDriver(nil)

	cpus, ordinal, err := InitializeCPUs(apic, editor)
	require.NoError(t, err)
	require.Len(t, cpus, 1)
	assert.Equal(t, 0, ordinal[0])
}

func TestInitializeCPUsSkipsDisabledEntries(t *testing.T) {
	editor := collab.NewFakePageTableEditor()
	apic := collab.NewFakeAPICDriver([]collab.CPUTopologyEntry{
		{ProcessorID: 0, APICID: 10, Enabled: true},
		{ProcessorID: 1, APICID: 11, Enabled: false},
		{ProcessorID: 2, APICID: 12, Enabled: true},
	})

	cpus, ordinal, err := InitializeCPUs(apic, editor)
	require.NoError(t, err)
	require.Len(t, cpus, 2)
	assert.Equal(t, uint32(10), cpus[0].APICID)
	assert.Equal(t, uint32(12), cpus[1].APICID)
	assert.Equal(t, 0, ordinal[0])
	assert.Equal(t, 1, ordinal[2])
	_, ok := ordinal[1]
	assert.False(t, ok, "a disabled entry must not get a cputord slot")
}

func TestBringUpSendsInitSipiSipiToEveryNonBSPCPU(t *testing.T) {
	editor := collab.NewFakePageTableEditor()
	apic := collab.NewFakeAPICDriver([]collab.CPUTopologyEntry{
		{ProcessorID: 0, APICID: 0, Enabled: true},
		{ProcessorID: 1, APICID: 1, Enabled: true},
	})
	cpus, _, err := InitializeCPUs(apic, editor)
	require.NoError(t, err)

	require.NoError(t, BringUp(cpus, cpus[0], NoOpClock{}))

	history := apic.History()
	require.Len(t, history, 3, "one INIT plus two SIPIs for the single AP")
	assert.True(t, history[0].Init)
	assert.False(t, history[1].Init)
	assert.False(t, history[2].Init)
	for _, ipi := range history {
		assert.Equal(t, uint32(1), ipi.APICID, "only the non-BSP CPU should receive the bring-up sequence")
	}
}

func TestRemoveProcessDropsExactlyThatProcess(t *testing.T) {
	editor := collab.NewFakePageTableEditor()
	apic := collab.NewFakeAPICDriver(nil)
	c := NewCPU(0, 0, apic, editor)
	reg := NewRegistry([]*CPU{c}, editor, collab.NewFakeELFLoader())

	pt1, _ := editor.CreatePML4()
	pt2, _ := editor.CreatePML4()
	p1 := reg.CreateInitProcessStructure(pt1, 1)
	p2 := reg.CreateInitProcessStructure(pt2, 2)

	reg.RemoveProcess(p1)
	got := reg.Processes()
	assert.Len(t, got, 1)
	assert.Same(t, p2, got[0])
}
