package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cthulhuos/kernel/pkg/bootconfig"
	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/core"
)

// demoKernel bundles everything a subcommand needs to drive the core
// against fake collaborators: the registry, the editor (so subcommands
// can inspect mappings), the ELF loader and the APIC driver.
// apic is the collab.APICDriver interface rather than *collab.FakeAPICDriver
// so --real-topology can hand back a *collab.HostAPICDriver instead.
type demoKernel struct {
	reg    *core.Registry
	editor *collab.FakePageTableEditor
	elf    *collab.FakeELFLoader
	apic   collab.APICDriver
}

// newDemoKernel builds a registry sized and configured per cfg. When
// realTopology is set it discovers CPUs from the host's own scheduler
// affinity mask via collab.NewHostTopologyAPICDriver instead of
// synthesizing cfg.CPUCount fake ones; SendIPI delivery is still simulated
// either way (see HostAPICDriver's doc comment).
func newDemoKernel(cfg bootconfig.Config, logger *zap.SugaredLogger, realTopology bool) (*demoKernel, error) {
	var apic collab.APICDriver
	if realTopology {
		a, err := collab.NewHostTopologyAPICDriver()
		if err != nil {
			return nil, err
		}
		apic = a
	} else {
		var topo []collab.CPUTopologyEntry
		for i := 0; i < cfg.CPUCount; i++ {
			topo = append(topo, collab.CPUTopologyEntry{ProcessorID: uint32(i), APICID: uint32(i), Enabled: true})
		}
		apic = collab.NewFakeAPICDriver(topo)
	}
	editor := collab.NewFakePageTableEditor()
	elf := collab.NewFakeELFLoader()

	cpus, _, err := core.InitializeCPUs(apic, editor)
	if err != nil {
		return nil, err
	}
	for _, c := range cpus {
		c.SetLogger(logger)
	}
	if err := core.BringUp(cpus, cpus[0], core.NoOpClock{}); err != nil {
		return nil, err
	}

	reg := core.NewRegistry(cpus, editor, elf)
	reg.SetLogger(logger)
	reg.Configure(cfg.PerProcessTickets, cfg.MaxPriority)

	return &demoKernel{reg: reg, editor: editor, elf: elf, apic: apic}, nil
}

func newBootCmd() *cobra.Command {
	var cpuCount int
	var realTopology bool
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Bring up a simulated CPU topology and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cpuCount > 0 {
				cfg.CPUCount = cpuCount
			}
			logger := loadLogger(cfg)

			k, err := newDemoKernel(cfg, logger, realTopology)
			if err != nil {
				return err
			}
			logger.Infow("booted", "cpus", len(k.reg.CPUs))
			for _, c := range k.reg.CPUs {
				fmt.Printf("cpu %d: apic=%d load=%d\n", c.ID, c.APICID, c.PriorityCount())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cpuCount, "cpus", 0, "number of simulated CPUs (overrides config)")
	cmd.Flags().BoolVar(&realTopology, "real-topology", false, "discover CPUs from the host's own scheduler affinity mask instead of faking cpus topology entries")
	return cmd
}
