package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/core"
)

func newExitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exit",
		Short: "Spawn a process and tear it down via sys_exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := loadLogger(cfg)

			k, err := newDemoKernel(cfg, logger, false)
			if err != nil {
				return err
			}

			init := k.reg.CreateInitProcessStructure(mustPML4(k.editor), 1)
			if err := k.reg.ProcessInit(init); err != nil {
				return err
			}

			cpu := k.reg.CPUs[0]
			p, err := k.reg.CreateProcessBase(init, core.CreateProcessBaseParams{
				Image: collab.ELFImage{Name: "exiter", Data: []byte("exiter")},
			}, cpu, 2)
			if err != nil {
				return err
			}
			pid, tid := p.ProcID, p.Threads[0].TID

			if err := k.reg.SysExit(cpu, p.Threads[0], nil); err != nil {
				return err
			}

			logger.Infow("exited", "pid", pid, "tid", tid)
			fmt.Printf("exit pid=%d tid=%d remaining_processes=%d\n", pid, tid, len(k.reg.Processes()))
			return nil
		},
	}
	return cmd
}
