package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/core"
)

func newForkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Clone a freshly spawned process's address space and fds via fork",
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
			parent, err := k.reg.CreateProcessBase(init, core.CreateProcessBaseParams{
				Image: collab.ELFImage{Name: "forker", Data: []byte("forker")},
			}, cpu, 2)
			if err != nil {
				return err
			}

			child, err := k.reg.Fork(parent, parent.Threads[0].Regs, cpu, 3)
			if err != nil {
				return err
			}

			logger.Infow("forked", "parent", parent.ProcID, "child", child.ProcID)
			fmt.Printf("fork parent=%d child=%d parent_rax=%#x child_rax=%#x\n",
				parent.ProcID, child.ProcID, parent.Threads[0].Regs.RAX, child.Threads[0].Regs.RAX)
			return nil
		},
	}
	return cmd
}
