package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/core"
)

func newSpawnCmd() *cobra.Command {
	var priority int
	var image string
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Create a fresh process from an image via create_process_base",
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

			params := core.CreateProcessBaseParams{
				Image:         collab.ELFImage{Name: image, Data: []byte(image)},
				Argv:          args,
				Envp:          []string{"ENV=demo"},
				AskedPriority: priority,
			}
			p, err := k.reg.CreateProcessBase(init, params, k.reg.CPUs[0], 2)
			if err != nil {
				return err
			}

			logger.Infow("spawned", "pid", p.ProcID, "priority", p.Priority)
			fmt.Printf("spawned pid=%d tid=%d priority=%d rip=%#x\n",
				p.ProcID, p.Threads[0].TID, p.Priority, p.Threads[0].Regs.RIP)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 2, "requested priority class (0-4)")
	cmd.Flags().StringVar(&image, "image", "demo-init", "image name (fake loader only checks it is non-empty)")
	return cmd
}

func mustPML4(editor *collab.FakePageTableEditor) collab.PageTable {
	pt, err := editor.CreatePML4()
	if err != nil {
		panic(err)
	}
	return pt
}
