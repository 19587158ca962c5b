package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
)

func newExecCmd() *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Replace a freshly spawned process's image in place via sys_execve",
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
			main, err := k.reg.SysExecve(cpu, init, collab.ELFImage{Name: image, Data: []byte(image)}, args, []string{"ENV=demo"})
			if err != nil {
				return err
			}

			logger.Infow("execed", "pid", init.ProcID, "tid", main.TID)
			fmt.Printf("exec pid=%d tid=%d rip=%#x\n", init.ProcID, main.TID, main.Regs.RIP)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "demo-exec", "image name (fake loader only checks it is non-empty)")
	return cmd
}
