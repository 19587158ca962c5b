package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/core"
	"github.com/cthulhuos/kernel/pkg/kernel/ticket"
)

func newPsCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "Spawn a handful of processes and list the runnable-process table",
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

			for i := 0; i < count; i++ {
				name := fmt.Sprintf("ps-demo-%d", i)
				if _, err := k.reg.CreateProcessBase(init, core.CreateProcessBaseParams{
					Image: collab.ELFImage{Name: name, Data: []byte(name)},
				}, k.reg.CPUs[0], 2); err != nil {
					return err
				}
			}

			procs := k.reg.Processes()
			logger.Infow("ps", "processes", len(procs))
			for _, p := range procs {
				fmt.Printf("pid=%d priority=%d threads=%d tickets=%d\n",
					p.ProcID, p.Priority, len(p.Threads), k.reg.Tickets.Tickets(ticket.ThreadID(p.Threads[0].TID)))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 3, "number of demo processes to spawn before listing")
	return cmd
}
