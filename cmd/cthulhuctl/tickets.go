package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cthulhuos/kernel/pkg/kernel/collab"
	"github.com/cthulhuos/kernel/pkg/kernel/core"
	"github.com/cthulhuos/kernel/pkg/kernel/ticket"
)

func newTicketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Demonstrate the lottery-ticket ledger's lend/release cycle",
	}
	cmd.AddCommand(newTicketsDemoCmd())
	return cmd
}

func newTicketsDemoCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Spawn two processes, lend tickets from one to the other, then release",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := loadLogger(cfg)
			cfg.CPUCount = 1 // single CPU keeps both demo processes on the same run queue

			k, err := newDemoKernel(cfg, logger, false)
			if err != nil {
				return err
			}
			init := k.reg.CreateInitProcessStructure(mustPML4(k.editor), 1)

			holder, err := k.reg.CreateProcessBase(init, core.CreateProcessBaseParams{
				Image: collab.ELFImage{Name: "holder", Data: []byte("holder")},
			}, k.reg.CPUs[0], 2)
			if err != nil {
				return err
			}
			waiter, err := k.reg.CreateProcessBase(init, core.CreateProcessBaseParams{
				Image: collab.ELFImage{Name: "waiter", Data: []byte("waiter")},
			}, k.reg.CPUs[0], 3)
			if err != nil {
				return err
			}

			from := ticket.ThreadID(waiter.Threads[0].TID)
			to := ticket.ThreadID(holder.Threads[0].TID)

			fmt.Printf("before: holder=%d waiter=%d\n", k.reg.Tickets.Tickets(to), k.reg.Tickets.Tickets(from))

			record := k.reg.Tickets.Transfer(from, to, amount)
			fmt.Printf("after lend: holder=%d waiter=%d\n", k.reg.Tickets.Tickets(to), k.reg.Tickets.Tickets(from))

			k.reg.Tickets.Release(record)
			fmt.Printf("after release: holder=%d waiter=%d\n", k.reg.Tickets.Tickets(to), k.reg.Tickets.Tickets(from))

			logger.Infow("tickets demo complete", "amount", amount)
			return nil
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 200, "tickets to lend from the waiter to the holder")
	return cmd
}
