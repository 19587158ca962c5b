package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newFutexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "futex",
		Short: "Demonstrate futex_wait/futex_wake on one simulated process",
	}
	cmd.AddCommand(newFutexDemoCmd())
	return cmd
}

func newFutexDemoCmd() *cobra.Command {
	var addr uint64
	var expected uint32
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Block a thread on a futex, then wake it from another",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := loadLogger(cfg)
			cfg.CPUCount = 1 // single CPU keeps the demo's wait/wake sequencing deterministic

			k, err := newDemoKernel(cfg, logger, false)
			if err != nil {
				return err
			}
			// The init process's own main thread is never enscheduled
			// onto a run queue (CreateInitProcessStructure sets it up
			// directly), so it is free to stand in for "the currently
			// running thread calling futex_wait" without first needing
			// a real dispatch through Schedule.
			init := k.reg.CreateInitProcessStructure(mustPML4(k.editor), 1)
			init.SetFutexWord(addr, expected)

			waiter := init.Threads[0]
			cpu := k.reg.CPUs[0]

			done := make(chan error, 1)
			go func() {
				done <- k.reg.FutexWait(cpu, waiter, nil, addr, expected)
			}()

			// Give the waiter goroutine a moment to park in Schedule's
			// idle wait before waking it -- this is a demo convenience,
			// not a synchronization primitive the core itself relies on.
			time.Sleep(50 * time.Millisecond)

			init.SetFutexWord(addr, expected+1)
			woken, err := k.reg.FutexWake(cpu, init, addr, 1)
			if err != nil {
				fmt.Printf("futex_wake: %v\n", err)
				return nil
			}
			fmt.Printf("woken=%d\n", woken)
			fmt.Printf("futex_wait result: %v\n", <-done)
			logger.Infow("futex demo complete", "addr", addr)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&addr, "addr", 0x10000, "simulated futex address")
	cmd.Flags().Uint32Var(&expected, "expected", 7, "expected word value")
	return cmd
}
