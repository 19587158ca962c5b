// Command cthulhuctl drives an in-process simulated kernel core: it is a
// demonstration harness over the scheduler/process/thread management
// core, not a new syscall surface -- every subcommand is a thin wrapper
// over the same entry points a real syscall dispatcher would call
// (CreateProcessBase, SysExecve, FutexWait/FutexWake).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cthulhuos/kernel/pkg/bootconfig"
	"github.com/cthulhuos/kernel/pkg/klog"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cthulhuctl",
		Short: "Drive a simulated SMP process/thread scheduler core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "boot descriptor YAML (optional)")

	root.AddCommand(newBootCmd())
	root.AddCommand(newSpawnCmd())
	root.AddCommand(newFutexCmd())
	root.AddCommand(newTicketsCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newForkCmd())
	root.AddCommand(newPsCmd())
	root.AddCommand(newExitCmd())
	return root
}

func loadConfig() (bootconfig.Config, error) {
	if configPath == "" {
		return bootconfig.Default(), nil
	}
	return bootconfig.Load(configPath)
}

func loadLogger(cfg bootconfig.Config) *zap.SugaredLogger {
	l, err := klog.New("cthulhuctl", cfg.Debug)
	if err != nil {
		return klog.NoOp()
	}
	return l
}
