//go:build linux

package collab

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HostAPICDriver discovers real logical CPUs via the host's scheduler
// affinity mask instead of walking an MADT, standing in for
// initialize_cpus when the simulator is asked to size itself to the
// machine it runs on. SendIPI is still simulated -- there is no user-mode
// way to raise a real IPI -- so it only records delivery like
// FakeAPICDriver, keeping the collaborator boundary honest about what a
// userspace process can and cannot do.
type HostAPICDriver struct {
	*FakeAPICDriver
}

// NewHostTopologyAPICDriver enumerates the calling process's current CPU
// affinity mask via unix.SchedGetaffinity and synthesizes one
// CPUTopologyEntry per allowed CPU, each its own enabled "local APIC". It
// returns the APICDriver interface rather than the concrete type so
// callers (cmd/cthulhuctl's --real-topology flag) compile the same way on
// every platform; see host_other.go for the non-Linux fallback.
func NewHostTopologyAPICDriver() (APICDriver, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("collab: SchedGetaffinity: %w", err)
	}
	var topo []CPUTopologyEntry
	n := 0
	for cpu := 0; cpu < unix.CPU_SETSIZE; cpu++ {
		if set.IsSet(cpu) {
			topo = append(topo, CPUTopologyEntry{
				ProcessorID: uint32(n),
				APICID:      uint32(cpu),
				Enabled:     true,
			})
			n++
		}
	}
	return &HostAPICDriver{FakeAPICDriver: NewFakeAPICDriver(topo)}, nil
}
