// Package hosttopo derives the vCPU topology to request for the guest.
package hosttopo

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/procfs"
)

// schedulerMarker appears in the cgroup membership of processes placed by
// the cluster scheduler. Such containers are typically granted a single CPU
// regardless of what the host exposes, and asking for more hangs the guest.
const schedulerMarker = "kubepods"

// Topology is the socket/core/thread layout requested from virt-install.
type Topology struct {
	Sockets int
	Cores   int
	Threads int
}

// Arg renders the topology as a virt-install --vcpus value.
func (t Topology) Arg() string {
	return fmt.Sprintf("sockets=%d,cores=%d,threads=%d", t.Sockets, t.Cores, t.Threads)
}

// Detector computes guest topology from the host's proc filesystem. The
// zero value is not usable; construct with New.
type Detector struct {
	fs     procfs.FS
	marker string
}

// New returns a Detector reading from procMount (normally "/proc").
func New(procMount string) (Detector, error) {
	fs, err := procfs.NewFS(procMount)
	if err != nil {
		return Detector{}, fmt.Errorf("open proc filesystem: %w", err)
	}
	return Detector{fs: fs, marker: schedulerMarker}, nil
}

// Detect returns the topology to request. Under a cluster scheduler the
// guest is pinned to one socket/core/thread; otherwise it gets
// min(logical CPUs, distinct physical socket/core pairs) single-core
// sockets.
func (d Detector) Detect(logger *slog.Logger) (Topology, error) {
	scheduled, err := d.underClusterScheduler()
	if err != nil {
		return Topology{}, err
	}
	if scheduled {
		logger.Debug("cluster scheduler detected, pinning to a single vcpu")
		return Topology{Sockets: 1, Cores: 1, Threads: 1}, nil
	}

	cpus, err := d.fs.CPUInfo()
	if err != nil {
		return Topology{}, fmt.Errorf("read cpuinfo: %w", err)
	}
	return fromCPUInfo(cpus), nil
}

func (d Detector) underClusterScheduler() (bool, error) {
	self, err := d.fs.Self()
	if err != nil {
		return false, fmt.Errorf("open self proc entry: %w", err)
	}
	cgroups, err := self.Cgroups()
	if err != nil {
		return false, fmt.Errorf("read cgroup membership: %w", err)
	}
	for _, cg := range cgroups {
		if strings.Contains(cg.Path, d.marker) {
			return true, nil
		}
	}
	return false, nil
}

func fromCPUInfo(cpus []procfs.CPUInfo) Topology {
	pairs := map[string]struct{}{}
	for _, cpu := range cpus {
		pairs[cpu.PhysicalID+"/"+cpu.CoreID] = struct{}{}
	}
	sockets := len(cpus)
	if len(pairs) < sockets {
		sockets = len(pairs)
	}
	if sockets < 1 {
		sockets = 1
	}
	return Topology{Sockets: sockets, Cores: 1, Threads: 1}
}
