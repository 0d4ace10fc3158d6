package hosttopo

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProc builds a minimal proc tree: a self symlink, a cgroup membership
// file, and a cpuinfo file.
func fakeProc(t *testing.T, cgroup, cpuinfo string) string {
	t.Helper()
	dir := t.TempDir()
	pidDir := filepath.Join(dir, "4242")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatalf("mkdir pid dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pidDir, "cgroup"), []byte(cgroup), 0o644); err != nil {
		t.Fatalf("write cgroup: %v", err)
	}
	if err := os.Symlink("4242", filepath.Join(dir, "self")); err != nil {
		t.Fatalf("symlink self: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cpuinfo"), []byte(cpuinfo), 0o644); err != nil {
		t.Fatalf("write cpuinfo: %v", err)
	}
	return dir
}

func cpuinfoBlocks(pairs [][2]int) string {
	out := ""
	for i, pair := range pairs {
		out += fmt.Sprintf("processor\t: %d\nvendor_id\t: GenuineIntel\nphysical id\t: %d\ncore id\t\t: %d\n\n", i, pair[0], pair[1])
	}
	return out
}

func TestDetectPinsUnderClusterScheduler(t *testing.T) {
	t.Parallel()

	dir := fakeProc(t,
		"0::/kubepods/burstable/pod12/abc\n",
		cpuinfoBlocks([][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}),
	)
	det, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	topo, err := det.Detect(testLogger())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	want := Topology{Sockets: 1, Cores: 1, Threads: 1}
	if topo != want {
		t.Fatalf("unexpected topology: got %+v want %+v", topo, want)
	}
}

func TestDetectUsesCorePairsOtherwise(t *testing.T) {
	t.Parallel()

	dir := fakeProc(t,
		"0::/user.slice/user-1000.slice\n",
		cpuinfoBlocks([][2]int{{0, 0}, {0, 1}, {1, 0}}),
	)
	det, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	topo, err := det.Detect(testLogger())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	want := Topology{Sockets: 3, Cores: 1, Threads: 1}
	if topo != want {
		t.Fatalf("unexpected topology: got %+v want %+v", topo, want)
	}
}

func TestFromCPUInfoHyperthreadsCapSockets(t *testing.T) {
	t.Parallel()

	// 4 logical CPUs over 2 physical cores: hyperthread siblings share a
	// physical id/core id pair, so only 2 sockets are requested.
	cpus := []procfs.CPUInfo{
		{Processor: 0, PhysicalID: "0", CoreID: "0"},
		{Processor: 1, PhysicalID: "0", CoreID: "1"},
		{Processor: 2, PhysicalID: "0", CoreID: "0"},
		{Processor: 3, PhysicalID: "0", CoreID: "1"},
	}
	topo := fromCPUInfo(cpus)
	want := Topology{Sockets: 2, Cores: 1, Threads: 1}
	if topo != want {
		t.Fatalf("unexpected topology: got %+v want %+v", topo, want)
	}
}

func TestFromCPUInfoEmpty(t *testing.T) {
	t.Parallel()

	topo := fromCPUInfo(nil)
	want := Topology{Sockets: 1, Cores: 1, Threads: 1}
	if topo != want {
		t.Fatalf("unexpected topology: got %+v want %+v", topo, want)
	}
}

func TestTopologyArg(t *testing.T) {
	t.Parallel()

	got := Topology{Sockets: 2, Cores: 1, Threads: 1}.Arg()
	if got != "sockets=2,cores=1,threads=1" {
		t.Fatalf("unexpected arg: %q", got)
	}
}
