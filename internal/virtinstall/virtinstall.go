// Package virtinstall assembles and runs the hypervisor control invocation
// for one guest installation.
package virtinstall

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/virtforge/virtforge/internal/hosttopo"
	"github.com/virtforge/virtforge/internal/kickstart"
)

// Variant selects the disk target class.
type Variant string

const (
	VariantMetalBIOS Variant = "metal-bios"
	VariantMetalUEFI Variant = "metal-uefi"
	VariantCloud     Variant = "cloud"
)

// ParseVariant validates a --variant value. Empty is allowed and means no
// variant-specific behavior.
func ParseVariant(value string) (Variant, error) {
	switch v := Variant(value); v {
	case "", VariantMetalBIOS, VariantMetalUEFI, VariantCloud:
		return v, nil
	default:
		return "", fmt.Errorf("unknown variant %q (expected metal-bios, metal-uefi, or cloud)", value)
	}
}

// IsMetal reports whether the variant produces a bare-metal (raw) disk.
func (v Variant) IsMetal() bool {
	return v == VariantMetalBIOS || v == VariantMetalUEFI
}

// installerTree is the kernel/initrd layout inside an installer tree. There
// is exactly one fixed pair per supported architecture.
type installerTree struct {
	kernel string
	initrd string
}

var installerTrees = map[string]installerTree{
	"x86_64":  {"images/pxeboot/vmlinuz", "images/pxeboot/initrd.img"},
	"i686":    {"images/pxeboot/vmlinuz", "images/pxeboot/initrd.img"},
	"aarch64": {"images/pxeboot/vmlinuz", "images/pxeboot/initrd.img"},
	"ppc64le": {"ppc/ppc64/vmlinuz", "ppc/ppc64/initrd.img"},
	"s390x":   {"images/kernel.img", "images/initrd.img"},
}

// CanonicalArch maps a Go architecture name to the installer tree name.
func CanonicalArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	case "arm64":
		return "aarch64"
	default:
		return goarch
	}
}

// Options carries everything needed to assemble the virt-install argv.
type Options struct {
	ConnectURI string
	DomainName string
	DestDisk   string

	// Location is the installer tree path or URL.
	Location string
	// Kickstart is the finalized configuration file, injected into the
	// installer initrd and selected by basename on the kernel command line.
	Kickstart string

	Variant     Variant
	MemoryMiB   int
	WaitMinutes int

	ConsoleLog string

	FS9p        bool
	WorkdirPath string
	RepoPath    string

	// Arch is the canonical installer architecture (CanonicalArch of the
	// host's GOARCH unless overridden).
	Arch string

	// NoAutoconsole selects --noautoconsole over --nographics; set from
	// the distribution-family indicator of the build host.
	NoAutoconsole bool
}

// BuildArgs returns the virt-install arguments for opts. An unsupported
// architecture is a fatal error raised before any process is launched.
func BuildArgs(opts Options, toolMajor int, topo hosttopo.Topology) ([]string, error) {
	tree, ok := installerTrees[opts.Arch]
	if !ok {
		return nil, fmt.Errorf("unsupported architecture %q", opts.Arch)
	}

	args := []string{"--connect", opts.ConnectURI, "--name", opts.DomainName}

	if opts.NoAutoconsole {
		args = append(args, "--noautoconsole")
	} else {
		args = append(args, "--nographics")
	}

	if opts.ConsoleLog != "" {
		args = append(args, "--console", "pty,target_type=serial,log.file="+opts.ConsoleLog)
	}

	if opts.FS9p {
		args = append(args,
			"--filesystem", fmt.Sprintf("source=%s,target=%s,accessmode=mapped", opts.WorkdirPath, kickstart.WorkdirTag),
			"--filesystem", fmt.Sprintf("source=%s,target=%s,accessmode=mapped", opts.RepoPath, kickstart.RepoTag),
		)
	}

	args = append(args,
		"--wait", strconv.Itoa(opts.WaitMinutes),
		"--noreboot",
		"--memory", strconv.Itoa(opts.MemoryMiB),
		"--vcpus", topo.Arg(),
		"--os-variant", "generic",
		"--rng", "/dev/urandom",
		"--cpu", "host-passthrough",
		"--check", "path_in_use=off",
		"--network", "user",
	)

	if opts.Variant == VariantMetalUEFI {
		args = append(args, "--boot", "uefi")
	}

	// Newer virt-install resolves kernel/initrd through a distro metadata
	// library that does not know our trees; point it directly.
	location := opts.Location
	if toolMajor >= 2 {
		location = fmt.Sprintf("%s,kernel=%s,initrd=%s", location, tree.kernel, tree.initrd)
	}
	args = append(args, "--location", location)

	// The disk is disposable and regenerated on failure, so unsafe write
	// caching is acceptable.
	args = append(args,
		"--disk", fmt.Sprintf("path=%s,cache=unsafe", opts.DestDisk),
		"--initrd-inject", opts.Kickstart,
		"--extra-args", fmt.Sprintf("inst.ks=file:///%s console=tty0 console=ttyS0,115200n8 inst.notmux",
			filepath.Base(opts.Kickstart)),
	)

	return args, nil
}

// Launcher runs one installation synchronously. The function-typed fields
// default to the real implementations; tests inject their own.
type Launcher struct {
	Opts     Options
	Topology hosttopo.Topology
	Logger   *slog.Logger

	// RunCommand executes the control tool. Defaults to exec with
	// stdout/stderr passthrough.
	RunCommand func(ctx context.Context, name string, args ...string) error
	// ToolMajorVersion reports the control tool's major version.
	ToolMajorVersion func(ctx context.Context) int
	// Undefine removes the guest definition. Called exactly once on every
	// exit from Launch.
	Undefine func()
}

// Launch runs the install to completion or failure. The guest definition is
// removed on every exit path, including panics; cleanup failures never mask
// the launch outcome.
func (l *Launcher) Launch(ctx context.Context) error {
	if l.Undefine != nil {
		defer l.Undefine()
	}

	args, err := BuildArgs(l.Opts, l.toolMajor(ctx), l.Topology)
	if err != nil {
		return err
	}

	if l.Opts.ConsoleLog != "" {
		relay, err := StartRelay(l.Opts.ConsoleLog, installerToken, os.Stderr)
		if err != nil {
			l.logger().Warn("console relay unavailable", "error", err)
		} else {
			defer relay.Stop()
		}
	}

	l.logger().Info("running virt-install", "command", "virt-install "+strings.Join(args, " "))
	if err := l.run(ctx, "virt-install", args...); err != nil {
		return fmt.Errorf("virt-install failed: %w", err)
	}
	return nil
}

func (l *Launcher) run(ctx context.Context, name string, args ...string) error {
	if l.RunCommand != nil {
		return l.RunCommand(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (l *Launcher) toolMajor(ctx context.Context) int {
	if l.ToolMajorVersion != nil {
		return l.ToolMajorVersion(ctx)
	}
	out, err := exec.CommandContext(ctx, "virt-install", "--version").Output()
	if err != nil {
		l.logger().Warn("cannot determine virt-install version", "error", err)
		return 0
	}
	return parseMajorVersion(string(out))
}

func parseMajorVersion(out string) int {
	version := strings.TrimSpace(out)
	if idx := strings.IndexAny(version, ".-"); idx >= 0 {
		version = version[:idx]
	}
	major, err := strconv.Atoi(version)
	if err != nil {
		return 0
	}
	return major
}

func (l *Launcher) logger() *slog.Logger {
	if l != nil && l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
