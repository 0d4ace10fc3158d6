// Package install carries the request model and runs one image build end to
// end.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"github.com/virtforge/virtforge/internal/contentserv"
	"github.com/virtforge/virtforge/internal/diskimage"
	"github.com/virtforge/virtforge/internal/hostnet"
	"github.com/virtforge/virtforge/internal/hosttopo"
	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/imagecfg"
	"github.com/virtforge/virtforge/internal/kickstart"
	"github.com/virtforge/virtforge/internal/logging"
	"github.com/virtforge/virtforge/internal/virtinstall"
)

// imageConfigName is the image definition file inside --configdir.
const imageConfigName = "image.yaml"

// Request is one immutable image build request, assembled from the CLI.
type Request struct {
	Dest      string
	TmpDir    string
	ConfigDir string
	Location  string

	CreateDisk   bool
	Variant      virtinstall.Variant
	KickstartOut string
	MemoryMiB    int
	ConsoleLog   string
	FS9p         bool

	OSTreeRepo      string
	OSTreeStateroot string
	OSTreeRef       string
	OSTreeRemote    string
	DeleteOSTreeRef bool

	WaitMinutes int

	ConnectURI    string
	NoAutoconsole bool
}

// Validate checks the request before any external resource is touched.
func (r Request) Validate() error {
	required := []struct {
		flag  string
		value string
	}{
		{"--dest", r.Dest},
		{"--tmpdir", r.TmpDir},
		{"--configdir", r.ConfigDir},
		{"--location", r.Location},
		{"--ostree-repo", r.OSTreeRepo},
	}
	for _, req := range required {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.flag)
		}
	}
	if r.MemoryMiB <= 0 {
		return fmt.Errorf("memory must be positive, got %d", r.MemoryMiB)
	}
	if r.WaitMinutes <= 0 {
		return fmt.Errorf("wait must be positive, got %d", r.WaitMinutes)
	}
	return nil
}

// Run executes the build: kickstart assembly, optional disk creation, the
// content server, the guest install, and post-install finalization. Guest
// and helper teardown runs on every exit path.
func Run(ctx context.Context, req Request, logger *slog.Logger) error {
	logger = logging.Ensure(logger)

	if err := req.Validate(); err != nil {
		return err
	}

	img, err := imagecfg.Load(filepath.Join(req.ConfigDir, imageConfigName))
	if err != nil {
		return err
	}

	hostIP, err := hostnet.ResolveHostIPv4()
	if err != nil {
		return fmt.Errorf("resolving host address: %w", err)
	}

	// Per-run scratch directory under the build tmpdir. It holds the
	// generated kickstart and doubles as the 9p workdir the guest copies
	// installer logs into, so it is kept after the run.
	scratch := filepath.Join(req.TmpDir, "install-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	logger.Debug("scratch directory ready", "path", scratch)

	asm := &kickstart.Assembler{
		Repo:      req.OSTreeRepo,
		Stateroot: req.OSTreeStateroot,
		Ref:       req.OSTreeRef,
		Remote:    req.OSTreeRemote,
		DeleteRef: req.DeleteOSTreeRef,
		FS9p:      req.FS9p,
		Host:      hostIP.String(),
		Port:      contentserv.Port,
		Logger:    logger.With("component", "kickstart"),
	}
	ksPath, err := asm.Generate(req.KickstartOut, scratch)
	if err != nil {
		return err
	}
	logger.Info("kickstart generated", "path", ksPath)

	builder := &diskimage.Builder{Logger: logger.With("component", "diskimage")}
	if req.CreateDisk {
		if err := builder.EnsureDisk(ctx, req.Dest, req.Variant, img.SizeGB, req.OSTreeRepo, req.OSTreeRef, req.TmpDir); err != nil {
			return err
		}
	}

	server := contentserv.New(req.OSTreeRepo, net.JoinHostPort(hostIP.String(), fmt.Sprintf("%d", contentserv.Port)), logger.With("component", "contentserv"))
	server.Start()

	hypervisor.WaitReady(req.ConnectURI, logger)

	session := hypervisor.NewSession(req.ConnectURI)
	launcher := &virtinstall.Launcher{
		Opts: virtinstall.Options{
			ConnectURI:    req.ConnectURI,
			DomainName:    session.Name,
			DestDisk:      req.Dest,
			Location:      req.Location,
			Kickstart:     ksPath,
			Variant:       req.Variant,
			MemoryMiB:     req.MemoryMiB,
			WaitMinutes:   req.WaitMinutes,
			ConsoleLog:    req.ConsoleLog,
			FS9p:          req.FS9p,
			WorkdirPath:   scratch,
			RepoPath:      req.OSTreeRepo,
			Arch:          virtinstall.CanonicalArch(runtime.GOARCH),
			NoAutoconsole: req.NoAutoconsole,
		},
		Topology: detectTopology(logger),
		Logger:   logger.With("component", "virtinstall"),
		Undefine: func() { session.Undefine(logger) },
	}

	if err := launcher.Launch(ctx); err != nil {
		return err
	}

	if err := builder.Sanitize(ctx, req.Dest); err != nil {
		return err
	}
	if err := builder.Postprocess(ctx, req.ConfigDir, img.PostprocessScript, req.Dest); err != nil {
		return err
	}

	logger.Info("install complete", "disk", req.Dest, "content_requests", server.Requests())
	return nil
}

// detectTopology never fails the build; a detection problem just means the
// guest gets a single vCPU.
func detectTopology(logger *slog.Logger) hosttopo.Topology {
	fallback := hosttopo.Topology{Sockets: 1, Cores: 1, Threads: 1}

	det, err := hosttopo.New("/proc")
	if err != nil {
		logger.Warn("cannot inspect host topology", "error", err)
		return fallback
	}
	topo, err := det.Detect(logger)
	if err != nil {
		logger.Warn("topology detection failed", "error", err)
		return fallback
	}
	return topo
}
