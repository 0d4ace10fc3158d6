// Package diskimage creates, sanitizes, and postprocesses the target disk
// image around the guest installation.
package diskimage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/virtforge/virtforge/internal/virtinstall"
)

const (
	// estimatorTool computes the deployed size of an OSTree commit. It is
	// shipped alongside the binary and writes its result as JSON.
	estimatorTool = "/usr/lib/virtforge/estimate-ostree-size"

	// estimateCacheName is the per-tmpdir cache of the estimator result.
	// Repeated builds over the same commit reuse it instead of walking the
	// repository again.
	estimateCacheName = "ostree-size.json"

	// firmwareMarginMiB is headroom added to metal images for the boot
	// partitions the estimator does not account for.
	firmwareMarginMiB = 1024
)

type sizeEstimate struct {
	EstimateMB struct {
		Final int `json:"final"`
	} `json:"estimate-mb"`
}

// Builder drives the image lifecycle. The function-typed fields default to
// real subprocess execution; tests inject their own.
type Builder struct {
	Logger *slog.Logger

	RunCommand func(ctx context.Context, name string, args ...string) error
	// Estimate runs the OSTree size estimator and writes its JSON result
	// to cachePath.
	Estimate func(ctx context.Context, repo, ref, cachePath string) error
}

// EnsureDisk creates the target disk at dest. Metal variants get a raw image
// sized from the OSTree commit estimate plus firmware margin; everything
// else gets a qcow2 of sizeGB.
func (b *Builder) EnsureDisk(ctx context.Context, dest string, variant virtinstall.Variant, sizeGB int, repo, ref, tmpDir string) error {
	if variant.IsMetal() {
		finalMB, err := b.estimatedSizeMB(ctx, repo, ref, tmpDir)
		if err != nil {
			return err
		}
		sizeMB := finalMB + firmwareMarginMiB
		b.logger().Info("creating raw disk", "path", dest, "size_mb", sizeMB)
		return b.run(ctx, "qemu-img", "create", "-f", "raw", dest, fmt.Sprintf("%dM", sizeMB))
	}

	b.logger().Info("creating qcow2 disk", "path", dest, "size_gb", sizeGB)
	return b.run(ctx, "qemu-img", "create", "-f", "qcow2", dest, fmt.Sprintf("%dG", sizeGB))
}

func (b *Builder) estimatedSizeMB(ctx context.Context, repo, ref, tmpDir string) (int, error) {
	cachePath := filepath.Join(tmpDir, estimateCacheName)

	if mb, err := readEstimate(cachePath); err == nil {
		b.logger().Debug("using cached size estimate", "path", cachePath, "final_mb", mb)
		return mb, nil
	}

	if err := b.estimate(ctx, repo, ref, cachePath); err != nil {
		return 0, fmt.Errorf("estimating deployed size of %s: %w", ref, err)
	}
	mb, err := readEstimate(cachePath)
	if err != nil {
		return 0, fmt.Errorf("reading size estimate: %w", err)
	}
	return mb, nil
}

func readEstimate(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var est sizeEstimate
	if err := json.Unmarshal(data, &est); err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	if est.EstimateMB.Final <= 0 {
		return 0, fmt.Errorf("parsing %s: missing or invalid final estimate", path)
	}
	return est.EstimateMB.Final, nil
}

// Sanitize strips build-time artifacts (host keys, machine IDs, logs) from
// the installed disk.
func (b *Builder) Sanitize(ctx context.Context, dest string) error {
	b.logger().Info("sanitizing disk", "path", dest)
	if err := b.run(ctx, "virt-sysprep", "-a", dest); err != nil {
		return fmt.Errorf("virt-sysprep failed: %w", err)
	}
	return nil
}

// Postprocess runs the image configuration's postprocess script against the
// finished disk. A missing script name is a no-op; a failing script is fatal.
func (b *Builder) Postprocess(ctx context.Context, configDir, script, dest string) error {
	if script == "" {
		return nil
	}
	path := filepath.Join(configDir, script)
	b.logger().Info("running postprocess script", "script", path)
	if err := b.run(ctx, path, dest); err != nil {
		return fmt.Errorf("postprocess script %s failed: %w", script, err)
	}
	return nil
}

func (b *Builder) run(ctx context.Context, name string, args ...string) error {
	if b.RunCommand != nil {
		return b.RunCommand(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (b *Builder) estimate(ctx context.Context, repo, ref, cachePath string) error {
	if b.Estimate != nil {
		return b.Estimate(ctx, repo, ref, cachePath)
	}
	return b.run(ctx, estimatorTool, "--repo", repo, ref, "--add-percent", "20", "--output", cachePath)
}

func (b *Builder) logger() *slog.Logger {
	if b != nil && b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
