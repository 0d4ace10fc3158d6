package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/install"
	"github.com/virtforge/virtforge/internal/logging"
	"github.com/virtforge/virtforge/internal/virtinstall"
)

const defaultLogLevel = "info"

const (
	defaultMemoryMiB   = 1024
	defaultWaitMinutes = 10
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("build interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("build failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel

	var req install.Request
	var variant string

	root := &cobra.Command{
		Use:           "virtforge",
		Short:         "Build a disk image by driving a kickstart install in an ephemeral libvirt guest",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := virtinstall.ParseVariant(variant)
			if err != nil {
				return err
			}
			req.Variant = v
			req.NoAutoconsole = os.Getenv("ISFEDORA") != ""

			cmdLogger := logger.With("command", "build")
			cmdLogger.Info("starting image build", "dest", req.Dest, "location", req.Location)

			if err := install.Run(cmd.Context(), req, cmdLogger); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), req.Dest)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	flags := root.Flags()
	flags.StringVar(&req.Dest, "dest", "", "Path of the disk image to produce")
	flags.StringVar(&req.TmpDir, "tmpdir", "", "Build scratch directory (holds the size-estimate cache)")
	flags.StringVar(&req.ConfigDir, "configdir", "", "Directory containing image.yaml and postprocess scripts")
	flags.StringVar(&req.Location, "location", "", "Installer tree path or URL")
	flags.StringVar(&req.OSTreeRepo, "ostree-repo", "", "OSTree repository to install from")

	flags.BoolVar(&req.CreateDisk, "create-disk", false, "Create the destination disk before installing")
	flags.StringVar(&variant, "variant", "", "Disk variant: metal-bios, metal-uefi, or cloud")
	flags.StringVar(&req.KickstartOut, "kickstart-out", "", "Write the generated kickstart to this path")
	flags.IntVar(&req.MemoryMiB, "memory", envInt("VIRTFORGE_MEMORY", defaultMemoryMiB), "Guest memory in MiB")
	flags.StringVar(&req.ConsoleLog, "console-log-file", "", "Capture the guest serial console to this file")
	flags.BoolVar(&req.FS9p, "fs9p", false, "Share the workdir and repository with the guest over 9p")
	flags.StringVar(&req.OSTreeStateroot, "ostree-stateroot", "", "OSTree stateroot (osname) to deploy")
	flags.StringVar(&req.OSTreeRef, "ostree-ref", "", "OSTree ref to deploy")
	flags.BoolVar(&req.DeleteOSTreeRef, "delete-ostree-ref", false, "Delete the ref from the deployed repository after install")
	flags.StringVar(&req.OSTreeRemote, "ostree-remote", "", "OSTree remote name for the deployment")
	flags.IntVar(&req.WaitMinutes, "wait", envInt("VIRTFORGE_WAIT_MINUTES", defaultWaitMinutes), "Abort the install after this many minutes")
	flags.StringVar(&req.ConnectURI, "connect-uri", hypervisor.DefaultURI, "Libvirt connection URI")

	return root
}

func envInt(name string, fallback int) int {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
