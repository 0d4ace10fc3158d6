// Package kickstart assembles the installer configuration handed to the
// guest. Fragments are appended in a fixed order: later directives assume
// the mounts and files set up by earlier ones.
package kickstart

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"text/template"
)

// DefaultBaseTemplate is where the base kickstart ships on an installed
// build host.
const DefaultBaseTemplate = "/usr/lib/virtforge/image-base.ks"

// installClassMarker is probed inside the OSTree commit; when present, the
// commit carries its own Anaconda install class and the override fragment is
// emitted.
const installClassMarker = "/usr/lib/anaconda/installclass.py"

// 9p mount tags shared with the virt-install filesystem declarations.
const (
	WorkdirTag = "workdir"
	RepoTag    = "ostreerepo"
)

//go:embed fragments/*.ks fragments/*.tmpl
var fragmentFS embed.FS

var fragments = template.Must(template.ParseFS(fragmentFS, "fragments/*.tmpl"))

// Assembler produces one finalized kickstart from an install request. The
// zero value is not usable; fill the fields before calling Generate.
type Assembler struct {
	// BaseTemplatePath is the base kickstart; DefaultBaseTemplate if empty.
	BaseTemplatePath string

	Repo      string
	Stateroot string
	Ref       string
	Remote    string
	DeleteRef bool

	FS9p bool

	// Host and Port locate the content server from inside the guest.
	Host string
	Port int

	Logger *slog.Logger

	// HasPath reports whether the commit contains a path. Defaults to an
	// `ostree ls` probe; tests inject their own.
	HasPath func(repo, ref, path string) bool
}

// Validate checks the OSTree parameter set before any VM work begins. When
// a repo is configured, stateroot, remote, and ref must all accompany it.
func (a *Assembler) Validate() error {
	if a.Repo == "" {
		return nil
	}
	if a.Stateroot == "" || a.Remote == "" || a.Ref == "" {
		return errors.New("ostree-stateroot, ostree-remote, and ostree-ref are required together with ostree-repo")
	}
	if a.Host == "" {
		return errors.New("content server address is required for an ostree install")
	}
	return nil
}

// Write emits the full kickstart, fragments in fixed order, to w.
func (a *Assembler) Write(w io.Writer) error {
	if err := a.Validate(); err != nil {
		return err
	}

	if err := a.writeBase(w); err != nil {
		return err
	}

	if a.commitHasInstallClass() {
		a.logger().Debug("install class detected in commit, emitting override")
		if err := a.writeFragment(w, "installclass.ks"); err != nil {
			return err
		}
	}

	if err := a.writeFragment(w, "firstboot.ks"); err != nil {
		return err
	}

	if a.Repo != "" {
		if err := a.render(w, "ostreesetup.ks.tmpl", map[string]any{
			"Stateroot": a.Stateroot,
			"Remote":    a.Remote,
			"Ref":       a.Ref,
			"Host":      a.Host,
			"Port":      a.Port,
		}); err != nil {
			return err
		}
	}

	if a.FS9p {
		if err := a.render(w, "fs9p.ks.tmpl", map[string]any{
			"WorkdirTag": WorkdirTag,
			"RepoTag":    RepoTag,
		}); err != nil {
			return err
		}
	}

	if a.DeleteRef {
		if err := a.render(w, "deleteref.ks.tmpl", map[string]any{
			"Remote": a.Remote,
			"Ref":    a.Ref,
		}); err != nil {
			return err
		}
	}

	return nil
}

// Generate writes the kickstart to outPath, or to a temporary file under
// tmpDir when outPath is empty, and returns the finalized path. The file is
// synced and closed before the path is handed to the launcher.
func (a *Assembler) Generate(outPath, tmpDir string) (string, error) {
	var f *os.File
	var err error
	if outPath != "" {
		f, err = os.Create(outPath)
	} else {
		f, err = os.CreateTemp(tmpDir, "install-*.ks")
	}
	if err != nil {
		return "", fmt.Errorf("create kickstart file: %w", err)
	}

	if err := a.Write(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("flush kickstart: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("finalize kickstart: %w", err)
	}
	return f.Name(), nil
}

func (a *Assembler) writeBase(w io.Writer) error {
	path := a.BaseTemplatePath
	if path == "" {
		path = DefaultBaseTemplate
	}
	base, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read base kickstart: %w", err)
	}
	if _, err := w.Write(base); err != nil {
		return fmt.Errorf("write base kickstart: %w", err)
	}
	return nil
}

func (a *Assembler) writeFragment(w io.Writer, name string) error {
	data, err := fragmentFS.ReadFile("fragments/" + name)
	if err != nil {
		return fmt.Errorf("load fragment %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write fragment %s: %w", name, err)
	}
	return nil
}

func (a *Assembler) render(w io.Writer, name string, data map[string]any) error {
	var buf bytes.Buffer
	if err := fragments.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render fragment %s: %w", name, err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write fragment %s: %w", name, err)
	}
	return nil
}

// commitHasInstallClass reports whether the commit carries the install class
// marker. A missing path is not an error, just "override not applied".
func (a *Assembler) commitHasInstallClass() bool {
	if a.Repo == "" || a.Ref == "" {
		return false
	}
	probe := a.HasPath
	if probe == nil {
		probe = ostreeHasPath
	}
	return probe(a.Repo, a.Ref, installClassMarker)
}

func ostreeHasPath(repo, ref, path string) bool {
	cmd := exec.Command("ostree", "--repo="+repo, "ls", ref, path)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run() == nil
}

func (a *Assembler) logger() *slog.Logger {
	if a != nil && a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
