// Package hypervisor owns the libvirt control-channel interactions around a
// single ephemeral guest: waiting for the daemon and removing the guest
// definition afterwards.
package hypervisor

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

// DefaultURI is the system libvirt instance virt-install talks to.
const DefaultURI = "qemu:///system"

const (
	readyAttempts = 10
	readyInterval = time.Second
)

// WaitReady polls the control channel with a version query until it answers
// or the retry budget runs out. It never fails: when the daemon stays
// unresponsive the launch itself will surface the real error.
func WaitReady(uri string, logger *slog.Logger) {
	for i := 0; i < readyAttempts; i++ {
		if versionProbe(uri) {
			return
		}
		time.Sleep(readyInterval)
	}
	logger.Warn("libvirt still unresponsive, proceeding anyway", "uri", uri)
}

func versionProbe(uri string) bool {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = conn.GetLibVersion()
	return err == nil
}

// Session is one ephemeral guest. The name only needs to be unique on this
// host for the lifetime of the build.
type Session struct {
	Name string
	URI  string
}

// NewSession derives a guest name from the process id and current time.
func NewSession(uri string) *Session {
	return &Session{
		Name: sessionName(os.Getpid(), time.Now()),
		URI:  uri,
	}
}

func sessionName(pid int, now time.Time) string {
	return fmt.Sprintf("vf-install-%d-%d", pid, now.Unix())
}

// Undefine removes the guest definition, including any persisted firmware
// variable store. It is best-effort on every path: repeated runs would
// otherwise accumulate stale definitions, but a failure here must never mask
// the install's own outcome.
func (s *Session) Undefine(logger *slog.Logger) {
	conn, err := libvirt.NewConnect(s.URI)
	if err != nil {
		logger.Debug("skipping undefine, cannot reach libvirt", "error", err)
		return
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(s.Name)
	if err != nil {
		logger.Debug("no guest definition to remove", "name", s.Name)
		return
	}
	defer dom.Free()

	// A still-running guest cannot be undefined; stop it first.
	_ = dom.Destroy()

	flags := libvirt.DOMAIN_UNDEFINE_NVRAM | libvirt.DOMAIN_UNDEFINE_MANAGED_SAVE
	if err := dom.UndefineFlags(flags); err != nil {
		logger.Debug("undefine failed", "name", s.Name, "error", err)
	}
}
