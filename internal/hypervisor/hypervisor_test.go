package hypervisor

import (
	"testing"
	"time"
)

func TestSessionNameDerivation(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	got := sessionName(1234, now)
	want := "vf-install-1234-1700000000"
	if got != want {
		t.Fatalf("unexpected session name: got %q want %q", got, want)
	}
}

func TestNewSessionKeepsURI(t *testing.T) {
	t.Parallel()

	s := NewSession("qemu:///session")
	if s.URI != "qemu:///session" {
		t.Fatalf("unexpected uri: %q", s.URI)
	}
	if s.Name == "" {
		t.Fatal("expected a generated name")
	}
}
