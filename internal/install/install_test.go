package install

import (
	"strings"
	"testing"
)

func validRequest() Request {
	return Request{
		Dest:        "/out/disk.img",
		TmpDir:      "/var/tmp/virtforge",
		ConfigDir:   "/etc/virtforge",
		Location:    "/srv/installer",
		OSTreeRepo:  "/srv/repo",
		MemoryMiB:   1024,
		WaitMinutes: 10,
		ConnectURI:  "qemu:///system",
	}
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	if err := validRequest().Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestRequestValidateRequiredFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		flag  string
		strip func(*Request)
	}{
		{"--dest", func(r *Request) { r.Dest = "" }},
		{"--tmpdir", func(r *Request) { r.TmpDir = "" }},
		{"--configdir", func(r *Request) { r.ConfigDir = "" }},
		{"--location", func(r *Request) { r.Location = "" }},
		{"--ostree-repo", func(r *Request) { r.OSTreeRepo = "" }},
	}
	for _, tc := range cases {
		req := validRequest()
		tc.strip(&req)
		err := req.Validate()
		if err == nil {
			t.Fatalf("missing %s not rejected", tc.flag)
		}
		if !strings.Contains(err.Error(), tc.flag) {
			t.Fatalf("error %q does not name %s", err, tc.flag)
		}
	}
}

func TestRequestValidateBounds(t *testing.T) {
	t.Parallel()

	req := validRequest()
	req.MemoryMiB = 0
	if err := req.Validate(); err == nil {
		t.Fatal("zero memory not rejected")
	}

	req = validRequest()
	req.WaitMinutes = -5
	if err := req.Validate(); err == nil {
		t.Fatal("negative wait not rejected")
	}
}
