package imagecfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()

	img, err := Load(writeConfig(t, "size: 10\npostprocess-script: fixup.sh\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if img.SizeGB != 10 {
		t.Fatalf("unexpected size: got %d want 10", img.SizeGB)
	}
	if img.PostprocessScript != "fixup.sh" {
		t.Fatalf("unexpected postprocess script: got %q", img.PostprocessScript)
	}
}

func TestLoadWithoutPostprocessScript(t *testing.T) {
	t.Parallel()

	img, err := Load(writeConfig(t, "size: 4\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if img.PostprocessScript != "" {
		t.Fatalf("expected empty postprocess script, got %q", img.PostprocessScript)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "size: 10\nextra-key: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "extra-key") {
		t.Fatalf("error should name the offending key, got: %v", err)
	}
}

func TestLoadRequiresSize(t *testing.T) {
	t.Parallel()

	for _, content := range []string{"postprocess-script: x.sh\n", "size: 0\n", "size: -3\n"} {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("expected error for config %q", content)
		}
	}
}

func TestLoadRejectsNonNumericSize(t *testing.T) {
	t.Parallel()

	if _, err := Load(writeConfig(t, "size: big\n")); err == nil {
		t.Fatal("expected error for non-numeric size")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
