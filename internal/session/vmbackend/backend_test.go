package vmbackend

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeriveMAC_Deterministic(t *testing.T) {
	a := deriveMAC("session-one")
	b := deriveMAC("session-one")
	if a != b {
		t.Fatalf("expected deterministic MAC, got %q and %q", a, b)
	}
	if deriveMAC("session-two") == a {
		t.Fatal("expected different sessions to derive different MACs")
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "disk.img"), []byte("fake-disk"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "cloud-init.yaml"), []byte("x: 1"), 0644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "clone")
	if err := copyTree(src, dst); err != nil {
		t.Fatalf("copyTree failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "nested", "cloud-init.yaml"))
	if err != nil {
		t.Fatalf("expected nested file to be copied: %v", err)
	}
	if string(data) != "x: 1" {
		t.Errorf("unexpected nested file contents: %q", data)
	}
}

func TestWriteAndReadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := packageConfig{
		Name:        "sess",
		MAC:         "52:54:00:01:02:03",
		HostSSHPort: 7722,
		Mounts:      []virtioFSShare{{Tag: "share0", Host: "/tmp/x", Target: "/mnt/x"}},
	}
	if err := writeConfig(dir, cfg); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}
	got, err := readConfig(dir)
	if err != nil {
		t.Fatalf("readConfig failed: %v", err)
	}
	if got.Name != cfg.Name || got.HostSSHPort != cfg.HostSSHPort || len(got.Mounts) != 1 {
		t.Errorf("round-tripped config mismatch: %+v", got)
	}
}
