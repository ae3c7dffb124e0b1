package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCredentialMounts_SkipsMissingPaths(t *testing.T) {
	home := t.TempDir()
	if err := os.Mkdir(filepath.Join(home, ".aws"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".gitconfig"), []byte("[user]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	mounts := DefaultCredentialMounts(home)

	var gotAWS, gotGitconfig bool
	for _, m := range mounts {
		switch m.Guest {
		case "/root/.aws":
			gotAWS = true
			if m.Mode != "ro" {
				t.Errorf("expected aws mount to be ro, got %q", m.Mode)
			}
		case "/root/.gitconfig":
			gotGitconfig = true
			if m.Mode != "rw" {
				t.Errorf("expected gitconfig mount to be rw, got %q", m.Mode)
			}
		case "/root/.kube", "/root/.ssh", "/root/.config/gcloud", "/root/.terraformrc", "/root/.azure":
			t.Errorf("expected mount for missing host path not to be resolved: %+v", m)
		}
	}
	if !gotAWS {
		t.Error("expected aws credential mount to be resolved")
	}
	if !gotGitconfig {
		t.Error("expected gitconfig credential mount to be resolved")
	}
	if len(mounts) != 2 {
		t.Errorf("expected exactly 2 resolved mounts, got %d: %+v", len(mounts), mounts)
	}
}

func TestDefaultCredentialMounts_RejectsFileWhereDirExpected(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, ".ssh"), []byte("not a dir"), 0644); err != nil {
		t.Fatal(err)
	}

	mounts := DefaultCredentialMounts(home)
	for _, m := range mounts {
		if m.Guest == "/root/.ssh" {
			t.Errorf("expected .ssh file (not a directory) to be skipped, got %+v", m)
		}
	}
}

func TestParseUserMount(t *testing.T) {
	cases := []struct {
		spec    string
		want    MountBinding
		wantErr bool
	}{
		{spec: "/host/a:/guest/a", want: MountBinding{Host: "/host/a", Guest: "/guest/a", Mode: "ro"}},
		{spec: "/host/b:/guest/b:rw", want: MountBinding{Host: "/host/b", Guest: "/guest/b", Mode: "rw"}},
		{spec: "/host/c:/guest/c:ro", want: MountBinding{Host: "/host/c", Guest: "/guest/c", Mode: "ro"}},
		{spec: "missing-colon", wantErr: true},
		{spec: "/host:/guest:/extra:rw", wantErr: true},
		{spec: ":/guest", wantErr: true},
		{spec: "/host:/guest:bogus", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseUserMount(c.spec)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseUserMount(%q): expected error, got %+v", c.spec, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseUserMount(%q): unexpected error: %v", c.spec, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseUserMount(%q) = %+v, want %+v", c.spec, got, c.want)
		}
	}
}

func TestParseUserMounts_StopsAtFirstInvalid(t *testing.T) {
	_, err := ParseUserMounts([]string{"/host/a:/guest/a", "invalid"})
	if err == nil {
		t.Error("expected error from invalid second spec")
	}
}
