package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

// credentialMount names one host-path credential source mounted into every
// session by default, relative to the invoking user's home directory.
type credentialMount struct {
	name       string
	hostRel    string
	guest      string
	mode       string
	requireDir bool
}

// defaultCredentialMounts is the fixed catalog of host credential paths
// bound into a session on top of whatever the caller requests explicitly.
// All default to read-only except gitconfig, which must be writable so the
// agent can record commit identity.
var defaultCredentialMounts = []credentialMount{
	{name: "aws", hostRel: ".aws", guest: "/root/.aws", mode: "ro", requireDir: true},
	{name: "kube", hostRel: ".kube", guest: "/root/.kube", mode: "ro", requireDir: true},
	{name: "ssh", hostRel: ".ssh", guest: "/root/.ssh", mode: "ro", requireDir: true},
	{name: "gitconfig", hostRel: ".gitconfig", guest: "/root/.gitconfig", mode: "rw"},
	{name: "gcloud", hostRel: filepath.Join(".config", "gcloud"), guest: "/root/.config/gcloud", mode: "ro", requireDir: true},
	{name: "terraform", hostRel: ".terraformrc", guest: "/root/.terraformrc", mode: "ro"},
	{name: "azure", hostRel: ".azure", guest: "/root/.azure", mode: "ro", requireDir: true},
}

// DefaultCredentialMounts resolves the fixed AWS/kube/ssh/gitconfig/gcloud/
// terraform/azure credential set against home, skipping any entry whose
// host path does not exist so a session never fails to provision for lack
// of a credential the operator simply hasn't configured.
func DefaultCredentialMounts(home string) []MountBinding {
	var out []MountBinding
	for _, c := range defaultCredentialMounts {
		host := filepath.Join(home, c.hostRel)
		info, err := os.Stat(host)
		if err != nil {
			continue
		}
		if c.requireDir && !info.IsDir() {
			continue
		}
		out = append(out, MountBinding{Host: host, Guest: c.guest, Mode: c.mode})
	}
	return out
}

// ParseUserMount parses a "host:guest[:mode]" mount spec. mode defaults to
// "ro" and must be "ro" or "rw" when given.
func ParseUserMount(spec string) (MountBinding, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return MountBinding{}, orcherrors.NewValidationError("invalid mount spec "+spec+", expected host:guest[:mode]", nil)
	}
	host, guest := parts[0], parts[1]
	if host == "" || guest == "" {
		return MountBinding{}, orcherrors.NewValidationError("invalid mount spec "+spec+", host and guest path must not be empty", nil)
	}
	mode := "ro"
	if len(parts) == 3 {
		mode = parts[2]
	}
	if mode != "ro" && mode != "rw" {
		return MountBinding{}, orcherrors.NewValidationError(fmt.Sprintf("invalid mount mode %q in %s, must be ro or rw", mode, spec), nil)
	}
	return MountBinding{Host: host, Guest: guest, Mode: mode}, nil
}

// ParseUserMounts parses a batch of "host:guest[:mode]" specs, stopping at
// the first invalid entry.
func ParseUserMounts(specs []string) ([]MountBinding, error) {
	out := make([]MountBinding, 0, len(specs))
	for _, spec := range specs {
		m, err := ParseUserMount(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
