// Package vmbackend implements the VM session backend by cloning a
// template VM package per session and driving the guest over SSH.
package vmbackend

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/brainbox/orchestrator/internal/common/constants"
	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/session"
	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

const guestSSHPort = 22
const secretsPath = "/run/secrets/session.env"

// packageConfig is the VM package's rewritten configuration file, analogous
// to a lima/tart "instance.yaml"").
type packageConfig struct {
	Name       string          `json:"name"`
	MAC        string          `json:"mac"`
	HostSSHPort int            `json:"host_ssh_port"`
	Mounts     []virtioFSShare `json:"mounts"`
}

type virtioFSShare struct {
	Tag    string `json:"tag"`
	Host   string `json:"host"`
	Target string `json:"target"`
}

// instance is the backend's in-memory record for a provisioned VM package.
type instance struct {
	name     string
	pkgDir   string
	mac      string
	sshPort  int
	guestIP  string
	bridged  bool
}

// Backend implements session.Backend for VM-hosted sessions.
type Backend struct {
	templateDir  string
	instancesDir string
	sshUser      string
	sshKeyPath   string
	bridged      bool
	logger       *logger.Logger
	instances    map[string]*instance
}

func New(templateDir, instancesDir, sshUser, sshKeyPath string, bridged bool, log *logger.Logger) *Backend {
	return &Backend{
		templateDir:  templateDir,
		instancesDir: instancesDir,
		sshUser:      sshUser,
		sshKeyPath:   sshKeyPath,
		bridged:      bridged,
		logger:       log.WithFields(zap.String("component", "vm-backend")),
		instances:    make(map[string]*instance),
	}
}

func (b *Backend) Kind() session.BackendKind { return session.BackendVM }

// Provision clones the named template package, assigns the session a
// retained-but-derived MAC, and writes the rewritten configuration.
func (b *Backend) Provision(ctx context.Context, req session.ProvisionRequest) error {
	s := req.Session
	template := filepath.Join(b.templateDir, req.ImageOrTemplate)
	pkgDir := filepath.Join(b.instancesDir, s.Name)

	if _, err := os.Stat(template); err != nil {
		return orcherrors.NewValidationError("no VM template named "+req.ImageOrTemplate, err)
	}

	if err := copyTree(template, pkgDir); err != nil {
		return orcherrors.NewBackendUnavailable("failed to clone VM package for "+s.Name, err)
	}

	mac := deriveMAC(s.Name)
	shares := make([]virtioFSShare, 0, len(s.Mounts))
	for i, m := range s.Mounts {
		shares = append(shares, virtioFSShare{
			Tag:    fmt.Sprintf("share%d", i),
			Host:   m.Host,
			Target: m.Guest,
		})
	}

	cfg := packageConfig{
		Name:        s.Name,
		MAC:         mac,
		HostSSHPort: s.HostPort,
		Mounts:      shares,
	}
	if err := writeConfig(pkgDir, cfg); err != nil {
		_ = os.RemoveAll(pkgDir)
		return orcherrors.NewBackendUnavailable("failed to write VM config for "+s.Name, err)
	}

	inst := &instance{name: s.Name, pkgDir: pkgDir, mac: mac, sshPort: s.HostPort, bridged: b.bridged}
	b.instances[s.Name] = inst
	s.Handle = pkgDir
	return nil
}

// Configure connects over SSH, writes the secrets file at mode 0600, and
// mounts each VirtioFS share at its target.
func (b *Backend) Configure(ctx context.Context, s *session.Session, secrets map[string]string) error {
	inst, ok := b.instances[s.Name]
	if !ok {
		return orcherrors.NewSessionNotFound("no VM instance for "+s.Name, nil)
	}

	client, err := b.dialGuest(inst)
	if err != nil {
		return orcherrors.NewBackendUnavailable("failed to reach guest for "+s.Name, err)
	}
	defer client.Close()

	var env strings.Builder
	for k, v := range secrets {
		fmt.Fprintf(&env, "%s=%s\n", k, v)
	}
	if err := writeFile(client, secretsPath, env.String(), "0600"); err != nil {
		return orcherrors.NewBackendUnavailable("failed to write secrets for "+s.Name, err)
	}

	cfg, err := readConfig(inst.pkgDir)
	if err != nil {
		return orcherrors.NewBackendUnavailable("failed to read VM config for "+s.Name, err)
	}
	for _, share := range cfg.Mounts {
		mountCmd := fmt.Sprintf("mkdir -p %s && mount -t virtiofs %s %s", share.Target, share.Tag, share.Target)
		out, code, err := runCommand(client, mountCmd)
		if err != nil {
			return orcherrors.NewBackendUnavailable("failed to mount share for "+s.Name, err)
		}
		if code != 0 {
			return orcherrors.NewBackendUnavailable(
				fmt.Sprintf("mounting %s exited %d for %s: %s", share.Target, code, s.Name, out), nil)
		}
	}
	return nil
}

// Start boots the VM, waits for SSH to answer, and for bridged networks
// discovers the guest IP via the ARP table.
func (b *Backend) Start(ctx context.Context, s *session.Session) error {
	inst, ok := b.instances[s.Name]
	if !ok {
		return orcherrors.NewSessionNotFound("no VM instance for "+s.Name, nil)
	}

	if err := launchHypervisor(inst.pkgDir); err != nil {
		return orcherrors.NewBackendUnavailable("failed to boot VM for "+s.Name, err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", inst.sshPort)
	if !pollReachable(addr, constants.SSHReadyPollInterval, constants.SSHReadyTimeout) {
		return orcherrors.NewTimeout("VM for "+s.Name+" did not become SSH-reachable in time", nil)
	}

	if inst.bridged {
		ip, err := lookupARP(inst.mac)
		if err != nil {
			return orcherrors.NewBackendUnavailable("failed to discover guest IP for "+s.Name, err)
		}
		inst.guestIP = ip
	}
	return nil
}

// Stop halts the VM. force maps to a forced power-off versus a graceful
// shutdown request sent over SSH.
func (b *Backend) Stop(ctx context.Context, s *session.Session, force bool) error {
	inst, ok := b.instances[s.Name]
	if !ok {
		return nil
	}
	if !force {
		if client, err := b.dialGuest(inst); err == nil {
			_, _, _ = runCommand(client, "sudo shutdown -h now")
			client.Close()
			time.Sleep(2 * time.Second)
		}
	}
	return haltHypervisor(inst.pkgDir)
}

// Remove halts the VM if still running and deletes the package directory.
func (b *Backend) Remove(ctx context.Context, s *session.Session) error {
	inst, ok := b.instances[s.Name]
	if !ok {
		return nil
	}
	_ = haltHypervisor(inst.pkgDir)
	if err := os.RemoveAll(inst.pkgDir); err != nil {
		return orcherrors.NewBackendUnavailable("failed to remove VM package for "+s.Name, err)
	}
	delete(b.instances, s.Name)
	return nil
}

// Health reports VM state and SSH reachability.
func (b *Backend) Health(ctx context.Context, s *session.Session) (*session.HealthResult, error) {
	inst, ok := b.instances[s.Name]
	if !ok {
		return &session.HealthResult{Gone: true}, nil
	}
	if _, err := os.Stat(inst.pkgDir); err != nil {
		return &session.HealthResult{Gone: true}, nil
	}
	addr := fmt.Sprintf("127.0.0.1:%d", inst.sshPort)
	reachable := pollReachable(addr, 500*time.Millisecond, 2*time.Second)
	return &session.HealthResult{Healthy: reachable, SSHReachable: reachable}, nil
}

// Exec runs a command on the guest over SSH.
func (b *Backend) Exec(ctx context.Context, s *session.Session, cmd []string, user string, detach bool) (*session.ExecResult, error) {
	inst, ok := b.instances[s.Name]
	if !ok {
		return nil, orcherrors.NewSessionNotFound("no VM instance for "+s.Name, nil)
	}
	client, err := b.dialGuest(inst)
	if err != nil {
		return nil, orcherrors.NewBackendUnavailable("failed to reach guest for "+s.Name, err)
	}
	defer client.Close()

	out, code, err := runCommand(client, strings.Join(cmd, " "))
	if err != nil {
		return nil, orcherrors.NewBackendUnavailable("exec failed for "+s.Name, err)
	}
	return &session.ExecResult{ExitCode: code, Output: out}, nil
}

// List scans the instances directory for package directories this process
// (or a predecessor) created.
func (b *Backend) List(ctx context.Context) ([]session.SessionInfo, error) {
	entries, err := os.ReadDir(b.instancesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, orcherrors.NewBackendUnavailable("failed to list VM packages", err)
	}
	out := make([]session.SessionInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, session.SessionInfo{
			Name:    e.Name(),
			Handle:  filepath.Join(b.instancesDir, e.Name()),
			Backend: session.BackendVM,
		})
	}
	return out, nil
}

func (b *Backend) dialGuest(inst *instance) (*ssh.Client, error) {
	addr := inst.guestIP
	if addr == "" {
		addr = "127.0.0.1"
	}
	port := guestSSHPort
	if addr == "127.0.0.1" {
		// No ARP entry yet (non-bridged network): reach the guest through
		// the host-forwarded SSH port instead of the unroutable guest port.
		port = inst.sshPort
	}
	return dial(fmt.Sprintf("%s:%d", addr, port), b.sshUser, b.sshKeyPath, constants.SSHDialTimeout)
}

func deriveMAC(name string) string {
	sum := md5.Sum([]byte(name))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

func writeConfig(pkgDir string, cfg packageConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(pkgDir, "config.json"), data, 0644)
}

func readConfig(pkgDir string) (*packageConfig, error) {
	data, err := os.ReadFile(filepath.Join(pkgDir, "config.json"))
	if err != nil {
		return nil, err
	}
	var cfg packageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

var _ session.Backend = (*Backend)(nil)
