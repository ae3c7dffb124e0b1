package vmbackend

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// pidFile is where launchHypervisor records the booted hypervisor process's
// PID. haltHypervisor does not read it; it stops the package via the helper.
const pidFile = "hypervisor.pid"

// launchHypervisor boots the VM package via the "orchestrator-vmrun"
// helper, expected on PATH, and records its PID in the package directory. The
// helper abstracts the host's virtualization backend (e.g. QEMU or the
// platform's native hypervisor) behind a single CLI contract: run the
// package directory's config and daemonize.
func launchHypervisor(pkgDir string) error {
	cmd := exec.Command("orchestrator-vmrun", "start", "--package", pkgDir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch hypervisor for %s: %w", pkgDir, err)
	}
	pid := fmt.Sprintf("%d", cmd.Process.Pid)
	return os.WriteFile(filepath.Join(pkgDir, pidFile), []byte(pid), 0644)
}

// haltHypervisor stops the VM package's hypervisor process.
func haltHypervisor(pkgDir string) error {
	cmd := exec.Command("orchestrator-vmrun", "stop", "--package", pkgDir)
	return cmd.Run()
}
