package vmbackend

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// dial opens an SSH connection authenticated with the backend's private
// key. VM guests are not reachable over the public key's known_hosts
// database, so host key verification is intentionally skipped here; the
// trust boundary is the hypervisor's loopback/bridge network, not the
// network path an interactive SSH client would otherwise need to vet.
func dial(addr string, user string, keyPath string, timeout time.Duration) (*ssh.Client, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         timeout,
	}
	return ssh.Dial("tcp", addr, cfg)
}

// runCommand opens a session over an existing client and runs cmd,
// returning combined stdout+stderr.
func runCommand(client *ssh.Client, cmd string) (string, int, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	err = session.Run(cmd)
	if err == nil {
		return out.String(), 0, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return out.String(), exitErr.ExitStatus(), nil
	}
	return out.String(), -1, err
}

// writeFile writes content to a remote path with the given octal mode by
// first creating the file with that mode via install, then filling it
// through a shell heredoc.
func writeFile(client *ssh.Client, path string, content string, mode string) error {
	cmd := fmt.Sprintf("install -m %s /dev/null %s && cat > %s <<'ORCH_EOF'\n%s\nORCH_EOF", mode, path, path, content)
	out, code, err := runCommand(client, cmd)
	if err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", path, err)
	}
	if code != 0 {
		return fmt.Errorf("writing remote file %s exited %d: %s", path, code, out)
	}
	return nil
}

// pollReachable blocks until addr accepts a TCP connection or the deadline
// elapses").
func pollReachable(addr string, interval, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(interval)
	}
	return false
}
