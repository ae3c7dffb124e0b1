// Package constants provides process-wide timeout constants.
package constants

import "time"

// Timeouts bounding the external calls the orchestrator makes: every backend
// call, broker RPC, SSH exec, and subprocess invocation carries a timeout.
const (
	// BackendCallTimeout bounds a single backend operation (provision,
	// configure, start, stop, remove, exec).
	BackendCallTimeout = 30 * time.Second

	// HealthCheckTimeout bounds a single monitor health check.
	HealthCheckTimeout = 10 * time.Second

	// SSHDialTimeout bounds a single SSH connection attempt to a VM backend guest.
	SSHDialTimeout = 10 * time.Second

	// SSHReadyPollInterval is the polling interval while waiting for SSH to
	// become reachable after a VM boots.
	SSHReadyPollInterval = 1 * time.Second

	// SSHReadyTimeout bounds the total wait for SSH reachability after boot.
	SSHReadyTimeout = 60 * time.Second

	// TerminalBridgePollInterval is the pane-polling interval for the
	// terminal bridge fallback.
	TerminalBridgePollInterval = 500 * time.Millisecond

	// DefaultCommandTimeout bounds a request/reply broker call when the
	// caller does not supply its own budget.
	DefaultCommandTimeout = 5 * time.Minute
)
