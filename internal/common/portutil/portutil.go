// Package portutil provides low-level host-port probing used by the
// lifecycle engine's port allocator (see internal/session/engine.go).
package portutil

import (
	"fmt"
	"net"
)

// IsFree reports whether a TCP port on the host is currently free by
// attempting to bind to it. Used as a secondary check alongside the
// in-process session-table scan so that ports held by processes the
// orchestrator did not itself allocate are still skipped.
func IsFree(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
