package portutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsFree_FreePort(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	require.True(t, IsFree(port))
}

func TestIsFree_BoundPort(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	require.False(t, IsFree(port))
}
