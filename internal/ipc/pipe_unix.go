//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// EndpointName returns a per-user Unix domain socket path under the
// current user's runtime directory. This is the non-Windows development
// and test stand-in for the named-pipe transport Listen uses in
// production; named pipes are Windows-only, and COM automation itself
// never runs off Windows, so this path exists purely so the Router/
// Session/Watchdog core is exercisable in CI.
func EndpointName() (string, error) {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	uid := os.Getuid()
	return filepath.Join(base, fmt.Sprintf("excelmcp-%d.sock", uid)), nil
}

// Listen creates the Unix domain socket with owner-only permissions,
// the closest equivalent to the named pipe's per-user ACL.
func Listen(name string) (net.Listener, error) {
	_ = os.Remove(name)

	l, err := net.Listen("unix", name)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", name, err)
	}
	if err := os.Chmod(name, 0700); err != nil {
		l.Close()
		return nil, fmt.Errorf("setting permissions on %s: %w", name, err)
	}
	return l, nil
}
