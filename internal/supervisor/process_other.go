//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// detach puts cmd in its own session so it survives the launching
// client's process tree, the closest non-Windows equivalent of a
// detached-with-no-console child process.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
