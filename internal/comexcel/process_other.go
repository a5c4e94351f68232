//go:build !windows

package comexcel

import (
	"errors"
	"syscall"
)

var errUnsupportedPlatform = errors.New("window handle to process id resolution requires Windows")

// windowPID has no meaning outside Windows; the real OLE adapter never
// runs on this platform (COM automation is Windows-only), so this is
// only here to keep the package buildable for non-Windows development
// and CI using FakeApp.
func windowPID(hwnd uint32) (uint32, error) {
	return 0, errUnsupportedPlatform
}

func processExists(pid uint32) bool {
	if pid == 0 {
		return false
	}
	return syscall.Kill(int(pid), 0) == nil
}

func killProcess(pid uint32) {
	if pid == 0 {
		return
	}
	_ = syscall.Kill(int(pid), syscall.SIGKILL)
}
