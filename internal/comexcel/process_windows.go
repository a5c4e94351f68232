//go:build windows

package comexcel

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                       = syscall.NewLazyDLL("user32.dll")
	procGetWindowThreadProcessId = user32.NewProc("GetWindowThreadProcessId")
)

// windowPID resolves the owning process id of an application's top-level
// window handle, as returned by Excel's Hwnd property. GetWindowThreadProcessId
// is a user32 GUI call with no equivalent in golang.org/x/sys/windows, so it's
// invoked directly via syscall, the same way go-ole reaches into COM
// outside any wrapper package.
func windowPID(hwnd uint32) (uint32, error) {
	var pid uint32
	ret, _, callErr := procGetWindowThreadProcessId.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&pid)))
	if ret == 0 {
		return 0, callErr
	}
	return pid, nil
}

// processExists checks process liveness via OpenProcess rather than a
// COM call, so a hung Excel instance can be detected cheaply.
func processExists(pid uint32) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}

func killProcess(pid uint32) {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, pid)
	if err != nil {
		return
	}
	defer windows.CloseHandle(h)
	_ = windows.TerminateProcess(h, 1)
}
