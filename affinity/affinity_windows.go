//go:build windows
// +build windows

package affinity

import "syscall"

// setAffinityPlatform pins the calling OS thread to cpu via the Win32
// SetThreadAffinityMask API. GetCurrentThread's pseudo-handle is valid
// only for the duration of this call, which is all it's used for.
func setAffinityPlatform(cpu int) error {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	getCurrentThread := kernel32.NewProc("GetCurrentThread")
	setThreadAffinityMask := kernel32.NewProc("SetThreadAffinityMask")

	thread, _, _ := getCurrentThread.Call()
	mask := uintptr(1) << uint(cpu)
	if ret, _, err := setThreadAffinityMask.Call(thread, mask); ret == 0 {
		return err
	}
	return nil
}
