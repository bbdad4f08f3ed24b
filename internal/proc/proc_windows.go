//go:build windows

package proc

import (
	"os/exec"
	"strconv"
)

// setProcAttr is a no-op on Windows; job objects would be the native
// mechanism but taskkill below covers tree termination.
func setProcAttr(cmd *exec.Cmd) {
}

// killProcessGroup terminates the process tree via taskkill.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

// pidsInDirectory is unsupported on Windows; directory-scoped kills
// rely on the task-tagged sweep instead.
func pidsInDirectory(dir string) []int {
	return nil
}
