//go:build !windows

package proc

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// setProcAttr puts the child in its own process group so the whole
// tree can be signalled at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the entire group. On Unix the group ID
// equals the PID of the group leader; a negative PID addresses the
// whole group.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// pidsInDirectory scans /proc for processes whose cwd resolves under
// dir. Best effort: unreadable entries are skipped.
func pidsInDirectory(dir string) []int {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		cwd, err := os.Readlink(filepath.Join("/proc", e.Name(), "cwd"))
		if err != nil {
			continue
		}
		if cwd == abs || strings.HasPrefix(cwd, abs+string(filepath.Separator)) {
			out = append(out, pid)
		}
	}
	return out
}
