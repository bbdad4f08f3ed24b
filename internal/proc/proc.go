// Package proc wraps subprocess spawning with task-scoped tracking so
// that every process started on behalf of a task can be found and
// killed as a tree.
package proc

import (
	"log/slog"
	"os/exec"
	"sync"
)

// Supervisor tracks spawned process IDs per task.
type Supervisor struct {
	mu   sync.Mutex
	pids map[string]map[int]struct{}
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{pids: make(map[string]map[int]struct{})}
}

// Prepare configures cmd for group termination. Must be called before
// cmd.Start.
func (s *Supervisor) Prepare(cmd *exec.Cmd) {
	setProcAttr(cmd)
}

// Track registers a started command's PID under the task. The caller
// must have called Prepare before starting the command.
func (s *Supervisor) Track(taskID string, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.pids[taskID]
	if !ok {
		set = make(map[int]struct{})
		s.pids[taskID] = set
	}
	set[cmd.Process.Pid] = struct{}{}
}

// Untrack removes a PID from the task's set, called after process exit.
func (s *Supervisor) Untrack(taskID string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.pids[taskID]; ok {
		delete(set, pid)
		if len(set) == 0 {
			delete(s.pids, taskID)
		}
	}
}

// PIDs returns the tracked PIDs for a task.
func (s *Supervisor) PIDs(taskID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.pids[taskID]
	out := make([]int, 0, len(set))
	for pid := range set {
		out = append(out, pid)
	}
	return out
}

// KillTask terminates the process tree of every PID tracked for the
// task. Kill failures are logged and swallowed; the processes may have
// already exited.
func (s *Supervisor) KillTask(taskID string) {
	for _, pid := range s.PIDs(taskID) {
		if err := killProcessGroup(pid); err != nil {
			slog.Debug("kill process group", "task_id", taskID, "pid", pid, "error", err)
		}
		s.Untrack(taskID, pid)
	}
}

// KillInDirectory performs a best-effort sweep of processes whose
// working directory is under dir. Used before worktree removal to
// release file locks held by stray children.
func (s *Supervisor) KillInDirectory(dir string) {
	for _, pid := range pidsInDirectory(dir) {
		if err := killProcessGroup(pid); err != nil {
			slog.Debug("kill process in directory", "dir", dir, "pid", pid, "error", err)
		}
	}
}

// Shutdown kills every tracked process tree.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	tasks := make([]string, 0, len(s.pids))
	for id := range s.pids {
		tasks = append(tasks, id)
	}
	s.mu.Unlock()
	for _, id := range tasks {
		s.KillTask(id)
	}
}
