// SPDX-License-Identifier: MIT

// Package procgroup manages agent process groups: spawning children as
// group leaders, probing liveness, and tearing whole groups down.
// Agents fork their own helpers, so every signal targets the group,
// never just the leader.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrKillFailed      = errors.New("kill operation failed")
	ErrUnsupported     = errors.New("process groups not supported on this platform")
)

// Set configures the command to start as a process group leader.
// Mandatory for KillGroup to reap the whole tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Alive reports whether the process still exists, via a signal-0
// probe.
func Alive(pid int) bool {
	return alive(pid)
}

// GroupAlive reports whether any process remains in the group led by
// pid.
func GroupAlive(pid int) bool {
	return groupAlive(pid)
}

// Pgid returns the id of the process group pid belongs to.
func Pgid(pid int) (int, error) {
	return pgid(pid)
}

// KillGroup terminates the process group led by pid: graceful term,
// wait up to grace, then force kill, wait up to timeout. Returns
// ErrProcessNotFound when the group was already gone, which callers
// treat as success.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}

// Proc describes one member of a process group.
type Proc struct {
	Pid  int    `json:"pid"`
	PPid int    `json:"ppid"`
	Pgid int    `json:"pgid"`
	Cmd  string `json:"cmd"`
}

// ListGroup enumerates the members of the process group pgid. On
// platforms without a process table to read it returns an empty list.
func ListGroup(pgid int) []Proc {
	return listGroup(pgid)
}

// Terminate stops a command this process spawned, using its wait
// channel instead of polling: graceful term to the group, wait up to
// grace, force kill, then drain waitCh. Safe on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return terminate(cmd, waitCh, grace)
}
