// SPDX-License-Identifier: MIT

//go:build windows

package procgroup

import (
	"os"
	"os/exec"
	"time"
)

func set(cmd *exec.Cmd) {
	// No process groups on Windows; the agent runs unmanaged.
}

// alive relies on FindProcess doing an OpenProcess on Windows, which
// fails for dead pids.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}

func groupAlive(pid int) bool {
	return alive(pid)
}

func pgid(pid int) (int, error) {
	return 0, ErrUnsupported
}

func killGroup(pid int, grace, timeout time.Duration) error {
	return ErrUnsupported
}

func terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	_ = cmd.Process.Kill()
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		return ErrKillFailed
	}
}
