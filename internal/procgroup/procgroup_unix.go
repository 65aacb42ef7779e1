// SPDX-License-Identifier: MIT

//go:build unix

package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/talksim/orchestrator/internal/metrics"
)

func set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but is owned by someone else.
	return errors.Is(err, syscall.EPERM)
}

func groupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(-pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func pgid(pid int) (int, error) {
	g, err := syscall.Getpgid(pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return 0, ErrProcessNotFound
		}
		return 0, err
	}
	return g, nil
}

// signalGroup signals the whole group, falling back to the leader when
// group delivery is restricted.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == nil {
		metrics.RecordAgentSignal(sig.String(), "sent")
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		metrics.RecordAgentSignal(sig.String(), "gone")
		return ErrProcessNotFound
	}

	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			metrics.RecordAgentSignal(sig.String(), "gone")
			return ErrProcessNotFound
		}
		metrics.RecordAgentSignal(sig.String(), "error")
		return err
	}
	metrics.RecordAgentSignal(sig.String(), "sent_leader")
	return nil
}

// waitGone polls the leader with signal 0 until it disappears or the
// deadline passes. Children the worker spawned are reaped by its Wait
// call, so a dead leader does not linger as a zombie.
func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func killGroup(pid int, grace, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}

	if err := signalGroup(pid, syscall.SIGTERM); errors.Is(err, ErrProcessNotFound) {
		return ErrProcessNotFound
	}
	// Any other delivery failure falls through to the SIGKILL below.

	if waitGone(pid, grace) {
		return nil
	}

	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, ErrProcessNotFound) {
			return nil
		}
		return err
	}

	if waitGone(pid, timeout) {
		return nil
	}
	return ErrKillFailed
}

func terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	pid := cmd.Process.Pid

	// The force kill below is the backstop if graceful delivery fails.
	_ = signalGroup(pid, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = signalGroup(pid, syscall.SIGKILL)

	// The child was signalled KILL; Wait must return promptly. The
	// extra timeout only guards against a wedged wait channel.
	select {
	case err := <-waitCh:
		return err
	case <-time.After(5 * time.Second):
		return ErrKillFailed
	}
}
