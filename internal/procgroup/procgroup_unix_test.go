// SPDX-License-Identifier: MIT

//go:build unix

package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startGroup spawns a shell with a background child so the test has a
// real process tree to reap.
func startGroup(t *testing.T) *exec.Cmd {
	t.Helper()

	cmd := exec.Command("sh", "-c", "sleep 100 & sleep 100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			_, _ = cmd.Process.Wait()
		}
	})

	// Give the shell a moment to fork its children.
	time.Sleep(100 * time.Millisecond)
	return cmd
}

func TestSet_MakesGroupLeader(t *testing.T) {
	cmd := startGroup(t)
	pid := cmd.Process.Pid

	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, pgid, "spawned process should lead its own group")
}

func TestAlive(t *testing.T) {
	cmd := startGroup(t)
	pid := cmd.Process.Pid

	assert.True(t, Alive(pid))
	assert.True(t, GroupAlive(pid))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-5))
}

func TestKillGroup(t *testing.T) {
	cmd := startGroup(t)
	pid := cmd.Process.Pid

	// Reap the child in the background the way the spawn worker does,
	// so the leader does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	err := KillGroup(pid, 200*time.Millisecond, 2*time.Second)
	require.NoError(t, err)

	// The whole group must be gone, not just the leader.
	assert.Eventually(t, func() bool {
		return syscall.Kill(-pid, 0) == syscall.ESRCH
	}, 2*time.Second, 50*time.Millisecond, "process group should be dead")
}

func TestKillGroup_AlreadyGone(t *testing.T) {
	err := KillGroup(999999, 10*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestKillGroup_InvalidPid(t *testing.T) {
	assert.NoError(t, KillGroup(0, time.Millisecond, time.Millisecond))
	assert.NoError(t, KillGroup(-1, time.Millisecond, time.Millisecond))
}

func TestTerminate_GracefulExit(t *testing.T) {
	cmd := exec.Command("sleep", "100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	err := Terminate(cmd, waitCh, 2*time.Second)
	// sleep dies from the SIGTERM, surfacing as a signal exit error.
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "expected signal exit, got %v", err)
	assert.False(t, Alive(cmd.Process.Pid))
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	// A child that traps SIGTERM only dies from the escalation.
	cmd := exec.Command("sh", "-c", `trap "" TERM; while :; do :; done`)
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 300*time.Millisecond)
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "expected signal exit, got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond, "should have waited out the grace period")
	assert.False(t, Alive(cmd.Process.Pid))
}

func TestTerminate_NilCommand(t *testing.T) {
	assert.NoError(t, Terminate(nil, nil, time.Second))
}
