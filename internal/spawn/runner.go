// SPDX-License-Identifier: MIT

// Package spawn launches voice agent processes and supervises their
// startup. A pool of workers consumes spawn tasks from the durable
// queue, execs the agent as a process group leader, tails its merged
// output into a log file and the Redis ring, and promotes the session
// once a readiness marker shows up.
package spawn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/procgroup"
	"github.com/talksim/orchestrator/internal/store"
)

// readinessMarkers are the log fragments the agent prints once it is
// serving a room. Any one of them counts.
var readinessMarkers = []string{
	"Connected to",
	"Pipeline started",
	"Room joined",
	"Participant joined",
}

// MatchReadiness returns the readiness marker contained in line, or
// the empty string.
func MatchReadiness(line string) string {
	for _, m := range readinessMarkers {
		if strings.Contains(line, m) {
			return m
		}
	}
	return ""
}

// Agents log whole JSON payloads on one line sometimes.
const maxLineBytes = 256 * 1024

// Spec describes one agent launch.
type Spec struct {
	SessionID    string
	VoiceID      string
	OpeningLine  string
	SystemPrompt string
	LogPath      string
}

// LogPath returns the log file location for a session's agent.
func LogPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".log")
}

// Runner launches an agent for a session. The pool talks to this
// interface so tests can substitute a fake.
type Runner interface {
	Start(ctx context.Context, spec Spec) (*Agent, error)
}

// Agent is a live agent process. Ready delivers the first readiness
// marker line; Done closes once the process has been reaped.
type Agent struct {
	Pid  int
	Pgid int

	cmd   *exec.Cmd
	ready chan string
	done  chan struct{}

	waitErr error
}

// Ready delivers the log line that matched a readiness marker. At most
// one line is ever sent.
func (a *Agent) Ready() <-chan string { return a.ready }

// Done is closed after the process exited and was reaped.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Err returns the process wait error. Only valid once Done is closed.
func (a *Agent) Err() error { return a.waitErr }

// ExitCode returns the agent's exit code. Only valid once Done is
// closed; -1 when the process was signalled.
func (a *Agent) ExitCode() int {
	if a.waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(a.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Terminate tears the agent's process group down: graceful term, wait
// up to grace, then force kill. The agent dying from our signal is the
// intended outcome, not an error.
func (a *Agent) Terminate(grace time.Duration) error {
	waitCh := make(chan error, 1)
	go func() {
		<-a.done
		waitCh <- a.waitErr
	}()
	err := procgroup.Terminate(a.cmd, waitCh, grace)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// ExecRunner launches the real agent binary.
type ExecRunner struct {
	bin    string
	store  *store.Store
	logger zerolog.Logger
}

func NewExecRunner(bin string, st *store.Store) *ExecRunner {
	return &ExecRunner{
		bin:    bin,
		store:  st,
		logger: log.WithComponent("spawner"),
	}
}

// Start execs the agent with stderr merged into stdout and a detached
// reader draining the stream for the process's whole lifetime. A full
// pipe would stall the agent, so the reader never stops at readiness.
func (r *ExecRunner) Start(ctx context.Context, spec Spec) (*Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := []string{"--room", spec.SessionID, "--voice-id", spec.VoiceID}
	if spec.OpeningLine != "" {
		args = append(args, "--opening-line", spec.OpeningLine)
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--system-prompt", spec.SystemPrompt)
	}

	cmd := exec.Command(r.bin, args...) // #nosec G204 -- binary path comes from config
	cmd.Env = os.Environ()
	procgroup.Set(cmd)

	// A manual pipe keeps the read end open until the whole group is
	// done writing, so helper processes stay tailed too.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("spawn: start %s: %w", r.bin, err)
	}
	_ = pw.Close() // child owns its copies now

	agent := &Agent{
		Pid:   cmd.Process.Pid,
		cmd:   cmd,
		ready: make(chan string, 1),
		done:  make(chan struct{}),
	}

	if g, err := procgroup.Pgid(agent.Pid); err == nil {
		agent.Pgid = g
		if g != agent.Pid {
			r.logger.Warn().
				Str("session_id", spec.SessionID).
				Int("pid", agent.Pid).
				Int("pgid", g).
				Msg("agent is not its group leader, group kills may be incomplete")
		}
	} else if !errors.Is(err, procgroup.ErrUnsupported) {
		r.logger.Warn().Err(err).
			Str("session_id", spec.SessionID).
			Int("pid", agent.Pid).
			Msg("process group lookup failed")
	}

	go r.readLoop(pr, spec, agent)
	go func() {
		agent.waitErr = cmd.Wait()
		close(agent.done)
	}()

	return agent, nil
}

// readLoop drains the agent's merged output line by line into the log
// file and the Redis ring, and reports the first readiness marker.
func (r *ExecRunner) readLoop(pr *os.File, spec Spec, agent *Agent) {
	defer pr.Close()
	logger := r.logger.With().Str("session_id", spec.SessionID).Logger()

	var w *bufio.Writer
	if f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil { // #nosec G304 -- path derives from the configured log dir
		logger.Error().Err(err).Str("log_file", spec.LogPath).Msg("agent log file unavailable, keeping the Redis ring only")
	} else {
		defer f.Close()
		w = bufio.NewWriter(f)
	}

	// The ring keeps filling during teardown, so no request context
	// here.
	ctx := context.Background()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	signalled := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if w != nil {
			// Flushed per line so tail -f is usable mid-session.
			_, _ = w.WriteString(line)
			_ = w.WriteByte('\n')
			_ = w.Flush()
		}
		r.store.AppendAgentLog(ctx, spec.SessionID, line)
		if !signalled && MatchReadiness(line) != "" {
			signalled = true
			select {
			case agent.ready <- line:
			default:
			}
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("agent output reader stopped early")
	}
	logger.Debug().Msg("agent output drained")
}
