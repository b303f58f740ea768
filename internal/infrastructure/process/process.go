// Package process runs supervised child processes in their own process group.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// TimeoutExitCode is reported for a process killed by its supervisor.
const TimeoutExitCode = 124

// TimeoutMessage is appended to stderr when the supervisor fires.
const TimeoutMessage = "Command timed out"

// DefaultKillGrace bounds the wait for a killed process group to be reaped.
const DefaultKillGrace = 5 * time.Second

// Spec describes one supervised run.
type Spec struct {
	Argv      []string
	Dir       string
	Env       []string
	Stdin     io.Reader
	Timeout   time.Duration
	KillGrace time.Duration
	MaxOutput int  // Per stream capture cap in bytes, 0 means unbounded
	PTY       bool // Attach to a pseudo terminal; stderr is merged into stdout
}

// Result is the outcome of a run.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// ErrEmptyCommand is returned when Spec.Argv is empty.
var ErrEmptyCommand = errors.New("process: empty command")

// Run starts the process and supervises it. The process group is killed when
// the timeout fires or ctx is cancelled; both are reported as TimedOut with
// TimeoutExitCode. A non-zero exit is not an error.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, ErrEmptyCommand
	}
	if spec.KillGrace <= 0 {
		spec.KillGrace = DefaultKillGrace
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdout := &capBuffer{max: spec.MaxOutput}
	stderr := &capBuffer{max: spec.MaxOutput}

	start := time.Now()
	var (
		wait func() error
		err  error
	)
	if spec.PTY {
		wait, err = startPTY(cmd, spec.Stdin, stdout)
	} else {
		wait, err = startPiped(cmd, spec.Stdin, stdout, stderr)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to start %s: %w", spec.Argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- wait() }()

	var timer <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		timer = t.C
	}

	res := Result{}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer:
		res.TimedOut = true
	case <-ctx.Done():
		res.TimedOut = true
	}

	if res.TimedOut {
		killGroup(cmd)
		select {
		case <-done:
		case <-time.After(spec.KillGrace):
		}
		res.ExitCode = TimeoutExitCode
	} else {
		res.ExitCode = exitCode(waitErr)
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.truncated() || stderr.truncated()
	if res.TimedOut {
		if res.Stderr != "" && res.Stderr[len(res.Stderr)-1] != '\n' {
			res.Stderr += "\n"
		}
		res.Stderr += TimeoutMessage
	}
	if res.ExitCode < 0 {
		return res, fmt.Errorf("waiting for %s: %w", spec.Argv[0], waitErr)
	}
	return res, nil
}

func startPiped(cmd *exec.Cmd, stdin io.Reader, stdout, stderr io.Writer) (func() error, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Descendants may keep the pipes open after a kill; don't block on them.
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Wait, nil
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// The child leads its own group (Setpgid or the pty session), so -pid
	// reaches everything it spawned.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return 0
	}
	return -1
}

// capBuffer keeps the first max bytes written to it and discards the rest.
type capBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if b.max > 0 {
		room := b.max - b.buf.Len()
		if room <= 0 {
			b.dropped = b.dropped || n > 0
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.dropped = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *capBuffer) truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
