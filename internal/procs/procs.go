// Package procs runs external tools (mergerfs, fusermount, findmnt,
// inotifywait) behind a scoped handle with deterministic timeouts and
// whole-tree termination.
package procs

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

// stderr snippets attached to diagnostics are capped at this many bytes.
const maxStderrSnippet = 2048

// Outcome classifies one finished invocation.
type Outcome int

const (
	// OutcomeSuccess means the tool exited zero.
	OutcomeSuccess Outcome = iota
	// OutcomeNonZeroExit means the tool ran and exited non-zero.
	OutcomeNonZeroExit
	// OutcomeTimedOut means the deadline passed and the tree was killed.
	OutcomeTimedOut
	// OutcomeToolNotFound means the executable does not exist on PATH.
	OutcomeToolNotFound
	// OutcomeStartFailed means the tool could not be started for another
	// reason.
	OutcomeStartFailed
	// OutcomeCancelled means the caller's context tripped before exit.
	OutcomeCancelled
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNonZeroExit:
		return "non_zero_exit"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeToolNotFound:
		return "tool_not_found"
	case OutcomeStartFailed:
		return "start_failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Spec describes one invocation.
type Spec struct {
	// Tool is the executable name or path.
	Tool string
	// Args are passed verbatim.
	Args []string
	// Timeout bounds the run; zero means no deadline.
	Timeout time.Duration
}

// Result is the classified outcome of a one-shot run.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Stdout   string
	// Stderr is truncated to a snippet suitable for diagnostics.
	Stderr string
	Err    error
}

// Runner executes one-shot commands. The merge executor and mount reader
// depend on this seam so tests can substitute recorded invocations.
type Runner interface {
	Run(ctx context.Context, spec Spec) Result
}

// ExecRunner runs commands via os/exec with process-group termination.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

// Run starts the tool in its own process group, waits up to spec.Timeout,
// and kills the entire group on deadline or cancellation so no descendant
// outlives the call.
func (ExecRunner) Run(ctx context.Context, spec Spec) Result {
	cmd := exec.Command(spec.Tool, spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	startErr := cmd.Start()
	if startErr != nil {
		return Result{
			Outcome: classifyStart(startErr),
			Err:     fmt.Errorf("start %s: %w", spec.Tool, startErr),
		}
	}

	done := make(chan error, 1)

	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time

	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()

		timeout = timer.C
	}

	select {
	case waitErr := <-done:
		return finishResult(spec.Tool, waitErr, &stdout, &stderr)
	case <-timeout:
		killTree(cmd)
		<-done

		return Result{
			Outcome: OutcomeTimedOut,
			Stderr:  Snippet(stderr.String()),
			Err:     fmt.Errorf("%s exceeded %s", spec.Tool, spec.Timeout),
		}
	case <-ctx.Done():
		killTree(cmd)
		<-done

		return Result{
			Outcome: OutcomeCancelled,
			Stderr:  Snippet(stderr.String()),
			Err:     fmt.Errorf("%s interrupted: %w", spec.Tool, ctx.Err()),
		}
	}
}

func finishResult(tool string, waitErr error, stdout, stderr *bytes.Buffer) Result {
	result := Result{
		Stdout: stdout.String(),
		Stderr: Snippet(stderr.String()),
	}

	if waitErr == nil {
		result.Outcome = OutcomeSuccess

		return result
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.Outcome = OutcomeNonZeroExit
		result.ExitCode = exitErr.ExitCode()
		result.Err = fmt.Errorf("%s exit %d: %w", tool, exitErr.ExitCode(), waitErr)

		return result
	}

	result.Outcome = OutcomeStartFailed
	result.Err = fmt.Errorf("%s wait: %w", tool, waitErr)

	return result
}

func classifyStart(err error) Outcome {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, syscall.ENOENT) {
		return OutcomeToolNotFound
	}

	return OutcomeStartFailed
}

// IsToolNotFound reports whether a session start error means the executable
// is absent.
func IsToolNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, syscall.ENOENT)
}

// Snippet truncates diagnostics text to the stderr cap.
func Snippet(s string) string {
	if len(s) <= maxStderrSnippet {
		return s
	}

	return s[:maxStderrSnippet] + "…(truncated)"
}

// Session is a long-running tool (one inotifywait per watch path) with
// guaranteed tree kill on Close.
type Session struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	closeOnce sync.Once
	done      chan struct{}
	waitErr   error
}

// StartSession launches the tool with piped stdout/stderr in its own
// process group. Callers must Close the session; IsToolNotFound classifies
// start errors.
func StartSession(spec Spec) (*Session, error) {
	cmd := exec.Command(spec.Tool, spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, outErr := cmd.StdoutPipe()
	if outErr != nil {
		return nil, fmt.Errorf("pipe %s stdout: %w", spec.Tool, outErr)
	}

	stderr, errErr := cmd.StderrPipe()
	if errErr != nil {
		return nil, fmt.Errorf("pipe %s stderr: %w", spec.Tool, errErr)
	}

	startErr := cmd.Start()
	if startErr != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Tool, startErr)
	}

	s := &Session{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()

	return s, nil
}

// Stdout is the tool's standard output stream.
func (s *Session) Stdout() io.Reader { return s.stdout }

// Stderr is the tool's standard error stream.
func (s *Session) Stderr() io.Reader { return s.stderr }

// Exited reports whether the tool has terminated.
func (s *Session) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close kills the whole process group and reaps the child. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		killTree(s.cmd)
		<-s.done
	})
}

// killTree signals the process group so descendants die with the leader.
func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pgid := cmd.Process.Pid

	killErr := syscall.Kill(-pgid, syscall.SIGKILL)
	if killErr != nil {
		_ = cmd.Process.Kill()
	}
}
