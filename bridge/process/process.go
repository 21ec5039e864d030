// Package process launches bridged child processes and owns their lifecycle.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// LaunchError is returned when a child process could not be started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %q: %s", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError is returned by Terminate when the child ignored every polite signal and had to be killed.
type TimeoutError struct {
	Pid   int
	Grace time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process %d did not exit within %s, killed", e.Pid, e.Grace)
}

// Command describes the child to launch.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is the complete child environment. Nothing is inherited from the parent.
	Env []string
}

// Result is the outcome of a reaped process.
type Result struct {
	// ExitCode is the exit code, or -1 if the process was terminated by a signal.
	ExitCode int
	// Signal is the terminating signal, if any.
	Signal   os.Signal
	Duration time.Duration
	// Err is set when waiting failed for a reason other than a non-zero exit.
	Err error
}

// Signaled reports whether the process was terminated by a signal.
func (r Result) Signaled() bool { return r.Signal != nil }

// Handle owns a running child and the parent's ends of its stdio pipes.
// Stdin must only be written by one goroutine, and Stdout and Stderr only read by one goroutine each.
type Handle struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd
	// pgid is the child's process group, which outlives the child while its descendants run.
	pgid int

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done   chan struct{}
	result Result

	closeStdinOnce sync.Once
	releaseOnce    sync.Once
}

// Launch starts the command with three pipes connected to the parent.
func Launch(c Command, log *zap.SugaredLogger) (*Handle, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, &LaunchError{Command: c.Path, Err: err}
	}

	var parentFiles, childFiles []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			f.Close()
		}
	}
	for i := 0; i < 3; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(parentFiles)
			closeAll(childFiles)
			return nil, &LaunchError{Command: c.Path, Err: fmt.Errorf("creating pipe: %w", err)}
		}
		if i == 0 {
			// stdin: the child reads, the parent writes
			childFiles = append(childFiles, r)
			parentFiles = append(parentFiles, w)
		} else {
			childFiles = append(childFiles, w)
			parentFiles = append(parentFiles, r)
		}
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append([]string{}, c.Env...)
	cmd.Stdin = childFiles[0]
	cmd.Stdout = childFiles[1]
	cmd.Stderr = childFiles[2]
	configureProcessGroup(cmd)

	start := time.Now()
	err = cmd.Start()
	// the child has its own copies now
	closeAll(childFiles)
	if err != nil {
		closeAll(parentFiles)
		return nil, &LaunchError{Command: c.Path, Err: err}
	}

	h := &Handle{
		log:    log.With("pid", cmd.Process.Pid),
		cmd:    cmd,
		pgid:   processGroup(cmd),
		stdin:  parentFiles[0],
		stdout: parentFiles[1],
		stderr: parentFiles[2],
		done:   make(chan struct{}),
	}
	go h.reap(start)
	h.log.Debugw("process started", "Path", path, "Args", c.Args)
	return h, nil
}

// reap waits for the process to exit as soon as possible so it never lingers as a zombie.
// The pipes are not owned by exec.Cmd, so waiting does not cut off unread output.
func (h *Handle) reap(start time.Time) {
	err := h.cmd.Wait()
	res := Result{Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.Err = err
		}
	}
	if state := h.cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal()
		}
	} else {
		res.ExitCode = -1
	}
	h.result = res
	h.log.Debugw("process exited", "ExitCode", res.ExitCode, "Signal", res.Signal, "Duration", res.Duration)
	close(h.done)
}

func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Stdin is the write end of the child's standard input.
func (h *Handle) Stdin() io.Writer { return h.stdin }

// Stdout is the read end of the child's standard output.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr is the read end of the child's standard error.
func (h *Handle) Stderr() io.Reader { return h.stderr }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result returns the exit result. It is only meaningful after Done is closed.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

// Wait blocks until the process has been reaped or the context is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// CloseStdin closes the child's standard input, which is enough for well-behaved line-processing children to exit.
func (h *Handle) CloseStdin() error {
	var err error
	h.closeStdinOnce.Do(func() {
		err = h.stdin.Close()
	})
	return err
}

// Signal sends sig to the child's process group, including descendants left behind by an exited child.
// It returns os.ErrProcessDone once the group is empty.
func (h *Handle) Signal(sig syscall.Signal) error {
	return signalGroup(h.cmd, h.pgid, sig)
}

type terminateStep struct {
	name     string
	sig      syscall.Signal
	fraction time.Duration
}

// polite termination: stdin is closed first, then SIGINT, then SIGTERM, each given a slice of the grace period
var terminateSteps = []terminateStep{
	{name: "stdin close", fraction: 1},
	{name: "SIGINT", sig: syscall.SIGINT, fraction: 3},
	{name: "SIGTERM", sig: syscall.SIGTERM, fraction: 6},
}

// Terminate stops the child, escalating from closing stdin to SIGINT, SIGTERM, and finally SIGKILL across the grace period.
// If SIGKILL was necessary, a *TimeoutError is returned once the process has been reaped.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	if h.Exited() {
		return nil
	}
	for _, step := range terminateSteps {
		if step.sig == 0 {
			h.log.Debug("closing stdin")
			h.CloseStdin()
		} else {
			h.log.Debugf("sending %s", step.name)
			err := h.Signal(step.sig)
			if errors.Is(err, os.ErrProcessDone) {
				return nil
			}
			if err != nil {
				h.log.Debugf("error sending %s: %s", step.name, err)
			}
		}

		timer := time.NewTimer(grace * step.fraction / 10)
		select {
		case <-h.done:
			timer.Stop()
			h.log.Debugf("process terminated after %s", step.name)
			return nil
		case <-ctx.Done():
			timer.Stop()
			h.Kill()
			return ctx.Err()
		case <-timer.C:
		}
	}

	h.log.Debug("process did not react to signals, sending SIGKILL")
	h.Kill()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return &TimeoutError{Pid: h.Pid(), Grace: grace}
}

// Kill forcibly kills the child's process group.
func (h *Handle) Kill() {
	err := h.Signal(syscall.SIGKILL)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.log.Debugf("error killing process group: %s", err)
		if !h.Exited() {
			h.cmd.Process.Kill()
		}
	}
}

// groupPollInterval is how often KillGroup checks whether the group has emptied.
const groupPollInterval = 10 * time.Millisecond

// KillGroup ends whatever is left of the child's process group, such as background jobs it started.
// Members get SIGTERM, and SIGKILL if any are still around after grace.
func (h *Handle) KillGroup(ctx context.Context, grace time.Duration) {
	err := h.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return
	}
	if err != nil {
		h.log.Debugf("error signalling process group: %s", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if errors.Is(h.Signal(0), os.ErrProcessDone) {
				return
			}
		case <-timer.C:
			h.log.Debug("process group outlived the grace period, sending SIGKILL")
			h.Kill()
			return
		case <-ctx.Done():
			h.Kill()
			return
		}
	}
}

// Release closes the parent's ends of all pipes. Blocked readers of Stdout and Stderr return with an error.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.CloseStdin()
		h.stdout.Close()
		h.stderr.Close()
	})
}
