// Package process owns externally spawned OS processes: it starts them in
// their own process group, captures the tail of their error stream, answers
// liveness polls and tears the whole group down on request.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultOutputLimit is the number of stderr bytes retained per process.
	DefaultOutputLimit = 64 << 10

	// drainDelay bounds how long the stderr pipe is read after the leader
	// exits while orphaned group members still hold it.
	drainDelay = 2 * time.Second

	// exitDrainWait is how long Exit waits for stderr written just before the
	// leader exited.
	exitDrainWait = 100 * time.Millisecond

	// killWait is how long Terminate waits for the leader after SIGKILL.
	killWait = 5 * time.Second

	// diagnosticLines is how many trailing stderr lines an ExitError reports.
	diagnosticLines = 5
)

var (
	// ErrEmptyCommand is returned by Spawn when no program is given.
	ErrEmptyCommand = errors.New("empty command")

	// ErrTerminationTimeout is returned by Terminate when the process ignored
	// the graceful signal for the whole grace period and had to be killed.
	// The process is gone when this is returned.
	ErrTerminationTimeout = errors.New("process did not stop within grace period and was killed")

	// ErrStillRunning is returned by Terminate when the process survived a
	// forceful kill.
	ErrStillRunning = errors.New("process still running after kill")
)

// SpawnError reports that the program could not be started at all
// (missing binary, permission denied).
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a process that exited while it was expected to keep running.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d: %s", e.Code, e.Reason())
}

// Reason returns the last lines of the captured diagnostic output, or a
// generic message when the process wrote nothing.
func (e *ExitError) Reason() string {
	if lines := LastLines(e.Output, diagnosticLines); len(lines) > 0 {
		return strings.Join(lines, "\n")
	}
	return fmt.Sprintf("exited with code %d", e.Code)
}

// Options configures Spawn.
type Options struct {
	// OutputLimit caps the retained stderr tail in bytes. Zero means DefaultOutputLimit.
	OutputLimit int
	// Dir is the working directory. Empty means the current one.
	Dir string
	// Env replaces the inherited environment when non-nil.
	Env []string
}

// Handle is the exclusive owner of one spawned process and its process group.
// Nothing else may signal the process.
type Handle struct {
	cmd     *exec.Cmd
	command []string
	pid     int
	pgid    int
	started time.Time
	output  *tailBuffer
	stderr  *os.File
	done    chan struct{}
	drained chan struct{}

	// termMu serializes Terminate calls.
	termMu sync.Mutex

	mu       sync.Mutex
	exitCode int
}

// Spawn starts command[0] with the remaining elements as arguments. Stdin is
// closed, stdout is discarded and stderr is captured.
func Spawn(command []string, opts Options) (*Handle, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, ErrEmptyCommand
	}

	limit := opts.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	out := newTailBuffer(limit)

	// The child writes to a pipe of its own so Wait returns when the leader
	// exits even if group members keep the write end open.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Program: command[0], Err: err}
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stderr = w
	cmd.SysProcAttr = groupAttr()

	err = cmd.Start()
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		return nil, &SpawnError{Program: command[0], Err: err}
	}

	pid := cmd.Process.Pid
	h := &Handle{
		cmd:      cmd,
		command:  append([]string(nil), command...),
		pid:      pid,
		pgid:     groupID(pid),
		started:  time.Now(),
		output:   out,
		stderr:   r,
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
		exitCode: -1,
	}
	go h.drain()
	go h.wait()
	return h, nil
}

func (h *Handle) drain() {
	_, _ = io.Copy(h.output, h.stderr)
	close(h.drained)
}

func (h *Handle) wait() {
	// The error only restates the exit status, which ProcessState carries.
	_ = h.cmd.Wait()

	h.mu.Lock()
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Unlock()

	close(h.done)

	select {
	case <-h.drained:
	case <-time.After(drainDelay):
	}
	_ = h.stderr.Close()
}

// PID returns the process id of the group leader.
func (h *Handle) PID() int { return h.pid }

// PGID returns the process group id the handle signals.
func (h *Handle) PGID() int { return h.pgid }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.started }

// Command returns a copy of the argument vector the process was started with.
func (h *Handle) Command() []string {
	return append([]string(nil), h.command...)
}

// Done is closed once the group leader has exited. Output written by other
// group members may still be arriving.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsAlive reports whether the process is still running. It never blocks.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code and true once the process has exited.
// A process killed by a signal reports -1.
func (h *Handle) ExitCode() (int, bool) {
	if h.IsAlive() {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

// Output returns the captured tail of the process's error stream.
func (h *Handle) Output() string {
	return h.output.String()
}

// OutputTruncated reports whether older output was dropped from the tail.
func (h *Handle) OutputTruncated() bool {
	return h.output.Truncated()
}

// Exit describes the exited process, or returns nil while it is still alive.
// It briefly waits for stderr the leader wrote before exiting.
func (h *Handle) Exit() *ExitError {
	if h.IsAlive() {
		return nil
	}
	select {
	case <-h.drained:
	case <-time.After(exitDrainWait):
	}

	h.mu.Lock()
	code := h.exitCode
	h.mu.Unlock()
	return &ExitError{Code: code, Output: h.output.String()}
}

// Terminate stops the whole process group: a graceful signal first, then a
// forceful kill once grace has elapsed. It returns nil when the group stopped
// gracefully or was already gone, ErrTerminationTimeout when it had to be
// killed and ErrStillRunning when even the kill did not take. Calling it again,
// or after the process exited on its own, only sweeps leftover group members.
func (h *Handle) Terminate(grace time.Duration) error {
	h.termMu.Lock()
	defer h.termMu.Unlock()

	if !h.IsAlive() {
		_ = h.signal(true)
		return nil
	}

	if err := h.signal(false); err != nil {
		// Could not deliver the graceful signal; go straight to the kill.
		grace = 0
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		_ = h.signal(true)
		return nil
	case <-timer.C:
	}

	if err := h.signal(true); err != nil {
		return fmt.Errorf("kill process group %d: %w", h.pgid, err)
	}

	select {
	case <-h.done:
		return ErrTerminationTimeout
	case <-time.After(killWait):
		return ErrStillRunning
	}
}
