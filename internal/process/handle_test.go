//go:build unix

package process

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func spawnShell(t *testing.T, script string) *Handle {
	t.Helper()
	h, err := Spawn([]string{"/bin/sh", "-c", script}, Options{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _ = h.Terminate(100 * time.Millisecond) })
	return h
}

// gone reports whether pid no longer runs. Zombies count as gone since the
// test binary may not be the one reaping them.
func gone(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return true
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	return strings.Contains(string(stat), ") Z ")
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if gone(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("expected pid %d to be gone", pid)
}

func TestSpawn_empty_command(t *testing.T) {
	if _, err := Spawn(nil, Options{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestSpawn_missing_binary(t *testing.T) {
	_, err := Spawn([]string{"/nonexistent/ffmpeg-binary"}, Options{})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
	if spawnErr.Program != "/nonexistent/ffmpeg-binary" {
		t.Errorf("unexpected program %q", spawnErr.Program)
	}
}

func TestHandle_lifecycle(t *testing.T) {
	h := spawnShell(t, "sleep 30")

	if !h.IsAlive() {
		t.Fatal("expected process alive after spawn")
	}
	if h.PID() <= 0 {
		t.Errorf("expected positive pid, got %d", h.PID())
	}
	if h.PGID() != h.PID() {
		t.Errorf("expected process to lead its own group, pgid=%d pid=%d", h.PGID(), h.PID())
	}
	if _, exited := h.ExitCode(); exited {
		t.Error("ExitCode should report not exited")
	}

	if err := h.Terminate(time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if h.IsAlive() {
		t.Error("expected process dead after Terminate")
	}

	t.Run("terminate_is_idempotent", func(t *testing.T) {
		if err := h.Terminate(time.Second); err != nil {
			t.Errorf("second Terminate should be a no-op, got %v", err)
		}
	})
}

func TestHandle_Command_is_a_copy(t *testing.T) {
	h := spawnShell(t, "sleep 30")
	cmd := h.Command()
	cmd[0] = "changed"
	if h.Command()[0] != "/bin/sh" {
		t.Errorf("Command should be immutable, got %v", h.Command())
	}
}

func TestHandle_Terminate_after_natural_exit(t *testing.T) {
	h := spawnShell(t, "exit 3")
	<-h.Done()

	code, exited := h.ExitCode()
	if !exited || code != 3 {
		t.Errorf("expected exit code 3, got %d (exited=%v)", code, exited)
	}
	if err := h.Terminate(time.Second); err != nil {
		t.Errorf("Terminate after exit should succeed, got %v", err)
	}
}

func TestHandle_Terminate_kills_process_group(t *testing.T) {
	h := spawnShell(t, "sleep 30 & echo child=$! >&2; wait")

	var child int
	deadline := time.Now().Add(2 * time.Second)
	for child == 0 && time.Now().Before(deadline) {
		if m := regexp.MustCompile(`child=(\d+)`).FindStringSubmatch(h.Output()); m != nil {
			child, _ = strconv.Atoi(m[1])
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if child == 0 {
		t.Fatalf("child pid not reported, output %q", h.Output())
	}

	if err := h.Terminate(time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitGone(t, child)
}

func TestHandle_Terminate_escalates(t *testing.T) {
	h := spawnShell(t, `trap "" TERM; while :; do sleep 0.1; done`)
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	err := h.Terminate(200 * time.Millisecond)
	if !errors.Is(err, ErrTerminationTimeout) {
		t.Fatalf("expected ErrTerminationTimeout, got %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Error("escalation happened before the grace period elapsed")
	}
	if h.IsAlive() {
		t.Error("expected process dead after escalation")
	}
}

func TestHandle_Observe(t *testing.T) {
	t.Run("healthy_after_window", func(t *testing.T) {
		h := spawnShell(t, "sleep 30")
		if err := h.Observe(context.Background(), 150*time.Millisecond, 10*time.Millisecond, nil); err != nil {
			t.Errorf("expected healthy, got %v", err)
		}
	})

	t.Run("exit_inside_window", func(t *testing.T) {
		h := spawnShell(t, "echo 'a.mp4: no such file' >&2; exit 1")
		err := h.Observe(context.Background(), 2*time.Second, 10*time.Millisecond, nil)
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("expected *ExitError, got %v", err)
		}
		if exitErr.Code != 1 {
			t.Errorf("expected code 1, got %d", exitErr.Code)
		}
		if !strings.Contains(exitErr.Reason(), "no such file") {
			t.Errorf("expected diagnostic in reason, got %q", exitErr.Reason())
		}
	})

	t.Run("exit_while_child_holds_stderr", func(t *testing.T) {
		h := spawnShell(t, "sleep 30 & echo 'a.mp4: no such file' >&2; exit 1")
		start := time.Now()
		err := h.Observe(context.Background(), 500*time.Millisecond, 10*time.Millisecond, nil)
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("expected *ExitError, got %v", err)
		}
		if exitErr.Code != 1 {
			t.Errorf("expected code 1, got %d", exitErr.Code)
		}
		if !strings.Contains(exitErr.Reason(), "no such file") {
			t.Errorf("expected diagnostic in reason, got %q", exitErr.Reason())
		}
		if elapsed := time.Since(start); elapsed >= 500*time.Millisecond {
			t.Errorf("expected exit to end the window early, took %s", elapsed)
		}
		if h.IsAlive() {
			t.Error("expected leader to be reported dead")
		}
	})

	t.Run("ready_pattern_ends_window_early", func(t *testing.T) {
		h := spawnShell(t, "echo 'Press [q] to stop' >&2; sleep 30")
		start := time.Now()
		err := h.Observe(context.Background(), 5*time.Second, 10*time.Millisecond, regexp.MustCompile(`Press \[q\]`))
		if err != nil {
			t.Fatalf("expected healthy, got %v", err)
		}
		if time.Since(start) > 2*time.Second {
			t.Error("ready pattern should end observation early")
		}
	})

	t.Run("context_canceled", func(t *testing.T) {
		h := spawnShell(t, "sleep 30")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := h.Observe(ctx, 5*time.Second, 10*time.Millisecond, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestExitError_Reason_without_output(t *testing.T) {
	e := &ExitError{Code: 2}
	if e.Reason() != "exited with code 2" {
		t.Errorf("unexpected reason %q", e.Reason())
	}
}
