//go:build unix

package process

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// groupAttr puts the child in a new process group led by itself, so helper
// processes it forks can be signaled together with it.
func groupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func groupID(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return pid
	}
	return pgid
}

// signal delivers SIGTERM (or SIGKILL when force is set) to the process group.
// A group that no longer exists is not an error.
func (h *Handle) signal(force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}

	target := -h.pgid
	// Never signal our own group or init's.
	if h.pgid <= 1 || h.pgid == unix.Getpgrp() {
		target = h.pid
	}

	err := unix.Kill(target, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
