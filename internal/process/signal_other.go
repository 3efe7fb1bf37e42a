//go:build !unix

package process

import (
	"errors"
	"os"
	"syscall"
)

func groupAttr() *syscall.SysProcAttr { return nil }

func groupID(pid int) int { return pid }

// signal has no process group to reach on this platform; it stops the leader
// and relies on the platform tearing down its children.
func (h *Handle) signal(force bool) error {
	var err error
	if force {
		err = h.cmd.Process.Kill()
	} else if err = h.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		err = h.cmd.Process.Kill()
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
