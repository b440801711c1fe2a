//go:build !windows

package dap

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setpgid starts the adapter in its own process group so that killGroup
// also reaches the debuggee it forked.
func setpgid(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
