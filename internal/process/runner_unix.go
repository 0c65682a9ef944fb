//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

func init() {
	setProcessGroup = func(cmd *exec.Cmd) {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		// On deadline, signal the whole group rather than only the direct
		// child, so Run does not keep waiting on grandchildren that still
		// hold the output pipes.
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	killProcessGroup = func(cmd *exec.Cmd) {
		if cmd.Process == nil {
			return
		}
		// Negative pid signals the whole process group, so a child that
		// spawned its own children is killed along with them.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
