//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// setPlatformAttrs places the subprocess in its own process group so that a
// timeout kill reaches script-spawned children too.
func setPlatformAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	// One termination signal for the entire group on context cancellation.
	// Negative PID = kill the process group. No escalation is attempted; a
	// process that ignores the signal is a known limitation.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
