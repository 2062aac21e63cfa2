//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// setProcessGroup gives the child its own process group, so a kill reaches
// every tool the agent spawned, not just the CLI itself.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the child's whole process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) //nolint:errcheck
}
