//go:build windows

package agent

import "os/exec"

// setProcessGroup is a no-op on Windows; the CLI is killed directly.
func setProcessGroup(*exec.Cmd) {}

// killProcessGroup kills the child process. Grandchildren are not tracked
// on Windows.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill() //nolint:errcheck
}
