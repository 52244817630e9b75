//go:build unix

package entry

import (
	"os/exec"
	"syscall"
)

// setProcGroup places cmd in its own process group so a graceful-stop or
// kill signal sent to the group reaches the whole child tree, per
// spec.md 4.D ("its own process group / job object").
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends the OS "polite terminate" signal to the
// whole process group rooted at pid.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup forcibly kills the whole process group rooted at pid.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
