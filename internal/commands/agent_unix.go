//go:build !windows

package commands

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the background agent in its own session so closing
// the terminal does not signal it.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
