//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

func configureProcessGroup(cmd *exec.Cmd) {}

func processGroup(cmd *exec.Cmd) int {
	return cmd.Process.Pid
}

// signalGroup can only kill the child itself on Windows, so every signal is escalated to a kill.
// Descendants are not tracked: probing with signal 0 reports the group as gone.
func signalGroup(cmd *exec.Cmd, pgid int, sig syscall.Signal) error {
	if sig == 0 {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}
