//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setupProcessAttributes puts the child into its own process group so the
// whole tree can be signalled
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func sendTerminationSignal(process *os.Process) error {
	return unix.Kill(-process.Pid, unix.SIGTERM)
}

func killProcess(process *os.Process) error {
	return unix.Kill(-process.Pid, unix.SIGKILL)
}
