// +build linux

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecCommand executes an external command.
// We set Pdeathsig to try to make sure commands don't outlive us if we die.
// N.B. This does not start the command - the caller must handle that (or use one
//      of the other functions which are higher-level interfaces).
func (e *Executor) ExecCommand(command string, args ...string) *exec.Cmd {
	cmd := exec.Command(command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: unix.SIGHUP,
		Setpgid:   true,
	}
	return cmd
}

// Kill will kill a process with the given signal
func Kill(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// ForkExec will run the process asynchronously.
func ForkExec(cmd string, args []string) error {
	_, err := unix.ForkExec(cmd, args, nil)
	return err
}
