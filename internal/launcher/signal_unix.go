//go:build unix

package launcher

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

type signal = syscall.Signal

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

// newSessionAttr makes the worker a session leader. It also leads its own
// process group, so the group id and session id both equal its pid.
func newSessionAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// signalGroup signals every process in the worker's group. A group with no
// live members is not an error.
func signalGroup(p *os.Process, sig signal) error {
	if p == nil {
		return nil
	}
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
