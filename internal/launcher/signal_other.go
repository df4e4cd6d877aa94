//go:build !unix

package launcher

import (
	"errors"
	"os"
	"syscall"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func newSessionAttr() *syscall.SysProcAttr { return nil }

// signalGroup falls back to the single process; there is no portable
// process-group kill here.
func signalGroup(p *os.Process, _ signal) error {
	if p == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}
