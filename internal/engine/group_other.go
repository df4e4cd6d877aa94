//go:build !unix

package engine

import (
	"os"
	"syscall"
)

func groupAttr() *syscall.SysProcAttr { return nil }

func signalGroup(p *os.Process, _ bool) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
