//go:build unix

package channel

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// openHandle turns an inherited descriptor token into a file. The
// descriptor must be non-blocking before os.NewFile for deadlines to apply.
func openHandle(token, name string) (*os.File, error) {
	fd, err := strconv.Atoi(token)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid handle %q", token)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("handle %q is not an open descriptor: %w", token, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set non-blocking on %q: %w", token, err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), name), nil
}
