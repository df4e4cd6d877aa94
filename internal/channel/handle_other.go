//go:build !unix

package channel

import (
	"fmt"
	"os"
	"strconv"
)

func openHandle(token, name string) (*os.File, error) {
	fd, err := strconv.Atoi(token)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid handle %q", token)
	}
	return os.NewFile(uintptr(fd), name), nil
}
