package launcher

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const sweepPasses = 3

// awaitExit blocks until pid has exited without reaping it. While the
// zombie stays unreaped its pid, group id and session id cannot be reused.
func awaitExit(pid int) bool {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == nil {
			return true
		}
		if !errors.Is(err, unix.EINTR) {
			return false
		}
	}
}

// killSession SIGKILLs every process group that still has live members in
// session sid. Scripts that moved into groups of their own are found
// through the session they still belong to.
func killSession(sid int) error {
	var errs []error
	for range sweepPasses {
		groups, err := sessionGroups(sid)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			break
		}
		for _, pgid := range groups {
			if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				errs = append(errs, fmt.Errorf("kill group %d: %w", pgid, err))
			}
		}
	}
	return errors.Join(errs...)
}

func sessionGroups(sid int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("scan /proc: %w", err)
	}
	seen := make(map[int]bool)
	var groups []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == sid {
			continue
		}
		stat, err := os.ReadFile("/proc/" + e.Name() + "/stat")
		if err != nil {
			continue
		}
		st, ok := parseStat(stat)
		if !ok || st.session != sid || st.state == 'Z' || seen[st.pgid] {
			continue
		}
		seen[st.pgid] = true
		groups = append(groups, st.pgid)
	}
	return groups, nil
}

type procStat struct {
	state   byte
	pgid    int
	session int
}

// parseStat reads the fields of /proc/<pid>/stat that follow the command
// name: state, ppid, pgrp and session.
func parseStat(stat []byte) (procStat, bool) {
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return procStat{}, false
	}
	fields := strings.Fields(string(stat[i+1:]))
	if len(fields) < 4 || fields[0] == "" {
		return procStat{}, false
	}
	pgid, err := strconv.Atoi(fields[2])
	if err != nil {
		return procStat{}, false
	}
	session, err := strconv.Atoi(fields[3])
	if err != nil {
		return procStat{}, false
	}
	return procStat{state: fields[0][0], pgid: pgid, session: session}, true
}
