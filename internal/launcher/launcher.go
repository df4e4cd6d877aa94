package launcher

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattjoyce/jobhost/internal/channel"
	"github.com/mattjoyce/jobhost/internal/log"
)

const (
	// SpawnCommand is the first argument every worker expects.
	SpawnCommand = "spawnclient"

	// defaultOutputLimit caps the stdout/stderr kept from one worker.
	defaultOutputLimit = 64 * 1024

	// defaultWaitDelay bounds how long Wait blocks on output pipes held open
	// by grandchildren after the worker itself exited.
	defaultWaitDelay = 2 * time.Second
)

// Spec describes one worker launch.
type Spec struct {
	Handles channel.Handles
	WorkDir string
	// Env is appended after the launcher's own environment and wins on
	// duplicate keys.
	Env []string
}

// Spawner starts worker processes.
type Spawner interface {
	Launch(spec Spec) (*Process, error)
}

// Launcher starts the worker binary as `<Path> spawnclient <out> <in>` as
// the leader of a new session. Whatever the worker leaves behind in that
// session is killed when the worker exits.
type Launcher struct {
	Path        string
	Env         []string
	OutputLimit int
	WaitDelay   time.Duration
	Logger      *slog.Logger
}

var _ Spawner = (*Launcher)(nil)

// Launch starts the worker and returns once it is running. The returned
// Process is reaped in the background.
func (l *Launcher) Launch(spec Spec) (*Process, error) {
	if l.Path == "" {
		return nil, fmt.Errorf("worker binary path is empty")
	}
	logger := l.Logger
	if logger == nil {
		logger = log.WithComponent("launcher")
	}
	limit := l.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	waitDelay := l.WaitDelay
	if waitDelay <= 0 {
		waitDelay = defaultWaitDelay
	}

	cmd := exec.Command(l.Path, SpawnCommand, spec.Handles.Out, spec.Handles.In)
	cmd.Dir = spec.WorkDir
	cmd.Env = MergeEnv(os.Environ(), l.Env, spec.Env)
	cmd.SysProcAttr = newSessionAttr()
	cmd.WaitDelay = waitDelay
	spec.Handles.Attach(cmd)

	out := newCappedBuffer(limit)
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Debug("spawning worker", "path", l.Path, "work_dir", spec.WorkDir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	p := &Process{
		cmd:       cmd,
		output:    out,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		exitCode:  -1,
	}
	go p.wait()
	return p, nil
}

// MergeEnv concatenates KEY=VALUE lists. For repeated keys the last value
// wins and keeps the position of its first occurrence.
func MergeEnv(lists ...[]string) []string {
	index := make(map[string]int)
	var out []string
	for _, list := range lists {
		for _, kv := range list {
			key, _, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				continue
			}
			if i, seen := index[key]; seen {
				out[i] = kv
				continue
			}
			index[key] = len(out)
			out = append(out, kv)
		}
	}
	return out
}
