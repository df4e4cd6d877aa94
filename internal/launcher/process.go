package launcher

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Process is a running worker.
type Process struct {
	cmd       *exec.Cmd
	output    *cappedBuffer
	startedAt time.Time

	done     chan struct{}
	mu       sync.Mutex
	reaped   bool
	exitCode int
	waitErr  error
}

// wait reaps the worker. Where the platform allows it, the worker's session
// is swept while the worker is still an unreaped zombie, and signals stop
// being sent from that point on.
func (p *Process) wait() {
	pid := p.cmd.Process.Pid
	var sweepErr error
	if awaitExit(pid) {
		p.mu.Lock()
		sweepErr = killSession(pid)
		p.reaped = true
		p.mu.Unlock()
	}

	err := p.cmd.Wait()
	code := exitStatus(p.cmd.ProcessState)

	p.mu.Lock()
	p.reaped = true
	p.exitCode = code
	if _, isExit := err.(*exec.ExitError); !isExit {
		p.waitErr = err
	}
	if sweepErr != nil {
		p.waitErr = errors.Join(p.waitErr, fmt.Errorf("kill leftover processes: %w", sweepErr))
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is the worker's exit status, 128+N when it died from signal N,
// or -1 while it is still running.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// WaitErr is a reaping error other than a non-zero exit, such as output
// pipes still held open after WaitDelay.
func (p *Process) WaitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Output returns captured stdout/stderr, truncated to the output limit.
func (p *Process) Output() string { return p.output.String() }

// Terminate asks the worker's process group to stop.
func (p *Process) Terminate() error { return p.signal(sigTerm) }

// Kill force-kills the worker's whole process group. Once the worker has
// been reaped it does nothing, since its pid may belong to someone else.
func (p *Process) Kill() error { return p.signal(sigKill) }

func (p *Process) signal(sig signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped {
		return nil
	}
	return signalGroup(p.cmd.Process, sig)
}

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest while still reporting full writes.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
