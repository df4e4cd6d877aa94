package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/jobhost/internal/log"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

var (
	ErrAlreadyStarted = errors.New("channel already started")
	ErrNotStarted     = errors.New("channel not started")
	ErrStopped        = errors.New("channel stopped")
)

// Child-side descriptor numbers. exec.Cmd.ExtraFiles[i] becomes fd 3+i.
const (
	outFD = 3
	inFD  = 4
)

// Handles names the two child ends of a server channel. Out is the stream
// the agent writes and the worker reads; In is the reverse. The tokens are
// valid only in a child started with Attach.
type Handles struct {
	Out string
	In  string

	files [2]*os.File
}

// Attach hands the child ends to cmd. It replaces cmd.ExtraFiles so the
// tokens line up with the descriptors the child receives.
func (h Handles) Attach(cmd *exec.Cmd) {
	cmd.ExtraFiles = []*os.File{h.files[0], h.files[1]}
}

// Options configures a Channel.
type Options struct {
	// MaxBody bounds a single frame body. Zero uses protocol.DefaultMaxBody.
	MaxBody int
	Logger  *slog.Logger
}

// Channel is a duplex framed transport over a pair of pipes. One instance
// is either a server (agent side) or a client (worker side), never both.
type Channel struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	r         *os.File
	w         *os.File
	writer    *protocol.Writer
	listeners []func(protocol.Packet)
	err       error

	sendMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func New(opts Options) *Channel {
	if opts.MaxBody <= 0 {
		opts.MaxBody = protocol.DefaultMaxBody
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("channel")
	}
	return &Channel{
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnPacket registers fn to receive every inbound packet, in arrival order,
// on the read goroutine. Register listeners before starting.
func (c *Channel) OnPacket(fn func(protocol.Packet)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// StartServer creates both pipes, passes the child ends to launch, then
// closes the agent's copies of those ends. If launch fails every
// descriptor is closed and the channel is left unstarted.
func (c *Channel) StartServer(launch func(Handles) error) error {
	if err := c.claim(); err != nil {
		return err
	}

	childR, agentW, err := os.Pipe()
	if err != nil {
		c.release()
		return fmt.Errorf("create outbound pipe: %w", err)
	}
	agentR, childW, err := os.Pipe()
	if err != nil {
		closeAll(childR, agentW)
		c.release()
		return fmt.Errorf("create inbound pipe: %w", err)
	}

	h := Handles{
		Out:   strconv.Itoa(outFD),
		In:    strconv.Itoa(inFD),
		files: [2]*os.File{childR, childW},
	}
	if err := launch(h); err != nil {
		closeAll(childR, agentW, agentR, childW)
		c.release()
		return fmt.Errorf("launch peer: %w", err)
	}
	closeAll(childR, childW)

	c.begin(agentR, agentW)
	return nil
}

// StartClient attaches to the handles a server passed on the command line.
func (c *Channel) StartClient(out, in string) error {
	if err := c.claim(); err != nil {
		return err
	}

	r, err := openHandle(out, "jobhost-channel-out")
	if err != nil {
		c.release()
		return fmt.Errorf("attach read handle: %w", err)
	}
	w, err := openHandle(in, "jobhost-channel-in")
	if err != nil {
		closeAll(r)
		c.release()
		return fmt.Errorf("attach write handle: %w", err)
	}

	c.begin(r, w)
	return nil
}

// Send writes one frame. If ctx ends before the write completes the write
// is aborted. A write that had already put part of a frame on the wire
// faults the channel since the stream can no longer be parsed.
func (c *Channel) Send(ctx context.Context, typ protocol.MessageType, body string) error {
	c.mu.Lock()
	started, w, writer, stopped := c.started, c.w, c.writer, c.err != nil
	c.mu.Unlock()
	if !started || writer == nil {
		return ErrNotStarted
	}
	if stopped {
		return fmt.Errorf("send %s: %w", typ, c.Err())
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = w.SetWriteDeadline(time.Unix(1, 0))
		close(fired)
	})
	n, err := writer.WritePacket(protocol.Packet{Type: typ, Body: body})
	if !stop() {
		<-fired
		_ = w.SetWriteDeadline(time.Time{})
	}

	if err == nil {
		return nil
	}
	if n > 0 {
		c.fault(fmt.Errorf("partial write of %s frame: %w", typ, err))
	}
	if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
		return fmt.Errorf("send %s: %w", typ, ctx.Err())
	}
	return fmt.Errorf("send %s: %w", typ, err)
}

// Done is closed once the read side stops for any reason.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the channel stopped: io.EOF when the peer closed,
// a *protocol.ProtocolError for a malformed stream, ErrStopped after Stop.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop closes every descriptor and waits for the read goroutine. It is
// safe to call more than once and on a channel that never started.
func (c *Channel) Stop() error {
	c.mu.Lock()
	started := c.started && c.r != nil
	c.mu.Unlock()

	c.fault(ErrStopped)
	if !started {
		c.closeOnce.Do(func() { close(c.done) })
		return nil
	}
	<-c.done
	return nil
}

func (c *Channel) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	if c.err != nil {
		return ErrStopped
	}
	c.started = true
	return nil
}

func (c *Channel) release() {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

func (c *Channel) begin(r, w *os.File) {
	c.mu.Lock()
	c.r = r
	c.w = w
	c.writer = protocol.NewWriter(w, c.opts.MaxBody)
	c.mu.Unlock()

	go c.readLoop(protocol.NewReader(r, c.opts.MaxBody))
}

func (c *Channel) readLoop(reader *protocol.Reader) {
	defer c.closeOnce.Do(func() { close(c.done) })

	for {
		p, err := reader.ReadPacket()
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				err = ErrStopped
			}
			var perr *protocol.ProtocolError
			if errors.As(err, &perr) {
				c.logger.Warn("channel protocol fault", "error", err)
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, ErrStopped) {
				c.logger.Debug("channel read failed", "error", err)
			}
			c.fault(err)
			return
		}

		c.mu.Lock()
		listeners := c.listeners
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(p)
		}
	}
}

// fault records the first terminal error and closes both pipe ends, which
// unblocks the read goroutine.
func (c *Channel) fault(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	r, w := c.r, c.w
	c.mu.Unlock()
	closeAll(r, w)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
