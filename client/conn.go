package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/remotefs"
	"github.com/luma/conduit/remoteproc"
	"github.com/luma/conduit/session"
	"github.com/luma/conduit/transport"
)

// Conn is a session to a remote peer and the filesystem it serves.
type Conn struct {
	session *session.Session
	fs      *remotefs.RemoteFS

	cmd       *exec.Cmd
	stderr    sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	log *zap.Logger
}

// New starts a session over an established stream.
func New(conn io.ReadWriteCloser, registry *protocol.Registry, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}

	s := session.New(conn, session.Options{Registry: registry, Log: log.Named("session")})

	return &Conn{
		session: s,
		fs:      remotefs.New(s),
		log:     log,
	}
}

// Dial connects to a peer serving over TCP.
func Dial(ctx context.Context, addr string, log *zap.Logger) (*Conn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return New(conn, nil, log), nil
}

// Spawn starts a peer as a subprocess speaking over its stdin and stdout,
// such as `conduit serve --stdio` or `ssh host conduit serve --stdio`. What
// it writes to stderr is logged line by line.
func Spawn(ctx context.Context, log *zap.Logger, name string, args ...string) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}

	cmd := exec.CommandContext(ctx, name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	log = log.With(zap.String("command", name), zap.Int("pid", cmd.Process.Pid))
	c := New(transport.NewPipe(stdout, stdin), nil, log)
	c.cmd = cmd

	c.stderr.Add(1)
	go func() {
		defer c.stderr.Done()
		c.forwardStderr(stderr)
	}()

	return c, nil
}

func (c *Conn) forwardStderr(stderr io.Reader) {
	log := c.log.Named("stderr")

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Info(scanner.Text())
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		log.Debug("Stopped reading stderr", zap.Error(err))
	}
}

func (c *Conn) Session() *session.Session {
	return c.session
}

func (c *Conn) FS() *remotefs.RemoteFS {
	return c.fs
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.fs.Ping(ctx)
}

// Start runs a process on the peer.
func (c *Conn) Start(cmd *remoteproc.Cmd) *remoteproc.Process {
	return remoteproc.Start(c.session, cmd)
}

// Close ends the session. A spawned peer sees its stdin close and is waited
// for.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.session.Close()

		if c.cmd == nil {
			return
		}

		c.stderr.Wait()

		if err := c.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) || exitErr.ExitCode() > 0 {
				c.closeErr = multierr.Append(c.closeErr, err)
			}
		}
	})

	return c.closeErr
}
