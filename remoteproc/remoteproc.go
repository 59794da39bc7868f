// Package remoteproc runs processes on a peer, in the manner of os/exec.
//
// A process is started with one Spawn request. Its output streams back as it
// is produced and the last response carries the exit status. Killing the
// process cancels the request.
package remoteproc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/session"
)

// ErrNoExitStatus is returned by Wait when the peer ended the output without
// reporting how the process exited.
var ErrNoExitStatus = errors.New("process ended without an exit status")

// Cmd describes a process to run on the peer.
type Cmd struct {
	Path string
	Args []string

	// Dir is the working directory on the peer, empty for the peer's own.
	Dir string

	// Env is added to the peer's environment.
	Env []string

	// Output is copied to Stdout and Stderr as it arrives. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a process started on the peer.
type Process struct {
	session *session.Session
	req     *session.OutgoingRequest

	done     chan struct{}
	exitCode int
	err      error

	killOnce sync.Once
}

// Start asks the peer to run cmd. Failing to start surfaces from Wait.
func Start(s *session.Session, cmd *Cmd) *Process {
	p := &Process{
		session:  s,
		req:      s.Send(&protocol.Spawn{Command: cmd.Path, Args: cmd.Args, Dir: cmd.Dir, Env: cmd.Env}),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	stdout, stderr := cmd.Stdout, cmd.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	go p.copyOutput(stdout, stderr)

	return p
}

func (p *Process) copyOutput(stdout, stderr io.Writer) {
	defer close(p.done)

	for {
		payload, err := p.req.Next(context.Background())
		if err == io.EOF {
			p.err = ErrNoExitStatus
			return
		}
		if err != nil {
			p.err = err
			return
		}

		event, ok := payload.(*protocol.ProcessEvent)
		if !ok {
			p.req.Close()
			p.err = &session.UnexpectedResponseError{Request: protocol.KindSpawn, Got: payload.Kind()}
			return
		}

		if event.Exited {
			p.exitCode = int(event.ExitCode)
			return
		}

		// A failing writer loses output, not the exit status
		if len(event.Stdout) > 0 {
			_, _ = stdout.Write(event.Stdout)
		}
		if len(event.Stderr) > 0 {
			_, _ = stderr.Write(event.Stderr)
		}
	}
}

// ID returns the id of the Spawn request, which names the process on the
// peer.
func (p *Process) ID() uint32 {
	return p.req.ID()
}

// Write sends data to the process's stdin. It returns once the peer has
// written it, so consecutive writes arrive in order.
func (p *Process) Write(ctx context.Context, data []byte) error {
	_, err := session.Request(ctx, p.session, &protocol.ProcessInput{RequestID: p.ID(), Data: data})
	return err
}

// CloseStdin closes the process's stdin.
func (p *Process) CloseStdin(ctx context.Context) error {
	_, err := session.Request(ctx, p.session, &protocol.ProcessInput{RequestID: p.ID(), Close: true})
	return err
}

// Kill asks the peer to kill the process. Wait still reports how it exited.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		p.session.Send(&protocol.Cancel{RequestID: p.ID()}).Close()
	})
}

// Done is closed once the process has exited or can no longer be followed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait returns the exit code of the process. A process killed by a signal
// exits with -1.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
