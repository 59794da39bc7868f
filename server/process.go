package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/session"
)

const (
	// OutputChunkSize bounds the output carried by one ProcessEvent.
	OutputChunkSize = 32 * 1024
)

// processes tracks the stdin of every running spawned process by the id of
// the Spawn request that started it.
type processes struct {
	mu    sync.Mutex
	stdin map[uint32]io.WriteCloser
}

func (p *processes) add(id uint32, stdin io.WriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdin == nil {
		p.stdin = make(map[uint32]io.WriteCloser)
	}
	p.stdin[id] = stdin
}

func (p *processes) get(id uint32) (io.WriteCloser, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stdin, ok := p.stdin[id]
	return stdin, ok
}

func (p *processes) remove(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.stdin, id)
}

// handleSpawn starts the process and streams its output until it exits. The
// process is killed when the request is cancelled.
func handleSpawn(ctx context.Context, p *Project, msg *protocol.Spawn, reply *session.Reply) (protocol.Payload, error) {
	if msg.Command == "" {
		return nil, fmt.Errorf("%w: spawn needs a command", ErrInvalid)
	}

	cmd := exec.CommandContext(ctx, msg.Command, msg.Args...)
	cmd.Dir = msg.Dir
	if len(msg.Env) > 0 {
		cmd.Env = append(os.Environ(), msg.Env...)
	}

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

	id := reply.RequestID()
	log := p.Log.With(zap.Uint32("process", id), zap.String("command", msg.Command), zap.Int("pid", cmd.Process.Pid))
	log.Info("Process started")

	p.processes.add(id, stdin)
	reply.Detach()

	go func() {
		var output sync.WaitGroup
		output.Add(2)

		go func() {
			defer output.Done()
			forwardOutput(stdout, reply, log, func(b []byte) *protocol.ProcessEvent {
				return &protocol.ProcessEvent{Stdout: b}
			})
		}()

		go func() {
			defer output.Done()
			forwardOutput(stderr, reply, log, func(b []byte) *protocol.ProcessEvent {
				return &protocol.ProcessEvent{Stderr: b}
			})
		}()

		// Wait closes the pipes, so every read has to be done first
		output.Wait()
		err := cmd.Wait()

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			log.Warn("Process failed", zap.Error(err))
		}

		// Input sent after the exit is reported finds no process
		p.processes.remove(id)

		code := cmd.ProcessState.ExitCode()
		log.Info("Process exited", zap.Int("code", code))

		if err := reply.Respond(&protocol.ProcessEvent{Exited: true, ExitCode: int32(code)}); err != nil {
			log.Debug("Failed to report exit", zap.Error(err))
		}
	}()

	return nil, nil
}

func forwardOutput(r io.Reader, reply *session.Reply, log *zap.Logger, event func([]byte) *protocol.ProcessEvent) {
	buf := make([]byte, OutputChunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			if serr := reply.Stream(event(chunk)); serr != nil {
				log.Debug("Dropping process output", zap.Error(serr))
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug("Stopped reading process output", zap.Error(err))
			}
			return
		}
	}
}

// handleProcessInput writes to a running process. The peer waits for the Ack
// before sending more, which keeps its writes in order.
func handleProcessInput(ctx context.Context, p *Project, msg *protocol.ProcessInput, reply *session.Reply) (protocol.Payload, error) {
	stdin, ok := p.processes.get(msg.RequestID)
	if !ok {
		return nil, fmt.Errorf("%w: no process was started by request %d", ErrInvalid, msg.RequestID)
	}

	if len(msg.Data) > 0 {
		if _, err := stdin.Write(msg.Data); err != nil {
			return nil, err
		}
	}

	if msg.Close {
		if err := stdin.Close(); err != nil {
			return nil, err
		}
	}

	return &protocol.Ack{}, nil
}
