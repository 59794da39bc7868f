package server

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/session"
)

const (
	MaxBackground = 8
)

type Options struct {
	// MaxBackground bounds how many background priority messages are
	// handled at once, across every session served.
	MaxBackground int64

	Log *zap.Logger
}

// Server serves sessions with one dispatch table and one state.
type Server[S any] struct {
	handlers *Handlers[S]
	state    S

	background *semaphore.Weighted

	log *zap.Logger
}

func New[S any](handlers *Handlers[S], state S, options Options) *Server[S] {
	if options.MaxBackground < 1 {
		options.MaxBackground = MaxBackground
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &Server[S]{
		handlers:   handlers,
		state:      state,
		background: semaphore.NewWeighted(options.MaxBackground),
		log:        options.Log,
	}
}

// Serve handles every message s receives until s is closed or ctx is done.
// Tasks still running when it returns are cancelled, Serve waits for their
// handlers to return.
func (srv *Server[S]) Serve(ctx context.Context, s *session.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		tasks      = newTaskSet()
		taskWaiter sync.WaitGroup
	)

	defer func() {
		tasks.cancelAll()
		taskWaiter.Wait()
	}()

	for {
		in, err := s.Recv(ctx)
		if err != nil {
			if errors.Is(err, session.ErrConnectionClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if c, ok := in.Payload().(*protocol.Cancel); ok {
			srv.cancelTask(tasks, c, in)
			continue
		}

		taskCtx, taskCancel := context.WithCancel(ctx)
		tasks.add(in.Envelope.ID, taskCancel)

		taskWaiter.Add(1)
		go func() {
			defer taskWaiter.Done()
			srv.handle(taskCtx, in)

			if !in.Reply.Detached() {
				tasks.remove(in.Envelope.ID)
				taskCancel()
				return
			}

			// The handler keeps answering after returning, release the
			// task once it is done or cancelled
			go func() {
				select {
				case <-in.Reply.Done():
				case <-taskCtx.Done():
				}

				tasks.remove(in.Envelope.ID)
				taskCancel()
			}()
		}()
	}
}

func (srv *Server[S]) handle(ctx context.Context, in *session.Incoming) {
	log := srv.log.With(zap.Uint32("id", in.Envelope.ID))
	registry := srv.handlers.Registry()

	if registry.Priority(in.Payload()) == protocol.Background {
		if err := srv.background.Acquire(ctx, 1); err != nil {
			if rerr := in.Reply.Respond(ErrorPayload(err)); rerr != nil {
				log.Debug("Failed to reply to a cancelled message", zap.Error(rerr))
			}
			return
		}
		defer srv.background.Release(1)
	}

	if err := srv.handlers.HandleMessage(ctx, srv.state, in); err != nil {
		log.Debug("Failed to reply",
			zap.String("message", registry.Name(in.Payload())),
			zap.Error(err))
	}
}

func (srv *Server[S]) cancelTask(tasks *taskSet, c *protocol.Cancel, in *session.Incoming) {
	if !tasks.cancel(c.RequestID) {
		srv.log.Debug("Cancel for a request that is not running", zap.Uint32("request", c.RequestID))
	}

	if err := in.Reply.Respond(&protocol.Ack{}); err != nil {
		srv.log.Debug("Failed to acknowledge cancel", zap.Error(err))
	}
}

// taskSet tracks the cancel function of every running request.
type taskSet struct {
	mu    sync.Mutex
	tasks map[uint32]context.CancelFunc
}

func newTaskSet() *taskSet {
	return &taskSet{tasks: make(map[uint32]context.CancelFunc)}
}

func (t *taskSet) add(id uint32, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tasks[id] = cancel
}

func (t *taskSet) remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.tasks, id)
}

func (t *taskSet) cancel(id uint32) bool {
	t.mu.Lock()
	cancel, ok := t.tasks[id]
	delete(t.tasks, id)
	t.mu.Unlock()

	if ok {
		cancel()
	}

	return ok
}

func (t *taskSet) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, cancel := range t.tasks {
		cancel()
		delete(t.tasks, id)
	}
}
