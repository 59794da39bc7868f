// Package server answers the requests a peer sends over a session.
//
// === Dispatch
//
// A Handlers table maps each payload kind to one function. The kind is taken
// from the function's message parameter, so registering a second function for
// the same kind is caught when the table is built:
//
//	handlers := server.NewHandlers[*Project](registry, log)
//	server.Add(handlers, func(ctx context.Context, p *Project, msg *protocol.ReadFile, reply *session.Reply) (protocol.Payload, error) {
//	    ...
//	})
//
// What a handler returns decides the reply:
//
//	(payload, nil)  payload is sent as the response
//	(nil, nil)      the empty sentinel is sent, ending the response
//	(_, err)        an Error payload describing err is sent
//
// A handler that streams calls reply.Stream for each element and returns
// (nil, nil) to end the stream. A handler that keeps streaming after it
// returns calls reply.Detach and becomes responsible for reply.End.
//
// Every request gets exactly one final reply. Requests nobody handles get an
// Error with CodeUnhandled, a handler that panics answers with CodeInternal.
// Messages sent one way are never answered.
package server

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/luma/conduit/fs"
	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/session"
)

type handlerFunc[S any] func(ctx context.Context, state S, in *session.Incoming) (protocol.Payload, error)

// Handlers is the dispatch table for one kind of server state S. It is built
// once and only read afterwards, so it is safe to share between sessions.
type Handlers[S any] struct {
	registry *protocol.Registry
	handlers map[protocol.Kind]handlerFunc[S]
	log      *zap.Logger
}

func NewHandlers[S any](registry *protocol.Registry, log *zap.Logger) *Handlers[S] {
	if registry == nil {
		registry = protocol.DefaultRegistry()
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Handlers[S]{
		registry: registry,
		handlers: make(map[protocol.Kind]handlerFunc[S]),
		log:      log,
	}
}

// Add registers fn for messages of type M. It panics if M already has a
// handler.
func Add[S any, M protocol.Payload](h *Handlers[S], fn func(ctx context.Context, state S, msg M, reply *session.Reply) (protocol.Payload, error)) *Handlers[S] {
	var zero M
	kind := zero.Kind()

	if _, exists := h.handlers[kind]; exists {
		panic(fmt.Sprintf("server: a handler for %s is already registered", kind))
	}

	h.handlers[kind] = func(ctx context.Context, state S, in *session.Incoming) (protocol.Payload, error) {
		msg, ok := in.Payload().(M)
		if !ok {
			return nil, fmt.Errorf("%w: handler for %s got %T", ErrInvalid, kind, in.Payload())
		}

		return fn(ctx, state, msg, in.Reply)
	}

	return h
}

func (h *Handlers[S]) Registry() *protocol.Registry {
	return h.registry
}

// Handles reports whether a handler is registered for k.
func (h *Handlers[S]) Handles(k protocol.Kind) bool {
	_, ok := h.handlers[k]
	return ok
}

// HandleMessage runs the handler for in and sends its reply. It returns an
// error only when the reply could not be sent.
func (h *Handlers[S]) HandleMessage(ctx context.Context, state S, in *session.Incoming) error {
	name := h.registry.Name(in.Payload())
	log := h.log.With(zap.Uint32("id", in.Envelope.ID), zap.String("message", name))

	handler, ok := h.handlers[in.Payload().Kind()]
	if !ok {
		log.Warn("Unhandled message")

		if in.Envelope.OneWay {
			return nil
		}

		return in.Reply.Respond(&protocol.Error{
			Code:    protocol.CodeUnhandled,
			Message: "unhandled request type " + name,
		})
	}

	response, err := h.call(ctx, handler, state, in, log)

	if in.Envelope.OneWay {
		// Nothing is waiting on a reply to a notification
		if err != nil {
			log.Warn("Failed to handle message", zap.Error(err))
		}
		return nil
	}

	switch {
	case err != nil && in.Reply.Finished():
		log.Warn("Handler failed after replying", zap.Error(err))
		return nil

	case err != nil:
		log.Debug("Handler failed", zap.Error(err))
		return in.Reply.Respond(ErrorPayload(err))

	case in.Reply.Detached():
		return nil

	case in.Reply.Finished():
		if response != nil {
			log.Warn("Dropping a response returned after the reply was finished")
		}
		return nil

	case response == nil:
		return in.Reply.End()

	default:
		return in.Reply.Respond(response)
	}
}

// call runs handler, turning a panic into ErrPanic so the request is still
// answered and the other requests keep being served.
func (h *Handlers[S]) call(ctx context.Context, handler handlerFunc[S], state S, in *session.Incoming, log *zap.Logger) (response protocol.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			response, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return handler(ctx, state, in)
}

var (
	// ErrInvalid is returned by handlers when a request cannot be served as
	// asked.
	ErrInvalid = errors.New("invalid request")

	// ErrPanic describes a handler that panicked instead of returning.
	ErrPanic = errors.New("handler panicked")
)

// ErrorPayload describes err in the form sent back to the peer.
func ErrorPayload(err error) *protocol.Error {
	var remote *session.RemoteError
	if errors.As(err, &remote) {
		return &protocol.Error{Code: remote.Code, Tags: remote.Tags, Message: remote.Message}
	}

	code := protocol.CodeInternal

	switch {
	case errors.Is(err, fs.ErrNotFound), errors.Is(err, exec.ErrNotFound):
		code = protocol.CodeNotFound

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = protocol.CodeCancelled

	case errors.Is(err, ErrInvalid),
		errors.Is(err, fs.ErrNotDir),
		errors.Is(err, fs.ErrIsDir),
		errors.Is(err, fs.ErrNotSymlink),
		errors.Is(err, fs.ErrSymlinkLoop):
		code = protocol.CodeInvalid
	}

	return &protocol.Error{Code: code, Message: err.Error()}
}
