package session

import (
	"context"
	"io"
	"sync"

	"github.com/luma/conduit/protocol"
)

// Mode says how many responses a request expects.
type Mode uint8

const (
	// One expects a single response, the request completes with it.
	One Mode = iota

	// Many expects a sequence of responses ending with a sentinel.
	Many
)

type pendingRequest struct {
	id   uint32
	mode Mode

	mu        sync.Mutex
	queue     []*protocol.Envelope
	done      bool
	err       error
	abandoned bool

	signal chan struct{}
}

func newPendingRequest(mode Mode) *pendingRequest {
	return &pendingRequest{
		mode:   mode,
		signal: make(chan struct{}, 1),
	}
}

// push delivers a response. finished marks the last delivery. Responses to
// an abandoned request are dropped.
func (p *pendingRequest) push(env *protocol.Envelope, finished bool) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}

	if env.Payload != nil && !p.abandoned {
		p.queue = append(p.queue, env)
	}

	if finished {
		p.done = true
	}
	p.mu.Unlock()

	p.notify()
}

// fail completes the request with err unless it already completed.
func (p *pendingRequest) fail(err error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}

	p.done = true
	p.err = err
	p.mu.Unlock()

	p.notify()
}

func (p *pendingRequest) abandon() {
	p.mu.Lock()
	p.abandoned = true
	p.queue = nil
	p.mu.Unlock()
}

func (p *pendingRequest) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// next returns the next delivered response, io.EOF once the request has
// completed normally, or the error it failed with.
func (p *pendingRequest) next(ctx context.Context) (*protocol.Envelope, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			env := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return env, nil
		}

		if p.done {
			err := p.err
			p.mu.Unlock()

			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		p.mu.Unlock()

		select {
		case <-p.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// OutgoingRequest is the caller's handle on a request sent with
// Session.Send.
type OutgoingRequest struct {
	req *pendingRequest
}

// ID returns the envelope id the request was sent with. It is zero if the
// request could not be sent.
func (r *OutgoingRequest) ID() uint32 {
	return r.req.id
}

// One waits for the response. An Error payload is returned as a
// *RemoteError. Any further responses are discarded.
func (r *OutgoingRequest) One(ctx context.Context) (protocol.Payload, error) {
	defer r.Close()

	env, err := r.req.next(ctx)
	if err == io.EOF {
		return nil, ErrNoResponse
	}
	if err != nil {
		return nil, err
	}

	return payloadOrError(env)
}

// Next returns the responses in arrival order. It returns io.EOF once the
// peer has ended the response stream, and keeps returning io.EOF after that.
// An Error payload is returned as a *RemoteError, the stream continues after
// it.
func (r *OutgoingRequest) Next(ctx context.Context) (protocol.Payload, error) {
	env, err := r.req.next(ctx)
	if err != nil {
		return nil, err
	}

	return payloadOrError(env)
}

// Close stops the caller from observing further responses. The request is
// not retracted, the session drains whatever the peer still sends for it.
func (r *OutgoingRequest) Close() {
	r.req.abandon()
}

func payloadOrError(env *protocol.Envelope) (protocol.Payload, error) {
	if e, ok := env.Payload.(*protocol.Error); ok {
		return nil, NewRemoteError(e)
	}

	return env.Payload, nil
}

// Request sends req and waits for its single response of type R.
func Request[R protocol.Payload](ctx context.Context, s *Session, req protocol.RequestMessage[R]) (R, error) {
	var zero R

	p, err := s.Send(req).One(ctx)
	if err != nil {
		return zero, err
	}

	resp, ok := p.(R)
	if !ok {
		return zero, &UnexpectedResponseError{Request: req.Kind(), Got: p.Kind()}
	}

	return resp, nil
}
