package session

import (
	"sync"

	"github.com/luma/conduit/protocol"
)

// Reply answers one inbound request. A request is answered either by a
// single Respond, or by any number of Stream calls followed by End.
type Reply struct {
	session   *Session
	requestID uint32

	mu       sync.Mutex
	finished bool
	detached bool
	done     chan struct{}
}

func newReply(s *Session, requestID uint32) *Reply {
	return &Reply{session: s, requestID: requestID, done: make(chan struct{})}
}

// RequestID returns the id of the envelope being answered.
func (r *Reply) RequestID() uint32 {
	return r.requestID
}

// Finished reports whether the final response has been sent.
func (r *Reply) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.finished
}

// Done is closed once the final response has been queued.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

// Detach hands the reply to whoever keeps it, typically a goroutine that
// streams responses after the handler returned. Dispatch leaves a detached
// reply alone.
func (r *Reply) Detach() {
	r.mu.Lock()
	r.detached = true
	r.mu.Unlock()
}

func (r *Reply) Detached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.detached
}

// Respond sends p as the only response.
func (r *Reply) Respond(p protocol.Payload) error {
	return r.send(p, true)
}

// Stream sends p as one element of a response stream.
func (r *Reply) Stream(p protocol.Payload) error {
	return r.send(p, false)
}

// End sends the sentinel closing the response stream.
func (r *Reply) End() error {
	return r.send(nil, true)
}

func (r *Reply) send(p protocol.Payload, last bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return ErrAlreadyReplied
	}

	if last {
		r.finished = true
		close(r.done)
	}

	_, err := r.session.enqueue(protocol.NewResponse(r.requestID, p, last))
	return err
}
