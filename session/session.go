package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luma/conduit/protocol"
)

const (
	IncomingBufferSize = 64
)

type Options struct {
	// Registry names messages in logs and decides which requests stream
	// their responses. Defaults to protocol.DefaultRegistry().
	Registry *protocol.Registry

	// IncomingBufferSize bounds how many inbound requests can wait for Recv
	// before the read loop stops reading.
	IncomingBufferSize int

	Log *zap.Logger
}

// Incoming is an envelope the peer initiated, along with what is needed to
// answer it.
type Incoming struct {
	Envelope *protocol.Envelope
	Reply    *Reply
}

// Payload is a shortcut for in.Envelope.Payload.
func (in *Incoming) Payload() protocol.Payload {
	return in.Envelope.Payload
}

type Stats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Pending  int    `json:"pending"`
}

// Session owns one duplex stream. It assigns envelope ids, matches responses
// to the requests waiting on them and queues everything else for Recv.
//
// One goroutine writes to the stream and one reads from it, everything else
// talks to them through the send queue, the pending table and the incoming
// channel.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	conn     io.ReadWriteCloser
	registry *protocol.Registry

	// mu guards everything below it
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*pendingRequest
	queue   []*protocol.Envelope
	closed  bool
	err     error

	wake     chan struct{}
	incoming chan *Incoming

	closeOnce sync.Once
	done      chan struct{}

	sent     atomic.Uint64
	received atomic.Uint64

	log *zap.Logger
}

// New starts a session over conn. The session closes conn when it is torn
// down.
func New(conn io.ReadWriteCloser, options Options) *Session {
	if options.Registry == nil {
		options.Registry = protocol.DefaultRegistry()
	}

	if options.IncomingBufferSize < 1 {
		options.IncomingBufferSize = IncomingBufferSize
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ctx:      ctx,
		cancel:   cancel,
		conn:     conn,
		registry: options.Registry,
		nextID:   1,
		pending:  make(map[uint32]*pendingRequest),
		wake:     make(chan struct{}, 1),
		incoming: make(chan *Incoming, options.IncomingBufferSize),
		done:     make(chan struct{}),
		log:      options.Log,
	}

	s.group.Go(s.readLoop)
	s.group.Go(s.writeLoop)

	go func() {
		// Errors have already been recorded by teardown
		_ = s.group.Wait()
		close(s.done)
	}()

	return s
}

// Registry returns the registry the session was created with.
func (s *Session) Registry() *protocol.Registry {
	return s.registry
}

// SendOption customises a single Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	mode             Mode
	modeSet          bool
	originalSenderID *protocol.PeerID
}

// WithMode overrides the response mode the registry would pick.
func WithMode(mode Mode) SendOption {
	return func(o *sendOptions) {
		o.mode = mode
		o.modeSet = true
	}
}

// WithOriginalSender marks the envelope as relayed on behalf of id.
func WithOriginalSender(id protocol.PeerID) SendOption {
	return func(o *sendOptions) {
		o.originalSenderID = &id
	}
}

// Send queues p as a new request and returns the handle to wait on its
// responses. It never blocks on I/O. Requests the registry marks as
// streaming are sent in Many mode, the rest in One mode.
func (s *Session) Send(p protocol.Payload, opts ...SendOption) *OutgoingRequest {
	o := sendOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.modeSet {
		o.mode = One
		if info, ok := s.registry.Lookup(p.Kind()); ok && info.Streaming {
			o.mode = Many
		}
	}

	req := newPendingRequest(o.mode)
	env := &protocol.Envelope{Payload: p, OriginalSenderID: o.originalSenderID}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		req.fail(ErrConnectionClosed)
		return &OutgoingRequest{req: req}
	}

	// Id assignment, registration and queueing happen in one critical
	// section so ids hit the wire in increasing order.
	req.id = s.enqueueLocked(env)
	s.pending[req.id] = req
	s.mu.Unlock()

	s.notifyWriter()

	return &OutgoingRequest{req: req}
}

// Notify sends a message that expects no response.
func (s *Session) Notify(p protocol.Payload, opts ...SendOption) error {
	o := sendOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	_, err := s.enqueue(&protocol.Envelope{Payload: p, OriginalSenderID: o.originalSenderID, OneWay: true})
	return err
}

// Recv returns the next envelope the peer initiated. It returns
// ErrConnectionClosed once the session is gone and everything received
// before has been handed out.
func (s *Session) Recv(ctx context.Context) (*Incoming, error) {
	select {
	case in, ok := <-s.incoming:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return in, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the session down and waits for its loops to exit. Every
// request still waiting fails with ErrConnectionClosed.
func (s *Session) Close() error {
	s.teardown(nil)
	<-s.done
	return nil
}

// Done is closed once both loops have exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that tore the session down, nil if it is still
// running or was closed locally.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()

	return Stats{
		Sent:     s.sent.Load(),
		Received: s.received.Load(),
		Pending:  pending,
	}
}

func (s *Session) enqueue(env *protocol.Envelope) (uint32, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrConnectionClosed
	}

	id := s.enqueueLocked(env)
	s.mu.Unlock()

	s.notifyWriter()
	return id, nil
}

func (s *Session) enqueueLocked(env *protocol.Envelope) uint32 {
	env.ID = s.nextID
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	s.queue = append(s.queue, env)
	return env.ID
}

func (s *Session) notifyWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) takeQueue() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.queue
	s.queue = nil
	return batch
}

func (s *Session) writeLoop() error {
	log := s.log.Named("writeLoop")
	w := bufio.NewWriter(s.conn)

	var buf bytes.Buffer

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case <-s.wake:
		}

		for _, env := range s.takeQueue() {
			log.Debug("send message",
				zap.Uint32("id", env.ID),
				zap.String("message", s.registry.Name(env.Payload)))

			if err := protocol.WriteMessage(w, &buf, env); err != nil {
				if errors.Is(err, protocol.ErrMessageTooLarge) {
					// Nothing was written, only this request is affected
					log.Warn("Dropping oversized message", zap.Uint32("id", env.ID), zap.Error(err))
					s.failRequest(env.ID, err)
					continue
				}

				return s.fatal(err)
			}

			s.sent.Add(1)
		}

		if err := w.Flush(); err != nil {
			return s.fatal(err)
		}
	}
}

func (s *Session) readLoop() error {
	log := s.log.Named("readLoop")
	defer close(s.incoming)

	r := bufio.NewReader(s.conn)

	var buf []byte

	for {
		env, err := protocol.ReadMessage(r, &buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, io.EOF) {
				log.Info("Peer closed the connection")
			}

			return s.fatal(err)
		}

		s.received.Add(1)

		log.Debug("receive message",
			zap.Uint32("id", env.ID),
			zap.String("message", s.registry.Name(env.Payload)))

		if requestID, ok := env.ResponseID(); ok {
			s.deliver(requestID, env)
			continue
		}

		if env.Payload == nil {
			log.Warn("Ignoring an envelope with neither a payload nor a response id",
				zap.Uint32("id", env.ID))
			continue
		}

		in := &Incoming{
			Envelope: env,
			Reply:    newReply(s, env.ID),
		}

		select {
		case s.incoming <- in:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Session) deliver(requestID uint32, env *protocol.Envelope) {
	s.mu.Lock()
	req, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()

		// Happens legitimately after a caller gave up on a One request
		s.log.Warn("Received response to unknown request",
			zap.Uint32("respondingTo", requestID),
			zap.String("message", s.registry.Name(env.Payload)))
		return
	}

	finished := req.mode == One || env.IsLast()
	if finished {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()

	req.push(env, finished)
}

func (s *Session) failRequest(id uint32, err error) {
	s.mu.Lock()
	req, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if ok {
		req.fail(err)
	}
}

func (s *Session) fatal(err error) error {
	s.log.Error("Session failed", zap.Error(err))
	s.teardown(err)
	return err
}

func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.closed = true
		s.err = err
		pending := s.pending
		s.pending = make(map[uint32]*pendingRequest)
		s.queue = nil
		s.mu.Unlock()

		if cerr := s.conn.Close(); cerr != nil {
			s.log.Debug("Closing connection", zap.Error(cerr))
		}

		for _, req := range pending {
			req.fail(ErrConnectionClosed)
		}

		s.log.Info("Session closed", zap.Int("failedRequests", len(pending)))
	})
}
