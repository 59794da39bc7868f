// Package peer relays messages between many sessions. Each connection gets
// an id, incoming messages are tagged with the connection they came from and
// can be answered, or forwarded to another connection with the original
// sender attached.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/server"
	"github.com/luma/conduit/session"
)

const (
	IncomingBufferSize = 64
)

var (
	ErrNoConnection = errors.New("no such connection")
	ErrNoReceipt    = errors.New("message has already been answered or was never received")
)

// ConnectionID names one connection. OwnerID changes every time the peer is
// reset, so ids from before a reset never match a new connection.
type ConnectionID struct {
	OwnerID uint32 `json:"owner_id"`
	ID      uint32 `json:"id"`
}

func (c ConnectionID) String() string {
	return fmt.Sprintf("%d/%d", c.OwnerID, c.ID)
}

// PeerID is the form a connection id takes on the wire.
func (c ConnectionID) PeerID() protocol.PeerID {
	return protocol.PeerID{OwnerID: c.OwnerID, ID: c.ID}
}

// Receipt identifies a received message so it can be answered.
type Receipt struct {
	SenderID  ConnectionID
	MessageID uint32
}

// TypedEnvelope is a received message along with where it came from.
type TypedEnvelope struct {
	SenderID         ConnectionID
	OriginalSenderID *protocol.PeerID
	MessageID        uint32
	Payload          protocol.Payload
}

func (t *TypedEnvelope) Receipt() Receipt {
	return Receipt{SenderID: t.SenderID, MessageID: t.MessageID}
}

type connection struct {
	session *session.Session

	mu      sync.Mutex
	replies map[uint32]*session.Reply
}

func (c *connection) takeReply(messageID uint32) (*session.Reply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, ok := c.replies[messageID]
	delete(c.replies, messageID)
	return reply, ok
}

type Options struct {
	Registry *protocol.Registry
	Log      *zap.Logger
}

type Peer struct {
	registry *protocol.Registry

	mu               sync.RWMutex
	epoch            uint32
	nextConnectionID uint32
	connections      map[ConnectionID]*connection

	log *zap.Logger
}

func New(options Options) *Peer {
	if options.Registry == nil {
		options.Registry = protocol.DefaultRegistry()
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &Peer{
		registry:    options.Registry,
		connections: make(map[ConnectionID]*connection),
		log:         options.Log,
	}
}

// AddConnection starts a session over conn. Everything the other end sends
// that is not a response arrives on the returned channel, which is closed
// once the connection is gone.
func (p *Peer) AddConnection(conn io.ReadWriteCloser) (ConnectionID, <-chan *TypedEnvelope) {
	p.mu.Lock()
	id := ConnectionID{OwnerID: p.epoch, ID: p.nextConnectionID}
	p.nextConnectionID++

	log := p.log.With(zap.Stringer("connection", id))

	c := &connection{
		session: session.New(conn, session.Options{
			Registry: p.registry,
			Log:      log.Named("session"),
		}),
		replies: make(map[uint32]*session.Reply),
	}
	p.connections[id] = c
	p.mu.Unlock()

	incoming := make(chan *TypedEnvelope, IncomingBufferSize)

	go func() {
		defer close(incoming)
		defer p.remove(id, c)

		for {
			in, err := c.session.Recv(context.Background())
			if err != nil {
				log.Debug("Connection ended", zap.Error(err))
				return
			}

			// One-way messages are never answered, keeping their reply
			// would only grow the map
			if !in.Envelope.OneWay {
				c.mu.Lock()
				c.replies[in.Envelope.ID] = in.Reply
				c.mu.Unlock()
			}

			env := &TypedEnvelope{
				SenderID:         id,
				OriginalSenderID: in.Envelope.OriginalSenderID,
				MessageID:        in.Envelope.ID,
				Payload:          in.Payload(),
			}

			select {
			case incoming <- env:
			case <-c.session.Done():
				log.Debug("Connection ended with messages unread")
				return
			}
		}
	}()

	log.Info("Connection added")

	return id, incoming
}

// Connections returns the ids of the live connections.
func (p *Peer) Connections() []ConnectionID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]ConnectionID, 0, len(p.connections))
	for id := range p.connections {
		ids = append(ids, id)
	}

	return ids
}

// Session returns the session of a live connection.
func (p *Peer) Session(id ConnectionID) (*session.Session, error) {
	c, err := p.connection(id)
	if err != nil {
		return nil, err
	}

	return c.session, nil
}

// Request sends payload to receiver and waits for the response.
func (p *Peer) Request(ctx context.Context, receiver ConnectionID, payload protocol.Payload) (protocol.Payload, error) {
	c, err := p.connection(receiver)
	if err != nil {
		return nil, err
	}

	return c.session.Send(payload).One(ctx)
}

// ForwardRequest relays a request from sender to receiver and waits for the
// response.
func (p *Peer) ForwardRequest(ctx context.Context, sender, receiver ConnectionID, payload protocol.Payload) (protocol.Payload, error) {
	c, err := p.connection(receiver)
	if err != nil {
		return nil, err
	}

	return c.session.Send(payload, session.WithOriginalSender(sender.PeerID())).One(ctx)
}

// Send sends a message that expects no response.
func (p *Peer) Send(receiver ConnectionID, payload protocol.Payload) error {
	c, err := p.connection(receiver)
	if err != nil {
		return err
	}

	return c.session.Notify(payload)
}

func (p *Peer) ForwardSend(sender, receiver ConnectionID, payload protocol.Payload) error {
	c, err := p.connection(receiver)
	if err != nil {
		return err
	}

	return c.session.Notify(payload, session.WithOriginalSender(sender.PeerID()))
}

// Respond answers a received message. A message can be answered once.
func (p *Peer) Respond(receipt Receipt, payload protocol.Payload) error {
	c, err := p.connection(receipt.SenderID)
	if err != nil {
		return err
	}

	reply, ok := c.takeReply(receipt.MessageID)
	if !ok {
		return ErrNoReceipt
	}

	return reply.Respond(payload)
}

func (p *Peer) RespondWithError(receipt Receipt, err error) error {
	return p.Respond(receipt, server.ErrorPayload(err))
}

// Disconnect closes a connection.
func (p *Peer) Disconnect(id ConnectionID) error {
	p.mu.Lock()
	c, ok := p.connections[id]
	delete(p.connections, id)
	p.mu.Unlock()

	if !ok {
		return ErrNoConnection
	}

	return c.session.Close()
}

// Reset closes every connection and starts a new epoch of connection ids.
func (p *Peer) Reset() {
	p.mu.Lock()
	connections := p.connections
	p.connections = make(map[ConnectionID]*connection)
	p.epoch++
	p.nextConnectionID = 0
	p.mu.Unlock()

	for id, c := range connections {
		if err := c.session.Close(); err != nil {
			p.log.Warn("Failed to close connection", zap.Stringer("connection", id), zap.Error(err))
		}
	}
}

func (p *Peer) connection(id ConnectionID) (*connection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.connections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, id)
	}

	return c, nil
}

func (p *Peer) remove(id ConnectionID, c *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// The id may already belong to nothing after a Disconnect or Reset
	if current, ok := p.connections[id]; ok && current == c {
		delete(p.connections, id)
	}
}
