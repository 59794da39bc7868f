package peer_test

import (
	"context"
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/conduit/fs"
	"github.com/luma/conduit/peer"
	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/session"
)

var _ = Describe("peer / Peer", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		hub    *peer.Peer
	)

	// connect adds a connection to the hub and returns the session at the
	// other end of it.
	connect := func() (peer.ConnectionID, <-chan *peer.TypedEnvelope, *session.Session) {
		a, b := net.Pipe()
		id, incoming := hub.AddConnection(a)
		return id, incoming, session.New(b, session.Options{})
	}

	receive := func(incoming <-chan *peer.TypedEnvelope) *peer.TypedEnvelope {
		var env *peer.TypedEnvelope
		Eventually(incoming).Should(Receive(&env))
		return env
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		hub = peer.New(peer.Options{})
	})

	AfterEach(func() {
		hub.Reset()
		cancel()
	})

	It("hands out distinct connection ids", func() {
		first, _, c1 := connect()
		second, _, c2 := connect()
		defer c1.Close()
		defer c2.Close()

		Expect(first).NotTo(Equal(second))
		Expect(hub.Connections()).To(ConsistOf(first, second))
	})

	It("tags received messages with their sender and answers them", func() {
		id, incoming, client := connect()
		defer client.Close()

		req := client.Send(&protocol.Ping{})

		env := receive(incoming)
		Expect(env.SenderID).To(Equal(id))
		Expect(env.MessageID).To(Equal(req.ID()))
		Expect(env.Payload).To(Equal(&protocol.Ping{}))

		Expect(hub.Respond(env.Receipt(), &protocol.Pong{})).To(Succeed())
		Expect(req.One(ctx)).To(Equal(&protocol.Pong{}))

		Expect(hub.Respond(env.Receipt(), &protocol.Pong{})).To(MatchError(peer.ErrNoReceipt))
	})

	It("answers with an error", func() {
		_, incoming, client := connect()
		defer client.Close()

		req := client.Send(&protocol.ReadFile{Path: "/missing"})
		env := receive(incoming)

		Expect(hub.RespondWithError(env.Receipt(), fs.ErrNotFound)).To(Succeed())

		_, err := req.One(ctx)
		var remoteErr *session.RemoteError
		Expect(errors.As(err, &remoteErr)).To(BeTrue())
		Expect(remoteErr.Code).To(Equal(protocol.CodeNotFound))
	})

	It("sends requests to a connection", func() {
		id, _, client := connect()
		defer client.Close()

		go func() {
			in, err := client.Recv(ctx)
			if err != nil {
				return
			}
			in.Reply.Respond(&protocol.Pong{})
		}()

		Expect(hub.Request(ctx, id, &protocol.Ping{})).To(Equal(&protocol.Pong{}))
	})

	It("forwards requests with the original sender attached", func() {
		sender, incoming, c1 := connect()
		receiver, _, c2 := connect()
		defer c1.Close()
		defer c2.Close()

		req := c1.Send(&protocol.ReadFile{Path: "/a"})
		env := receive(incoming)

		forwarded := make(chan *protocol.PeerID, 1)
		go func() {
			in, err := c2.Recv(ctx)
			if err != nil {
				return
			}
			forwarded <- in.Envelope.OriginalSenderID
			in.Reply.Respond(&protocol.String{Value: "from c2"})
		}()

		resp, err := hub.ForwardRequest(ctx, env.SenderID, receiver, env.Payload)
		Expect(err).To(Succeed())
		Expect(hub.Respond(env.Receipt(), resp)).To(Succeed())

		Expect(req.One(ctx)).To(Equal(&protocol.String{Value: "from c2"}))

		want := sender.PeerID()
		Expect(forwarded).To(Receive(Equal(&want)))
	})

	It("forwards notifications", func() {
		sender, _, c1 := connect()
		receiver, _, c2 := connect()
		defer c1.Close()
		defer c2.Close()

		Expect(hub.ForwardSend(sender, receiver, &protocol.Event{WatchID: 1, Paths: []string{"/a"}})).To(Succeed())

		in, err := c2.Recv(ctx)
		Expect(err).To(Succeed())
		Expect(in.Payload()).To(Equal(&protocol.Event{WatchID: 1, Paths: []string{"/a"}}))
		Expect(*in.Envelope.OriginalSenderID).To(Equal(sender.PeerID()))
	})

	It("keeps no receipt for a notification", func() {
		_, incoming, client := connect()
		defer client.Close()

		Expect(client.Notify(&protocol.Event{WatchID: 1, Paths: []string{"/a"}})).To(Succeed())

		env := receive(incoming)
		Expect(env.Payload).To(Equal(&protocol.Event{WatchID: 1, Paths: []string{"/a"}}))
		Expect(hub.Respond(env.Receipt(), &protocol.Ack{})).To(MatchError(peer.ErrNoReceipt))
	})

	It("forgets a closed connection whose messages nobody reads", func() {
		id, incoming, client := connect()

		for i := 0; i < peer.IncomingBufferSize+5; i++ {
			Expect(client.Notify(&protocol.Event{WatchID: uint32(i)})).To(Succeed())
		}
		Eventually(func() int { return len(incoming) }).Should(Equal(peer.IncomingBufferSize))

		client.Close()

		Eventually(hub.Connections).ShouldNot(ContainElement(id))
	})

	It("fails for an unknown connection", func() {
		_, err := hub.Request(ctx, peer.ConnectionID{OwnerID: 9, ID: 9}, &protocol.Ping{})
		Expect(err).To(MatchError(peer.ErrNoConnection))
		Expect(hub.Send(peer.ConnectionID{OwnerID: 9}, &protocol.Ping{})).To(MatchError(peer.ErrNoConnection))
	})

	It("disconnects a connection", func() {
		id, incoming, client := connect()
		defer client.Close()

		Expect(hub.Disconnect(id)).To(Succeed())

		Eventually(incoming).Should(BeClosed())
		Eventually(client.Done()).Should(BeClosed())
		Expect(hub.Connections()).To(BeEmpty())
		Expect(hub.Disconnect(id)).To(MatchError(peer.ErrNoConnection))
	})

	It("forgets a connection the other end closed", func() {
		_, incoming, client := connect()
		client.Close()

		Eventually(incoming).Should(BeClosed())
		Eventually(hub.Connections).Should(BeEmpty())
	})

	It("starts new connection ids after a reset", func() {
		before, incoming, c1 := connect()
		defer c1.Close()

		hub.Reset()
		Eventually(incoming).Should(BeClosed())

		after, _, c2 := connect()
		defer c2.Close()

		Expect(after.OwnerID).To(Equal(before.OwnerID + 1))
		Expect(after.ID).To(Equal(uint32(0)))
	})
})
