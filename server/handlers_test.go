package server_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/conduit/fs"
	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/server"
	"github.com/luma/conduit/session"
)

type state struct {
	name string
}

// pair connects a client session to a server session.
func pair() (client, remote *session.Session) {
	a, b := net.Pipe()

	client = session.New(a, session.Options{})
	remote = session.New(b, session.Options{})

	return client, remote
}

// dispatch hands everything remote receives to h.
func dispatch(ctx context.Context, h *server.Handlers[*state], st *state, remote *session.Session) {
	go func() {
		for {
			in, err := remote.Recv(ctx)
			if err != nil {
				return
			}

			go h.HandleMessage(ctx, st, in)
		}
	}()
}

var _ = Describe("server / Handlers", func() {
	var (
		ctx            context.Context
		cancel         context.CancelFunc
		client, remote *session.Session
		st             *state
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		client, remote = pair()
		st = &state{name: "test"}
	})

	AfterEach(func() {
		cancel()
		client.Close()
		remote.Close()
	})

	It("routes a message to the handler registered for its type", func() {
		h := server.NewHandlers[*state](nil, nil)
		server.Add(h, func(ctx context.Context, st *state, msg *protocol.ReadFile, reply *session.Reply) (protocol.Payload, error) {
			return &protocol.String{Value: st.name + ":" + msg.Path}, nil
		})
		dispatch(ctx, h, st, remote)

		resp, err := session.Request(ctx, client, &protocol.ReadFile{Path: "/etc/hosts"})
		Expect(err).To(Succeed())
		Expect(resp.Value).To(Equal("test:/etc/hosts"))
	})

	It("panics when a type is registered twice", func() {
		h := server.NewHandlers[*state](nil, nil)
		ping := func(ctx context.Context, st *state, msg *protocol.Ping, reply *session.Reply) (protocol.Payload, error) {
			return &protocol.Pong{}, nil
		}

		server.Add(h, ping)
		Expect(func() { server.Add(h, ping) }).To(Panic())
	})

	It("answers an unregistered type with exactly one error", func() {
		h := server.NewHandlers[*state](nil, nil)
		dispatch(ctx, h, st, remote)

		req := client.Send(&protocol.ReadFile{Path: "/x"})
		defer req.Close()

		_, err := req.Next(ctx)

		var remoteErr *session.RemoteError
		Expect(errors.As(err, &remoteErr)).To(BeTrue())
		Expect(remoteErr.Code).To(Equal(protocol.CodeUnhandled))
		Expect(remoteErr.Message).To(Equal("unhandled request type ReadFile"))

		_, err = req.Next(ctx)
		Expect(err).To(Equal(io.EOF))
	})

	It("answers a kind the registry pairs with no response when it is sent as a request", func() {
		h := server.NewHandlers[*state](nil, nil)
		dispatch(ctx, h, st, remote)

		_, err := client.Send(&protocol.Pong{}).One(ctx)

		var remoteErr *session.RemoteError
		Expect(errors.As(err, &remoteErr)).To(BeTrue())
		Expect(remoteErr.Code).To(Equal(protocol.CodeUnhandled))
		Expect(remoteErr.Message).To(Equal("unhandled request type Pong"))
	})

	It("answers a kind its registry does not list", func() {
		h := server.NewHandlers[*state](protocol.NewRegistry(), nil)
		dispatch(ctx, h, st, remote)

		_, err := session.Request(ctx, client, &protocol.ReadFile{Path: "/x"})

		var remoteErr *session.RemoteError
		Expect(errors.As(err, &remoteErr)).To(BeTrue())
		Expect(remoteErr.Code).To(Equal(protocol.CodeUnhandled))
	})

	It("answers a panicking handler with an internal error and keeps serving", func() {
		h := server.NewHandlers[*state](nil, nil)
		server.Add(h, func(ctx context.Context, st *state, msg *protocol.ReadFile, reply *session.Reply) (protocol.Payload, error) {
			panic("boom")
		})
		server.Add(h, func(ctx context.Context, st *state, msg *protocol.Ping, reply *session.Reply) (protocol.Payload, error) {
			return &protocol.Pong{}, nil
		})
		dispatch(ctx, h, st, remote)

		req := client.Send(&protocol.ReadFile{Path: "/x"})
		defer req.Close()

		_, err := req.Next(ctx)

		var remoteErr *session.RemoteError
		Expect(errors.As(err, &remoteErr)).To(BeTrue())
		Expect(remoteErr.Code).To(Equal(protocol.CodeInternal))
		Expect(remoteErr.Message).To(ContainSubstring("boom"))

		_, err = req.Next(ctx)
		Expect(err).To(Equal(io.EOF))

		Expect(session.Request(ctx, client, &protocol.Ping{})).To(Equal(&protocol.Pong{}))
	})

	It("never answers a notification", func() {
		h := server.NewHandlers[*state](nil, nil)
		server.Add(h, func(ctx context.Context, st *state, msg *protocol.Ping, reply *session.Reply) (protocol.Payload, error) {
			return &protocol.Pong{}, nil
		})
		dispatch(ctx, h, st, remote)

		Expect(client.Notify(&protocol.Event{WatchID: 1, Paths: []string{"/a"}})).To(Succeed())

		resp, err := session.Request(ctx, client, &protocol.Ping{})
		Expect(err).To(Succeed())
		Expect(resp).To(Equal(&protocol.Pong{}))

		Consistently(func() uint64 { return client.Stats().Received }, 100*time.Millisecond).Should(BeEquivalentTo(1))
	})

	It("answers a handler error with an error payload", func() {
		h := server.NewHandlers[*state](nil, nil)
		server.Add(h, func(ctx context.Context, st *state, msg *protocol.ReadFile, reply *session.Reply) (protocol.Payload, error) {
			return nil, fmt.Errorf("open %s: %w", msg.Path, fs.ErrNotFound)
		})
		dispatch(ctx, h, st, remote)

		_, err := client.Send(&protocol.ReadFile{Path: "/missing"}).One(ctx)

		var remoteErr *session.RemoteError
		Expect(errors.As(err, &remoteErr)).To(BeTrue())
		Expect(remoteErr.Code).To(Equal(protocol.CodeNotFound))
		Expect(remoteErr.Message).To(ContainSubstring("/missing"))
	})

	It("sends only the sentinel when a handler returns nothing", func() {
		h := server.NewHandlers[*state](nil, nil)
		server.Add(h, func(ctx context.Context, st *state, msg *protocol.WriteFile, reply *session.Reply) (protocol.Payload, error) {
			return nil, nil
		})
		dispatch(ctx, h, st, remote)

		req := client.Send(&protocol.WriteFile{Path: "/a", Content: "x"})
		_, err := req.Next(ctx)
		Expect(err).To(Equal(io.EOF))
	})

	It("streams what a handler emits in order then ends the stream", func() {
		h := server.NewHandlers[*state](nil, nil)
		server.Add(h, func(ctx context.Context, st *state, msg *protocol.ReadDir, reply *session.Reply) (protocol.Payload, error) {
			for _, name := range []string{"a.txt", "b.txt"} {
				if err := reply.Stream(&protocol.String{Value: name}); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		dispatch(ctx, h, st, remote)

		req := client.Send(&protocol.ReadDir{Path: "/tmp"})

		var names []string
		for {
			p, err := req.Next(ctx)
			if err == io.EOF {
				break
			}
			Expect(err).To(Succeed())
			names = append(names, p.(*protocol.String).Value)
		}

		Expect(names).To(Equal([]string{"a.txt", "b.txt"}))
	})

	It("leaves a detached reply to the handler", func() {
		release := make(chan struct{})

		h := server.NewHandlers[*state](nil, nil)
		server.Add(h, func(ctx context.Context, st *state, msg *protocol.Watch, reply *session.Reply) (protocol.Payload, error) {
			reply.Detach()

			go func() {
				<-release
				reply.Stream(&protocol.Event{WatchID: reply.RequestID(), Paths: []string{"/a"}})
				reply.End()
			}()

			return nil, nil
		})
		dispatch(ctx, h, st, remote)

		req := client.Send(&protocol.Watch{Path: "/"})
		Consistently(client.Stats, 100*time.Millisecond).Should(HaveField("Pending", 1))

		close(release)

		p, err := req.Next(ctx)
		Expect(err).To(Succeed())
		Expect(p).To(Equal(&protocol.Event{WatchID: req.ID(), Paths: []string{"/a"}}))

		_, err = req.Next(ctx)
		Expect(err).To(Equal(io.EOF))
	})
})

var _ = Describe("server / ErrorPayload", func() {
	It("maps errors to codes", func() {
		Expect(server.ErrorPayload(fs.ErrNotFound).Code).To(Equal(protocol.CodeNotFound))
		Expect(server.ErrorPayload(context.Canceled).Code).To(Equal(protocol.CodeCancelled))
		Expect(server.ErrorPayload(fmt.Errorf("x: %w", fs.ErrIsDir)).Code).To(Equal(protocol.CodeInvalid))
		Expect(server.ErrorPayload(errors.New("boom"))).To(Equal(&protocol.Error{
			Code:    protocol.CodeInternal,
			Message: "boom",
		}))
	})

	It("passes remote errors through", func() {
		err := &session.RemoteError{Code: protocol.CodeNotFound, Tags: []string{"path"}, Message: "not found"}

		Expect(server.ErrorPayload(err)).To(Equal(&protocol.Error{
			Code:    protocol.CodeNotFound,
			Tags:    []string{"path"},
			Message: "not found",
		}))
	})
})
