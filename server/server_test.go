package server_test

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/conduit/fs"
	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/server"
	"github.com/luma/conduit/session"
)

// gatedFS lists a directory one entry at a time, holding the second entry
// back until release is closed.
type gatedFS struct {
	fs.Fs
	release chan struct{}
}

func (g *gatedFS) ReadDir(ctx context.Context, path string) (fs.PathStream, error) {
	return &gatedStream{paths: []string{path + "/a.txt", path + "/b.txt"}, release: g.release}, nil
}

type gatedStream struct {
	paths   []string
	next    int
	release chan struct{}
}

func (s *gatedStream) Next(ctx context.Context) (string, error) {
	if s.next == 1 {
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if s.next == len(s.paths) {
		return "", io.EOF
	}

	s.next++
	return s.paths[s.next-1], nil
}

func (s *gatedStream) Close() {}

var _ = Describe("server / Server", func() {
	var (
		ctx            context.Context
		cancel         context.CancelFunc
		client, remote *session.Session
		mem            *fs.MemFS
		served         chan error
	)

	serve := func(h *server.Handlers[*server.Project], options server.Options) {
		srv := server.New(h, server.NewProject(mem, nil), options)

		// The next spec's BeforeEach reassigns these while Serve may still be
		// returning
		ctx, remote, served := ctx, remote, served

		go func() {
			served <- srv.Serve(ctx, remote)
		}()
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		client, remote = pair()
		served = make(chan error, 1)

		mem = fs.NewMem(nil, nil)
		Expect(mem.InsertFile(ctx, "/tmp/a.txt", "abc")).To(Succeed())
		Expect(mem.InsertFile(ctx, "/tmp/b.txt", "def")).To(Succeed())
		Expect(mem.CreateSymlink(ctx, "/tmp/link", "a.txt")).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		client.Close()
		remote.Close()
		mem.Store().Close()
	})

	Context("serving a project", func() {
		BeforeEach(func() {
			serve(server.ProjectHandlers(nil, nil), server.Options{})
		})

		It("answers a ping", func() {
			Expect(session.Request(ctx, client, &protocol.Ping{})).To(Equal(&protocol.Pong{}))
		})

		It("reads a file", func() {
			resp, err := session.Request(ctx, client, &protocol.ReadFile{Path: "/tmp/a.txt"})
			Expect(err).To(Succeed())
			Expect(resp.Value).To(Equal("abc"))
		})

		It("writes a file and answers with the sentinel", func() {
			req := client.Send(&protocol.WriteFile{Path: "/tmp/c.txt", Content: "1\n2", LineEnding: protocol.LineEndingWindows})
			_, err := req.Next(ctx)
			Expect(err).To(Equal(io.EOF))

			Expect(mem.Load(ctx, "/tmp/c.txt")).To(Equal("1\r\n2"))
		})

		It("describes a path", func() {
			meta, err := session.Request(ctx, client, &protocol.Stat{Path: "/tmp/link"})
			Expect(err).To(Succeed())
			Expect(meta.IsSymlink).To(BeTrue())
			Expect(meta.IsDir).To(BeFalse())
			Expect(meta.MtimeMs).NotTo(BeZero())
		})

		It("answers a stat of a missing path with the sentinel", func() {
			_, err := client.Send(&protocol.Stat{Path: "/tmp/missing"}).One(ctx)
			Expect(err).To(MatchError(session.ErrNoResponse))
		})

		It("canonicalizes and reads links", func() {
			resolved, err := session.Request(ctx, client, &protocol.Canonicalize{Path: "/tmp/link"})
			Expect(err).To(Succeed())
			Expect(resolved.Value).To(Equal("/tmp/a.txt"))

			target, err := session.Request(ctx, client, &protocol.ReadLink{Path: "/tmp/link"})
			Expect(err).To(Succeed())
			Expect(target.Value).To(Equal("a.txt"))
		})

		It("streams a directory", func() {
			req := client.Send(&protocol.ReadDir{Path: "/tmp"})

			var paths []string
			for {
				p, err := req.Next(ctx)
				if err == io.EOF {
					break
				}
				Expect(err).To(Succeed())
				paths = append(paths, p.(*protocol.String).Value)
			}

			Expect(paths).To(Equal([]string{"/tmp/a.txt", "/tmp/b.txt", "/tmp/link"}))
		})

		It("reports a missing file as not found", func() {
			_, err := client.Send(&protocol.ReadFile{Path: "/tmp/missing"}).One(ctx)

			var remoteErr *session.RemoteError
			Expect(errors.As(err, &remoteErr)).To(BeTrue())
			Expect(remoteErr.Code).To(Equal(protocol.CodeNotFound))
		})

		It("streams watch events until the watch is cancelled", func() {
			watch := client.Send(&protocol.Watch{Path: "/tmp", LatencyMs: 10})

			Eventually(remote.Stats).Should(HaveField("Received", uint64(1)))
			// Give the handler time to subscribe before changing anything
			time.Sleep(50 * time.Millisecond)
			Expect(mem.InsertFile(ctx, "/tmp/a.txt", "changed")).To(Succeed())

			p, err := watch.Next(ctx)
			Expect(err).To(Succeed())
			Expect(p).To(Equal(&protocol.Event{WatchID: watch.ID(), Paths: []string{"/tmp/a.txt"}}))

			Expect(client.Send(&protocol.Cancel{RequestID: watch.ID()}).One(ctx)).To(Equal(&protocol.Ack{}))

			Eventually(func() error {
				_, err := watch.Next(ctx)
				return err
			}).Should(Equal(io.EOF))
		})

		It("acknowledges a cancel for a request that is not running", func() {
			Expect(client.Send(&protocol.Cancel{RequestID: 42}).One(ctx)).To(Equal(&protocol.Ack{}))
		})

		It("returns once the session is closed", func() {
			client.Close()
			Eventually(served).Should(Receive(BeNil()))
		})
	})

	It("streams directory entries as they are read", func() {
		gated := &gatedFS{release: make(chan struct{})}
		srv := server.New(server.ProjectHandlers(nil, nil), server.NewProject(gated, nil), server.Options{})

		ctx, remote := ctx, remote
		go srv.Serve(ctx, remote)

		req := client.Send(&protocol.ReadDir{Path: "/tmp"})
		defer req.Close()

		// The first entry arrives while the second is still held back
		Expect(req.Next(ctx)).To(Equal(&protocol.String{Value: "/tmp/a.txt"}))

		close(gated.release)
		Expect(req.Next(ctx)).To(Equal(&protocol.String{Value: "/tmp/b.txt"}))

		_, err := req.Next(ctx)
		Expect(err).To(Equal(io.EOF))
	})

	It("bounds how many background messages run at once", func() {
		var (
			running, peak atomic.Int32
			release       = make(chan struct{})
		)

		h := server.NewHandlers[*server.Project](nil, nil)
		server.Add(h, func(ctx context.Context, p *server.Project, msg *protocol.ReadDir, reply *session.Reply) (protocol.Payload, error) {
			n := running.Add(1)
			defer running.Add(-1)

			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}

			<-release
			return nil, nil
		})
		server.Add(h, func(ctx context.Context, p *server.Project, msg *protocol.Ping, reply *session.Reply) (protocol.Payload, error) {
			return &protocol.Pong{}, nil
		})

		serve(h, server.Options{MaxBackground: 2})

		var reqs []*session.OutgoingRequest
		for i := 0; i < 5; i++ {
			reqs = append(reqs, client.Send(&protocol.ReadDir{Path: "/"}))
		}

		Eventually(running.Load).Should(Equal(int32(2)))

		// Foreground messages are not held up by the background ones
		Expect(session.Request(ctx, client, &protocol.Ping{})).To(Equal(&protocol.Pong{}))

		close(release)
		for _, req := range reqs {
			_, err := req.Next(ctx)
			Expect(err).To(Equal(io.EOF))
		}

		Expect(peak.Load()).To(Equal(int32(2)))
	})
})
