package client_test

import (
	"bytes"
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/luma/conduit/client"
	"github.com/luma/conduit/fs"
	"github.com/luma/conduit/remoteproc"
	"github.com/luma/conduit/server"
	"github.com/luma/conduit/session"
	"github.com/luma/conduit/transport"
)

var _ = Describe("client / Conn", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		mem    *fs.MemFS
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		mem = fs.NewMem(nil, nil)
		Expect(mem.InsertFile(ctx, "/a.txt", "abc")).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		mem.Store().Close()
	})

	It("reaches the peer's filesystem over any stream", func() {
		a, b := net.Pipe()

		remote := session.New(b, session.Options{})
		defer remote.Close()

		srv := server.New(server.ProjectHandlers(nil, nil), server.NewProject(mem, nil), server.Options{})
		go srv.Serve(ctx, remote)

		conn := client.New(a, nil, nil)
		defer conn.Close()

		Expect(conn.Ping(ctx)).To(Succeed())
		Expect(conn.FS().Load(ctx, "/a.txt")).To(Equal("abc"))
	})

	It("runs a process on the peer", func() {
		a, b := net.Pipe()

		remote := session.New(b, session.Options{})
		defer remote.Close()

		srv := server.New(server.ProjectHandlers(nil, nil), server.NewProject(mem, nil), server.Options{})
		go srv.Serve(ctx, remote)

		conn := client.New(a, nil, nil)
		defer conn.Close()

		var out bytes.Buffer
		proc := conn.Start(&remoteproc.Cmd{Path: "echo", Args: []string{"hello"}, Stdout: &out})

		Expect(proc.Wait(ctx)).To(Equal(0))
		Expect(out.String()).To(Equal("hello\n"))
	})

	It("dials a TCP peer", func() {
		srv := server.New(server.ProjectHandlers(nil, nil), server.NewProject(mem, nil), server.Options{})
		tcp := transport.NewTCP(transport.Options{Host: "127.0.0.1", Serve: srv.Serve})
		Expect(tcp.Start(ctx)).To(Succeed())
		defer tcp.Close()

		conn, err := client.Dial(ctx, tcp.Addr().String(), nil)
		Expect(err).To(Succeed())
		defer conn.Close()

		Expect(conn.FS().Load(ctx, "/a.txt")).To(Equal("abc"))
	})

	It("fails to dial an address nobody listens on", func() {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())
		addr := l.Addr().String()
		l.Close()

		_, err = client.Dial(ctx, addr, nil)
		Expect(err).NotTo(Succeed())
	})

	It("logs what a spawned peer writes to stderr and waits for it on close", func() {
		core, logs := observer.New(zapcore.InfoLevel)

		conn, err := client.Spawn(ctx, zap.New(core), "sh", "-c", "echo starting up >&2; cat >/dev/null")
		Expect(err).To(Succeed())

		Eventually(func() int {
			return logs.FilterMessage("starting up").Len()
		}).Should(Equal(1))

		Expect(conn.Close()).To(Succeed())
		Expect(conn.Close()).To(Succeed())
	})
})
