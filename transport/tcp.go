package transport

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/session"
)

// SessionInfo describes one live connection.
type SessionInfo struct {
	ID     uint64        `json:"id"`
	Remote string        `json:"remote"`
	Stats  session.Stats `json:"stats"`
}

type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr string

	numListeners int
	reuseport    bool
	listeners    []*TCPListener

	serve    ServeFunc
	registry *protocol.Registry

	nextConnID atomic.Uint64

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	// Listeners only share a port chosen up front
	if !options.Reuseport || options.Port == 0 {
		numListeners = 1
	}

	if options.Registry == nil {
		options.Registry = protocol.DefaultRegistry()
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numListeners: numListeners,
		reuseport:    options.Reuseport,
		listeners:    make([]*TCPListener, 0, numListeners),
		serve:        options.Serve,
		registry:     options.Registry,
		log:          options.Log,
	}
}

// Start binds every listener before returning, so a connection attempt made
// after Start succeeds is accepted.
func (t *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	t.cancel = cancel

	t.log.Info("Starting tcp listeners", zap.Int("count", t.numListeners), zap.String("addr", t.addr))

	for i := 0; i < t.numListeners; i++ {
		if err := t.startListener(ctx); err != nil {
			cancel()
			return multierr.Append(err, t.closeListeners())
		}
	}

	return nil
}

// Addr returns the address the first listener is bound to.
func (t *TCP) Addr() net.Addr {
	if len(t.listeners) == 0 {
		return nil
	}

	return t.listeners[0].listener.Addr()
}

// Sessions describes every live connection, ordered by id.
func (t *TCP) Sessions() []SessionInfo {
	var infos []SessionInfo

	for _, listener := range t.listeners {
		infos = append(infos, listener.sessions()...)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	return infos
}

func (t *TCP) startListener(ctx context.Context) error {
	var (
		listener net.Listener
		err      error
	)

	if t.reuseport {
		listener, err = reuseport.Listen("tcp", t.addr)
	} else {
		listener, err = net.Listen("tcp", t.addr)
	}

	if err != nil {
		return err
	}

	// Later listeners join the port the first one was given
	t.addr = listener.Addr().String()

	l := &TCPListener{
		ctx:         ctx,
		listener:    listener,
		activeConns: make(map[*TCPConn]struct{}),
		transport:   t,
		log:         t.log.Named("listener").With(zap.Int("listener", len(t.listeners))),
	}

	t.listeners = append(t.listeners, l)

	t.stopWaiter.Add(1)
	go func() {
		defer t.stopWaiter.Done()

		if err := l.Listen(); err != nil {
			// The other listeners keep serving
			l.log.Error("Listener failed", zap.Error(err))
		}
	}()

	return nil
}

// Close immediately closes all listeners and connections and waits for
// their sessions to end.
func (t *TCP) Close() error {
	t.log.Info("Stopping TCP server")

	if t.cancel != nil {
		t.cancel()
	}

	err := t.closeListeners()

	t.stopWaiter.Wait()
	t.log.Info("TCP server stopped")

	return err
}

func (t *TCP) closeListeners() (err error) {
	for _, listener := range t.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

type TCPListener struct {
	ctx context.Context

	listener  net.Listener
	transport *TCP

	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}
	closed      bool

	log *zap.Logger
}

// Close stops accepting and closes every active connection.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true

	conns := make([]*TCPConn, 0, len(l.activeConns))
	for conn := range l.activeConns {
		conns = append(conns, conn)
	}
	l.mu.Unlock()

	err := l.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

func (l *TCPListener) Listen() error {
	var loopWaiter sync.WaitGroup

	defer func() {
		l.log.Info("Waiting for sessions to stop")
		loopWaiter.Wait()
		l.log.Info("Listener stopped")
	}()

	go func() {
		<-l.ctx.Done()

		if err := l.Close(); err != nil {
			l.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Closed while waiting for new connections, that's fine
				return nil
			}

			return err
		}

		tcpConn := l.newConn(conn)
		if tcpConn == nil {
			conn.Close()
			return nil
		}

		loopWaiter.Add(1)
		go func() {
			defer loopWaiter.Done()
			defer l.removeConn(tcpConn)

			tcpConn.Serve(l.ctx)
		}()
	}
}

func (l *TCPListener) newConn(conn net.Conn) *TCPConn {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	id := l.transport.nextConnID.Add(1)
	log := l.log.Named("conn").With(zap.Uint64("conn", id), zap.Stringer("remote", conn.RemoteAddr()))

	tcpConn := &TCPConn{
		id:     id,
		remote: conn.RemoteAddr().String(),
		session: session.New(conn, session.Options{
			Registry: l.transport.registry,
			Log:      log.Named("session"),
		}),
		serve: l.transport.serve,
		log:   log,
	}

	l.activeConns[tcpConn] = struct{}{}

	return tcpConn
}

func (l *TCPListener) removeConn(conn *TCPConn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.activeConns, conn)
}

func (l *TCPListener) sessions() []SessionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	infos := make([]SessionInfo, 0, len(l.activeConns))
	for conn := range l.activeConns {
		infos = append(infos, SessionInfo{
			ID:     conn.id,
			Remote: conn.remote,
			Stats:  conn.session.Stats(),
		})
	}

	return infos
}

// TCPConn is one accepted connection and the session over it.
type TCPConn struct {
	id      uint64
	remote  string
	session *session.Session
	serve   ServeFunc

	log *zap.Logger
}

// Serve answers the session until it ends or ctx is done.
func (c *TCPConn) Serve(ctx context.Context) {
	c.log.Info("Connection accepted")
	defer c.log.Info("Connection closed")

	defer c.session.Close()

	if c.serve == nil {
		<-c.session.Done()
		return
	}

	if err := c.serve(ctx, c.session); err != nil {
		c.log.Warn("Serving connection failed", zap.Error(err))
	}
}

func (c *TCPConn) Close() error {
	return c.session.Close()
}
