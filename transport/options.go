package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/session"
)

// ServeFunc answers a session until it ends. server.Server's Serve method is
// one.
type ServeFunc func(ctx context.Context, s *session.Session) error

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. With port 0 a single listener is started on a
	// free port, see TCP.Addr.
	Port int

	// Reuseport controls setting SO_REUSEPORT, which lets several listeners
	// share the port
	Reuseport bool

	NumListeners int

	Serve ServeFunc

	// Registry is handed to every session, defaults to
	// protocol.DefaultRegistry().
	Registry *protocol.Registry

	Log *zap.Logger
}
