// Package remotefs implements fs.Fs by asking a peer over a session.
//
// Transport failures surface as session.ErrConnectionClosed, failures the
// peer reports as *session.RemoteError. A RemoteError with CodeNotFound
// matches fs.ErrNotFound with errors.Is.
package remotefs

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/luma/conduit/fs"
	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/session"
)

// RemoteFS is a view of the peer's filesystem.
type RemoteFS struct {
	session *session.Session
}

func New(s *session.Session) *RemoteFS {
	return &RemoteFS{session: s}
}

func (r *RemoteFS) Session() *session.Session {
	return r.session
}

// Ping checks that the peer is answering.
func (r *RemoteFS) Ping(ctx context.Context) error {
	_, err := session.Request(ctx, r.session, &protocol.Ping{})
	return wrap(err)
}

func (r *RemoteFS) Load(ctx context.Context, path string) (string, error) {
	resp, err := session.Request(ctx, r.session, &protocol.ReadFile{Path: path})
	if err != nil {
		return "", wrap(err)
	}

	return resp.Value, nil
}

// Save succeeds when the peer ends the response without a payload, or
// answers with an Ack.
func (r *RemoteFS) Save(ctx context.Context, path string, content string, lineEnding fs.LineEnding) error {
	msg := &protocol.WriteFile{Path: path, Content: content, LineEnding: protocol.LineEndingUnix}
	if lineEnding == fs.Windows {
		msg.LineEnding = protocol.LineEndingWindows
	}

	req := r.session.Send(msg)
	defer req.Close()

	p, err := req.Next(ctx)
	switch {
	case err == io.EOF:
		return nil

	case err != nil:
		return wrap(err)
	}

	if _, ok := p.(*protocol.Ack); ok {
		return nil
	}

	return &session.UnexpectedResponseError{Request: protocol.KindWriteFile, Got: p.Kind()}
}

// Metadata returns nil and no error when the peer answers with the sentinel
// alone, which is how it reports a missing path.
func (r *RemoteFS) Metadata(ctx context.Context, path string) (*fs.Metadata, error) {
	resp, err := session.Request(ctx, r.session, &protocol.Stat{Path: path})
	if errors.Is(err, session.ErrNoResponse) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err)
	}

	return &fs.Metadata{
		Inode:     resp.Inode,
		Mtime:     time.UnixMilli(int64(resp.MtimeMs)),
		IsSymlink: resp.IsSymlink,
		IsDir:     resp.IsDir,
	}, nil
}

func (r *RemoteFS) Canonicalize(ctx context.Context, path string) (string, error) {
	resp, err := session.Request(ctx, r.session, &protocol.Canonicalize{Path: path})
	if err != nil {
		return "", wrap(err)
	}

	return resp.Value, nil
}

func (r *RemoteFS) ReadLink(ctx context.Context, path string) (string, error) {
	resp, err := session.Request(ctx, r.session, &protocol.ReadLink{Path: path})
	if err != nil {
		return "", wrap(err)
	}

	return resp.Value, nil
}

// ReadDir streams the paths as the peer sends them. An error from the peer
// ends the stream with that error.
func (r *RemoteFS) ReadDir(ctx context.Context, path string) (fs.PathStream, error) {
	return &pathStream{req: r.session.Send(&protocol.ReadDir{Path: path})}, nil
}

// Watch reports each Event the peer sends. Closing the watcher, or ctx being
// done, asks the peer to stop.
func (r *RemoteFS) Watch(ctx context.Context, path string, latency time.Duration) (<-chan []string, fs.Watcher, error) {
	req := r.session.Send(&protocol.Watch{Path: path, LatencyMs: uint64(latency.Milliseconds())})
	if req.ID() == 0 {
		return nil, nil, session.ErrConnectionClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan []string, 1)

	w := &watcher{
		session: r.session,
		req:     req,
		cancel:  cancel,
	}

	go func() {
		defer close(out)
		defer w.Close()

		for {
			p, err := req.Next(ctx)
			if err != nil {
				return
			}

			event, ok := p.(*protocol.Event)
			if !ok {
				return
			}

			select {
			case out <- event.Paths:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, w, nil
}

type pathStream struct {
	req *session.OutgoingRequest
}

func (p *pathStream) Next(ctx context.Context) (string, error) {
	payload, err := p.req.Next(ctx)
	if err == io.EOF {
		return "", io.EOF
	}
	if err != nil {
		return "", wrap(err)
	}

	s, ok := payload.(*protocol.String)
	if !ok {
		return "", &session.UnexpectedResponseError{Request: protocol.KindReadDir, Got: payload.Kind()}
	}

	return s.Value, nil
}

func (p *pathStream) Close() {
	p.req.Close()
}

type watcher struct {
	session *session.Session
	req     *session.OutgoingRequest
	cancel  context.CancelFunc

	once sync.Once
}

func (w *watcher) Close() error {
	w.once.Do(func() {
		w.cancel()
		w.req.Close()

		// The abandoned watch drains until the peer's sentinel, nobody
		// waits for the Ack either
		w.session.Send(&protocol.Cancel{RequestID: w.req.ID()}).Close()
	})

	return nil
}

// notFound lets a RemoteError for a missing path match fs.ErrNotFound.
type notFound struct {
	*session.RemoteError
}

func (n notFound) Unwrap() []error {
	return []error{n.RemoteError, fs.ErrNotFound}
}

func wrap(err error) error {
	var remote *session.RemoteError
	if errors.As(err, &remote) && remote.Code == protocol.CodeNotFound {
		return notFound{remote}
	}

	return err
}

var _ fs.Fs = (*RemoteFS)(nil)
