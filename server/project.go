package server

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/luma/conduit/fs"
	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/session"
)

const (
	DefaultWatchLatency = 100 * time.Millisecond
)

// Project is the state a headless peer serves. It holds the filesystem along
// with the processes spawned on behalf of the peer.
type Project struct {
	FS fs.Fs

	// WatchLatency is used by watches that do not ask for a latency.
	WatchLatency time.Duration

	Log *zap.Logger

	processes processes
}

func NewProject(fsys fs.Fs, log *zap.Logger) *Project {
	if log == nil {
		log = zap.NewNop()
	}

	return &Project{
		FS:           fsys,
		WatchLatency: DefaultWatchLatency,
		Log:          log,
	}
}

// ProjectHandlers returns the dispatch table serving a Project.
func ProjectHandlers(registry *protocol.Registry, log *zap.Logger) *Handlers[*Project] {
	h := NewHandlers[*Project](registry, log)

	Add(h, handlePing)
	Add(h, handleReadFile)
	Add(h, handleWriteFile)
	Add(h, handleStat)
	Add(h, handleCanonicalize)
	Add(h, handleReadLink)
	Add(h, handleReadDir)
	Add(h, handleWatch)
	Add(h, handleSpawn)
	Add(h, handleProcessInput)

	return h
}

func handlePing(ctx context.Context, p *Project, msg *protocol.Ping, reply *session.Reply) (protocol.Payload, error) {
	return &protocol.Pong{}, nil
}

func handleReadFile(ctx context.Context, p *Project, msg *protocol.ReadFile, reply *session.Reply) (protocol.Payload, error) {
	content, err := p.FS.Load(ctx, msg.Path)
	if err != nil {
		return nil, err
	}

	return &protocol.String{Value: content}, nil
}

// handleWriteFile answers success with the sentinel alone.
func handleWriteFile(ctx context.Context, p *Project, msg *protocol.WriteFile, reply *session.Reply) (protocol.Payload, error) {
	lineEnding := fs.Unix
	if msg.LineEnding == protocol.LineEndingWindows {
		lineEnding = fs.Windows
	}

	return nil, p.FS.Save(ctx, msg.Path, msg.Content, lineEnding)
}

// handleStat answers a missing path with the sentinel alone.
func handleStat(ctx context.Context, p *Project, msg *protocol.Stat, reply *session.Reply) (protocol.Payload, error) {
	meta, err := p.FS.Metadata(ctx, msg.Path)
	if err != nil || meta == nil {
		return nil, err
	}

	var mtime uint64
	if ms := meta.Mtime.UnixMilli(); ms > 0 {
		mtime = uint64(ms)
	}

	return &protocol.Metadata{
		Inode:     meta.Inode,
		MtimeMs:   mtime,
		IsSymlink: meta.IsSymlink,
		IsDir:     meta.IsDir,
	}, nil
}

func handleCanonicalize(ctx context.Context, p *Project, msg *protocol.Canonicalize, reply *session.Reply) (protocol.Payload, error) {
	resolved, err := p.FS.Canonicalize(ctx, msg.Path)
	if err != nil {
		return nil, err
	}

	return &protocol.String{Value: resolved}, nil
}

func handleReadLink(ctx context.Context, p *Project, msg *protocol.ReadLink, reply *session.Reply) (protocol.Payload, error) {
	target, err := p.FS.ReadLink(ctx, msg.Path)
	if err != nil {
		return nil, err
	}

	return &protocol.String{Value: target}, nil
}

func handleReadDir(ctx context.Context, p *Project, msg *protocol.ReadDir, reply *session.Reply) (protocol.Payload, error) {
	stream, err := p.FS.ReadDir(ctx, msg.Path)
	if err != nil {
		return nil, err
	}

	defer stream.Close()

	for {
		path, err := stream.Next(ctx)
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		if err := reply.Stream(&protocol.String{Value: path}); err != nil {
			return nil, err
		}
	}
}

// handleWatch streams an Event per batch of changes until the watch is
// cancelled, then ends the stream.
func handleWatch(ctx context.Context, p *Project, msg *protocol.Watch, reply *session.Reply) (protocol.Payload, error) {
	latency := p.WatchLatency
	if msg.LatencyMs > 0 {
		latency = time.Duration(msg.LatencyMs) * time.Millisecond
	}

	changes, watcher, err := p.FS.Watch(ctx, msg.Path, latency)
	if err != nil {
		return nil, err
	}

	log := p.Log.With(zap.Uint32("watch", reply.RequestID()), zap.String("path", msg.Path))
	reply.Detach()

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				log.Warn("Failed to close watcher", zap.Error(err))
			}

			if err := reply.End(); err != nil {
				log.Debug("Failed to end watch", zap.Error(err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case paths, ok := <-changes:
				if !ok {
					return
				}

				if err := reply.Stream(&protocol.Event{WatchID: reply.RequestID(), Paths: paths}); err != nil {
					log.Debug("Stopping watch", zap.Error(err))
					return
				}
			}
		}
	}()

	return nil, nil
}
