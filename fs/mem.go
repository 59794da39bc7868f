package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luma/conduit/storage"
)

const maxSymlinkDepth = 40

var ErrSymlinkLoop = errors.New("too many levels of symbolic links")

// MemFS is an Fs over a storage.Store. Paths are slash separated and
// absolute, relative paths are taken from the root.
type MemFS struct {
	store storage.Store
	log   *zap.Logger
}

// NewMem returns a MemFS over store, or over a fresh in-memory store when
// store is nil.
func NewMem(store storage.Store, log *zap.Logger) *MemFS {
	if store == nil {
		store = storage.NewInmemoryStore()
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &MemFS{store: store, log: log}
}

func (m *MemFS) Store() storage.Store {
	return m.store
}

// CreateDir creates p and any missing parents.
func (m *MemFS) CreateDir(ctx context.Context, p string) error {
	p = clean(p)
	if p == "/" {
		return nil
	}

	if err := m.CreateDir(ctx, path.Dir(p)); err != nil {
		return err
	}

	file, err := m.store.Get(ctx, p)
	switch {
	case err == nil && file.Dir:
		return nil

	case err == nil:
		return &iofs.PathError{Op: "mkdir", Path: p, Err: iofs.ErrExist}

	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	_, err = m.store.Put(ctx, p, &storage.File{Dir: true})
	return err
}

// InsertFile writes content to p, creating missing parents.
func (m *MemFS) InsertFile(ctx context.Context, p string, content string) error {
	p = clean(p)
	if err := m.CreateDir(ctx, path.Dir(p)); err != nil {
		return err
	}

	_, err := m.store.Put(ctx, p, &storage.File{Content: content})
	return err
}

// CreateSymlink makes p a link to target. Relative targets are resolved
// against the directory holding p.
func (m *MemFS) CreateSymlink(ctx context.Context, p string, target string) error {
	p = clean(p)
	if err := m.CreateDir(ctx, path.Dir(p)); err != nil {
		return err
	}

	_, err := m.store.Put(ctx, p, &storage.File{Link: target})
	return err
}

// Remove deletes p. Directories are removed with everything under them.
func (m *MemFS) Remove(ctx context.Context, p string) error {
	p = clean(p)

	children, err := m.store.List(ctx, p)
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := m.Remove(ctx, child); err != nil {
			return err
		}
	}

	if err := m.store.Remove(ctx, p); err != nil {
		return pathError("remove", p, err)
	}

	return nil
}

func (m *MemFS) Load(ctx context.Context, p string) (string, error) {
	resolved, file, err := m.resolve(ctx, p, true)
	if err != nil {
		return "", pathError("open", p, err)
	}

	if file.Dir {
		return "", pathError("read", resolved, ErrIsDir)
	}

	return file.Content, nil
}

func (m *MemFS) Save(ctx context.Context, p string, content string, lineEnding LineEnding) error {
	target := clean(p)

	if resolved, file, err := m.resolve(ctx, p, true); err == nil {
		if file.Dir {
			return pathError("save", resolved, ErrIsDir)
		}
		target = resolved
	} else if !errors.Is(err, storage.ErrNotFound) {
		return pathError("save", p, err)
	}

	dir, parent, err := m.resolve(ctx, path.Dir(target), true)
	if err != nil {
		return pathError("save", p, err)
	}
	if !parent.Dir {
		return pathError("save", p, ErrNotDir)
	}

	_, err = m.store.Put(ctx, path.Join(dir, path.Base(target)), &storage.File{
		Content: lineEnding.Apply(content),
	})
	return err
}

func (m *MemFS) Metadata(ctx context.Context, p string) (*Metadata, error) {
	_, file, err := m.resolve(ctx, p, false)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pathError("stat", p, err)
	}

	meta := &Metadata{
		Inode:     file.Inode,
		Mtime:     time.UnixMilli(file.Mtime),
		IsSymlink: file.Link != "",
		IsDir:     file.Dir,
	}

	if meta.IsSymlink {
		if _, target, err := m.resolve(ctx, p, true); err == nil {
			meta.Inode = target.Inode
			meta.Mtime = time.UnixMilli(target.Mtime)
			meta.IsDir = target.Dir
		}
	}

	return meta, nil
}

func (m *MemFS) Canonicalize(ctx context.Context, p string) (string, error) {
	resolved, _, err := m.resolve(ctx, p, true)
	if err != nil {
		return "", pathError("canonicalize", p, err)
	}

	return resolved, nil
}

func (m *MemFS) ReadLink(ctx context.Context, p string) (string, error) {
	_, file, err := m.resolve(ctx, p, false)
	if err != nil {
		return "", pathError("readlink", p, err)
	}

	if file.Link == "" {
		return "", pathError("readlink", p, ErrNotSymlink)
	}

	return file.Link, nil
}

func (m *MemFS) ReadDir(ctx context.Context, p string) (PathStream, error) {
	resolved, file, err := m.resolve(ctx, p, true)
	if err != nil {
		return nil, pathError("readdir", p, err)
	}

	if !file.Dir {
		return nil, pathError("readdir", p, ErrNotDir)
	}

	children, err := m.store.List(ctx, resolved)
	if err != nil {
		return nil, err
	}

	// Report children under the path that was asked for, not the link target
	dir := clean(p)
	for i, child := range children {
		children[i] = path.Join(dir, path.Base(child))
	}

	return NewSlicePathStream(children), nil
}

func (m *MemFS) Watch(ctx context.Context, p string, latency time.Duration) (<-chan []string, Watcher, error) {
	root := clean(p)
	if _, _, err := m.resolve(ctx, root, false); err != nil {
		return nil, nil, pathError("watch", p, err)
	}

	updates, stop := m.store.ListenToUpdates()

	ctx, cancel := context.WithCancel(ctx)

	changed := make(chan string, 128)
	out := make(chan []string, 1)

	go func() {
		defer close(changed)
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return

			case update, ok := <-updates:
				if !ok {
					return
				}

				if !within(root, update.Path) {
					continue
				}

				select {
				case changed <- update.Path:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go batch(ctx, changed, out, latency)

	return out, cancelWatcher(cancel), nil
}

// resolve looks p up, following symbolic links in every parent component and
// in the last one when follow is set. It returns the resolved path.
func (m *MemFS) resolve(ctx context.Context, p string, follow bool) (string, *storage.File, error) {
	return m.resolveDepth(ctx, clean(p), follow, 0)
}

func (m *MemFS) resolveDepth(ctx context.Context, p string, follow bool, depth int) (string, *storage.File, error) {
	if depth > maxSymlinkDepth {
		return "", nil, ErrSymlinkLoop
	}

	if p == "/" {
		file, err := m.store.Get(ctx, p)
		if errors.Is(err, storage.ErrNotFound) {
			return p, &storage.File{Dir: true}, nil
		}
		return p, file, err
	}

	dir, parent, err := m.resolveDepth(ctx, path.Dir(p), true, depth)
	if err != nil {
		return "", nil, err
	}
	if !parent.Dir {
		return "", nil, ErrNotDir
	}

	current := path.Join(dir, path.Base(p))
	file, err := m.store.Get(ctx, current)
	if err != nil {
		return "", nil, err
	}

	if file.Link == "" || !follow {
		return current, file, nil
	}

	target := file.Link
	if !path.IsAbs(target) {
		target = path.Join(dir, target)
	}

	return m.resolveDepth(ctx, target, true, depth+1)
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func within(root, p string) bool {
	if root == "/" || p == root {
		return true
	}

	return strings.HasPrefix(p, root+"/")
}

// pathError converts store errors into the errors an os backed Fs returns.
func pathError(op, p string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		err = ErrNotFound
	}

	var pe *iofs.PathError
	if errors.As(err, &pe) {
		return err
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotDir) || errors.Is(err, ErrIsDir) ||
		errors.Is(err, ErrNotSymlink) || errors.Is(err, ErrSymlinkLoop) {
		return &iofs.PathError{Op: op, Path: p, Err: err}
	}

	return fmt.Errorf("%s %s: %w", op, p, err)
}

var _ Fs = (*MemFS)(nil)
