package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// OSFS serves the local disk.
type OSFS struct {
	log *zap.Logger
}

func NewOS(log *zap.Logger) *OSFS {
	if log == nil {
		log = zap.NewNop()
	}

	return &OSFS{log: log}
}

func (o *OSFS) Load(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Save writes content through a temporary file in the same directory that is
// renamed over path, readers never see a half written file.
func (o *OSFS) Save(ctx context.Context, path string, content string, lineEnding LineEnding) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return fmt.Errorf("saving %s: %w", path, ErrIsDir)
		}
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	defer func() {
		// Only does anything if the rename did not happen
		os.Remove(tmp.Name())
	}()

	if _, err := tmp.WriteString(lineEnding.Apply(content)); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

func (o *OSFS) Metadata(ctx context.Context, path string) (*Metadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	meta := &Metadata{
		Mtime:     info.ModTime(),
		IsSymlink: info.Mode()&os.ModeSymlink != 0,
		IsDir:     info.IsDir(),
	}

	if meta.IsSymlink {
		// Report what the link points at, a dangling link is just a link
		if target, err := os.Stat(path); err == nil {
			info = target
			meta.Mtime = target.ModTime()
			meta.IsDir = target.IsDir()
		}
	}

	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		meta.Inode = st.Ino
	}

	return meta, nil
}

func (o *OSFS) Canonicalize(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.EvalSymlinks(abs)
}

func (o *OSFS) ReadLink(ctx context.Context, path string) (string, error) {
	return os.Readlink(path)
}

func (o *OSFS) ReadDir(ctx context.Context, path string) (PathStream, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		paths = append(paths, filepath.Join(path, entry.Name()))
	}
	sort.Strings(paths)

	return NewSlicePathStream(paths), nil
}

func (o *OSFS) Watch(ctx context.Context, path string, latency time.Duration) (<-chan []string, Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	if _, err := watchTree(w, path); err != nil {
		w.Close()
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	changed := make(chan string, 128)
	out := make(chan []string, 1)

	log := o.log.Named("watch").With(zap.String("path", path))

	go func() {
		defer close(changed)
		defer w.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}

				paths := []string{ev.Name}

				// New directories are watched too. Whatever was created in
				// them before the watch was added is reported now.
				if ev.Has(fsnotify.Create) {
					if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
						found, err := watchTree(w, ev.Name)
						if err != nil {
							log.Warn("Failed to watch new directory", zap.String("dir", ev.Name), zap.Error(err))
						}
						paths = append(paths, found...)
					}
				}

				for _, p := range paths {
					select {
					case changed <- p:
					case <-ctx.Done():
						return
					}
				}

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("Watch error", zap.Error(err))
			}
		}
	}()

	go batch(ctx, changed, out, latency)

	return out, cancelWatcher(cancel), nil
}

// watchTree adds root and every directory below it to w. It returns the
// paths found below root.
func watchTree(w *fsnotify.Watcher, root string) ([]string, error) {
	var found []string

	err := filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p == root {
			return w.Add(p)
		}

		found = append(found, p)

		if !d.IsDir() {
			return nil
		}

		return w.Add(p)
	})

	return found, err
}

// cancelWatcher stops a watch by cancelling the context its goroutines run
// under.
type cancelWatcher context.CancelFunc

func (c cancelWatcher) Close() error {
	c()
	return nil
}

var _ Fs = (*OSFS)(nil)
