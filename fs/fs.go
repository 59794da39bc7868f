// Package fs defines the filesystem capability the remote session serves and
// consumes, with implementations for the local disk and for an in-memory
// store.
package fs

import (
	"context"
	"errors"
	iofs "io/fs"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a path does not exist. It matches
	// io/fs.ErrNotExist with errors.Is.
	ErrNotFound = iofs.ErrNotExist

	ErrNotSymlink = errors.New("not a symbolic link")
	ErrNotDir     = errors.New("not a directory")
	ErrIsDir      = errors.New("is a directory")
)

type LineEnding uint8

const (
	Unix LineEnding = iota
	Windows
)

func (l LineEnding) String() string {
	if l == Windows {
		return "windows"
	}

	return "unix"
}

// Apply normalises text to use the line ending.
func (l LineEnding) Apply(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if l == Windows {
		return strings.ReplaceAll(text, "\n", "\r\n")
	}

	return text
}

type Metadata struct {
	Inode     uint64
	Mtime     time.Time
	IsSymlink bool
	IsDir     bool
}

// PathStream yields paths one at a time. Next returns io.EOF once the stream
// is exhausted.
type PathStream interface {
	Next(ctx context.Context) (string, error)
	Close()
}

// Watcher stops a watch when closed.
type Watcher interface {
	Close() error
}

// Fs is the filesystem capability set.
type Fs interface {
	Load(ctx context.Context, path string) (string, error)
	Save(ctx context.Context, path string, content string, lineEnding LineEnding) error

	// Metadata returns nil and no error when path does not exist.
	Metadata(ctx context.Context, path string) (*Metadata, error)

	Canonicalize(ctx context.Context, path string) (string, error)
	ReadLink(ctx context.Context, path string) (string, error)
	ReadDir(ctx context.Context, path string) (PathStream, error)

	// Watch reports batches of changed paths anywhere below path until the
	// watcher is closed or ctx is done. Changes within latency of each other are
	// reported together.
	Watch(ctx context.Context, path string, latency time.Duration) (<-chan []string, Watcher, error)
}
