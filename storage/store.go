package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("no such file")
	ErrClosed   = errors.New("store is closed")

	ErrInvalidBackup = errors.New("backup is not valid json")
)

// File is one entry of the store. Directories have Dir set, symbolic links
// have a non empty Link.
type File struct {
	Content string
	Dir     bool
	Link    string
	Mtime   int64
	Inode   uint64
}

// Update notifies listeners that the entry at Path changed.
type Update struct {
	Path    string
	Removed bool
}

type Store interface {
	Put(ctx context.Context, path string, file *File) (*File, error)
	Get(ctx context.Context, path string) (*File, error)
	Remove(ctx context.Context, path string) error

	// List returns the sorted paths of the direct children of dir.
	List(ctx context.Context, dir string) ([]string, error)

	Restore(values []byte) error
	Backup() ([]byte, error)

	// ListenToUpdates returns a channel of updates and a function that
	// stops them.
	ListenToUpdates() (<-chan *Update, func())

	Close() error
}
