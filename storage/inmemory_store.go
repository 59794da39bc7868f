package storage

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	UpdateBufferSize = 255

	filesKey = "files"
)

// InmemoryStore keeps every entry in a single JSON document:
//
//   {"files": {"/a": {"content": "...", "dir": false, "link": "", "mtime": 0, "inode": 1}}}
type InmemoryStore struct {
	mu        sync.Mutex
	values    []byte
	nextInode uint64

	listeners map[int]chan *Update
	nextID    int

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:    []byte("{}"),
		nextInode: 1,
		listeners: make(map[int]chan *Update),
		stop:      make(chan struct{}),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for id, updateChan := range i.listeners {
		close(updateChan)
		delete(i.listeners, id)
	}

	return nil
}

// Put stores file at path. The inode of an existing entry is kept, new
// entries get a fresh one. A zero Mtime is set to now.
func (i *InmemoryStore) Put(ctx context.Context, p string, file *File) (*File, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil, ErrClosed
	}

	stored := *file
	if existing := gjson.GetBytes(i.values, keyPath(p)); existing.Exists() {
		stored.Inode = existing.Get("inode").Uint()
	} else {
		stored.Inode = i.nextInode
		i.nextInode++
	}

	if stored.Mtime == 0 {
		stored.Mtime = time.Now().UnixMilli()
	}

	values, err := sjson.SetBytes(i.values, keyPath(p), map[string]interface{}{
		"content": stored.Content,
		"dir":     stored.Dir,
		"link":    stored.Link,
		"mtime":   stored.Mtime,
		"inode":   stored.Inode,
	})
	if err != nil {
		return nil, err
	}

	i.values = values
	i.publish(&Update{Path: p})

	return &stored, nil
}

func (i *InmemoryStore) Get(ctx context.Context, p string) (*File, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	result := gjson.GetBytes(i.values, keyPath(p))
	if !result.Exists() {
		return nil, ErrNotFound
	}

	return fileFromResult(result), nil
}

func (i *InmemoryStore) Remove(ctx context.Context, p string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return ErrClosed
	}

	if !gjson.GetBytes(i.values, keyPath(p)).Exists() {
		return ErrNotFound
	}

	values, err := sjson.DeleteBytes(i.values, keyPath(p))
	if err != nil {
		return err
	}

	i.values = values
	i.publish(&Update{Path: p, Removed: true})

	return nil
}

func (i *InmemoryStore) List(ctx context.Context, dir string) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var children []string

	gjson.GetBytes(i.values, filesKey).ForEach(func(key, _ gjson.Result) bool {
		p := key.String()
		if p != dir && path.Dir(p) == dir {
			children = append(children, p)
		}
		return true
	})

	sort.Strings(children)
	return children, nil
}

func (i *InmemoryStore) ListenToUpdates() (<-chan *Update, func()) {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, UpdateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan, func() {}
	}

	id := i.nextID
	i.nextID++
	i.listeners[id] = updateChan

	return updateChan, func() {
		i.mu.Lock()
		defer i.mu.Unlock()

		if ch, ok := i.listeners[id]; ok {
			close(ch)
			delete(i.listeners, id)
		}
	}
}

func (i *InmemoryStore) Restore(values []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !gjson.ValidBytes(values) {
		return ErrInvalidBackup
	}

	i.values = append([]byte(nil), values...)

	// Never hand out an inode already in the restored document
	gjson.GetBytes(i.values, filesKey).ForEach(func(_, value gjson.Result) bool {
		if inode := value.Get("inode").Uint(); inode >= i.nextInode {
			i.nextInode = inode + 1
		}
		return true
	})

	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return append([]byte(nil), i.values...), nil
}

// publish must be called with mu held. Slow listeners miss updates rather
// than blocking writers.
func (i *InmemoryStore) publish(update *Update) {
	for _, updateChan := range i.listeners {
		select {
		case updateChan <- update:
		default:
		}
	}
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

func fileFromResult(result gjson.Result) *File {
	return &File{
		Content: result.Get("content").String(),
		Dir:     result.Get("dir").Bool(),
		Link:    result.Get("link").String(),
		Mtime:   result.Get("mtime").Int(),
		Inode:   result.Get("inode").Uint(),
	}
}

// keyPath builds the gjson/sjson path of an entry. Paths are used as a single
// object key so every character the path syntax gives meaning to is escaped.
func keyPath(p string) string {
	var b strings.Builder
	b.Grow(len(filesKey) + 1 + len(p)*2)
	b.WriteString(filesKey)
	b.WriteByte('.')

	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '/', r == '-', r == '_', r > 0x7f:
		default:
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}

	return b.String()
}

var _ Store = (*InmemoryStore)(nil)
