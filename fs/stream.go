package fs

import (
	"context"
	"io"
	"sync"
	"time"
)

type slicePathStream struct {
	mu    sync.Mutex
	paths []string
}

// NewSlicePathStream streams the given paths in order.
func NewSlicePathStream(paths []string) PathStream {
	return &slicePathStream{paths: paths}
}

func (s *slicePathStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.paths) == 0 {
		return "", io.EOF
	}

	p := s.paths[0]
	s.paths = s.paths[1:]
	return p, nil
}

func (s *slicePathStream) Close() {
	s.mu.Lock()
	s.paths = nil
	s.mu.Unlock()
}

// Collect drains a stream into a slice.
func Collect(ctx context.Context, stream PathStream) ([]string, error) {
	defer stream.Close()

	var paths []string
	for {
		p, err := stream.Next(ctx)
		if err == io.EOF {
			return paths, nil
		}
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
}

// batch collects changed paths from in and emits them on out, at most once
// per latency window. Paths are deduplicated within a batch. It returns when
// in is closed or ctx is done, closing out.
func batch(ctx context.Context, in <-chan string, out chan<- []string, latency time.Duration) {
	defer close(out)

	var (
		pending []string
		seen    = map[string]struct{}{}
		fire    <-chan time.Time
	)

	flush := func() bool {
		if len(pending) == 0 {
			return true
		}

		select {
		case out <- pending:
		case <-ctx.Done():
			return false
		}

		pending = nil
		seen = map[string]struct{}{}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return

		case p, ok := <-in:
			if !ok {
				flush()
				return
			}

			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				pending = append(pending, p)
			}

			if latency <= 0 {
				if !flush() {
					return
				}
				continue
			}

			if fire == nil {
				fire = time.After(latency)
			}

		case <-fire:
			fire = nil
			if !flush() {
				return
			}
		}
	}
}
