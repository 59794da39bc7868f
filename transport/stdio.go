package transport

import (
	"io"
	"os"

	"go.uber.org/multierr"
)

// Pipe joins a reader and a writer into one stream. Closing it closes both.
type Pipe struct {
	io.Reader
	io.Writer

	closers []io.Closer
}

func NewPipe(r io.ReadCloser, w io.WriteCloser) *Pipe {
	return &Pipe{Reader: r, Writer: w, closers: []io.Closer{r, w}}
}

func (p *Pipe) Close() (err error) {
	for _, c := range p.closers {
		err = multierr.Append(err, c.Close())
	}

	return err
}

// Stdio is the stream a process serves when it was spawned by its peer:
// frames arrive on stdin and leave on stdout.
func Stdio() *Pipe {
	return NewPipe(os.Stdin, os.Stdout)
}
