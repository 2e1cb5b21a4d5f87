package protocol

import (
	"errors"
	"io"
)

// Duplex joins the two halves of a pipe pair into one stream, e.g. the stdout
// and stdin of a child process, or os.Stdin and os.Stdout inside it.
func Duplex(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return &duplex{ReadCloser: r, WriteCloser: w}
}

type duplex struct {
	io.ReadCloser
	io.WriteCloser
}

// Close closes the write side first so the peer observes EOF.
func (d *duplex) Close() error {
	return errors.Join(d.WriteCloser.Close(), d.ReadCloser.Close())
}
