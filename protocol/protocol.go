// Package protocol implements the frame layer of vdesk-rpc.
//
// Every message travels as one length-prefixed frame on a duplex byte stream
// (child process stdio, a unix or tcp socket, an in-process pipe). The reader
// accumulates bytes until the 4-byte prefix is complete, then until the whole
// payload is buffered, and only then hands the payload to the message layer.
//
// Frame format:
//
//	0         4
//	┌─────────┬──────────────────┐
//	│ length  │  payload ...     │
//	│ uint32  │  length bytes    │
//	│ LE      │                  │
//	└─────────┴──────────────────┘
//
// A length of 0 is a keepalive. It carries no payload and is never handed to
// the message parser.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	LengthSize = 4 // size of the little-endian length prefix

	// DefaultMaxFrameSize bounds payloads when no limit is configured.
	DefaultMaxFrameSize uint32 = 4 << 20

	initialBufferSize = 4096
	retainedWriteSize = 64 << 10
)

var (
	// ErrFrameTooLarge is returned by ReadFrame when the size check rejects a
	// frame. The payload has already been consumed, so the reader is still
	// aligned on the next frame and may be used again.
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// ErrWriteSkipped is returned by WriteFrame when the substitute callback
	// cancelled the write. Nothing was written.
	ErrWriteSkipped = errors.New("protocol: write skipped")
)

// SizeCheck reports whether a frame with a payload of n bytes is acceptable.
// It runs before any payload byte is buffered.
type SizeCheck func(n uint32) bool

// MaxSize returns a SizeCheck accepting payloads up to limit bytes.
func MaxSize(limit uint32) SizeCheck {
	return func(n uint32) bool { return n <= limit }
}

// Substitute is consulted with the encoded payload right before it is
// written. It returns the payload to write instead (possibly the same slice),
// or ok=false to cancel the write.
type Substitute func(payload []byte) (replacement []byte, ok bool)

// FrameReader reads frames from a byte stream. It is not safe for concurrent
// use: a stream has exactly one reading goroutine.
type FrameReader struct {
	r      io.Reader
	accept SizeCheck
	buf    []byte // growable accumulation buffer
	start  int    // first unconsumed byte
	end    int    // one past the last buffered byte
}

// NewFrameReader returns a reader over r. A nil accept admits any size.
func NewFrameReader(r io.Reader, accept SizeCheck) *FrameReader {
	return &FrameReader{
		r:      r,
		accept: accept,
		buf:    make([]byte, initialBufferSize),
	}
}

// ReadFrame returns the payload of the next non-empty frame. The returned
// slice is owned by the caller.
//
// When the size check rejects a frame, ReadFrame consumes its payload and
// returns an error wrapping ErrFrameTooLarge. Every other error is terminal
// and a truncated frame is reported as io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		for fr.buffered() < LengthSize {
			if err := fr.fill(); err != nil {
				return nil, err
			}
		}

		n := binary.LittleEndian.Uint32(fr.buf[fr.start:])
		if n == 0 {
			fr.start += LengthSize
			continue
		}

		if fr.accept != nil && !fr.accept(n) {
			fr.start += LengthSize
			if err := fr.discard(int64(n)); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}

		total := LengthSize + int(n)
		fr.reserve(total)
		for fr.buffered() < total {
			if err := fr.fill(); err != nil {
				return nil, err
			}
		}

		payload := make([]byte, n)
		copy(payload, fr.buf[fr.start+LengthSize:fr.start+total])
		fr.start += total
		fr.compact()
		return payload, nil
	}
}

func (fr *FrameReader) buffered() int {
	return fr.end - fr.start
}

// fill performs one Read into the free tail of the buffer.
func (fr *FrameReader) fill() error {
	if fr.end == len(fr.buf) {
		fr.compact()
		if fr.end == len(fr.buf) {
			fr.grow(2 * len(fr.buf))
		}
	}

	n, err := fr.r.Read(fr.buf[fr.end:])
	fr.end += n
	if n > 0 {
		return nil
	}
	if err == nil {
		return io.ErrNoProgress
	}
	if errors.Is(err, io.EOF) && fr.buffered() > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}

// reserve makes room for a frame of total bytes starting at fr.start.
func (fr *FrameReader) reserve(total int) {
	if len(fr.buf)-fr.start >= total {
		return
	}
	fr.compact()
	if len(fr.buf) < total {
		fr.grow(total)
	}
}

func (fr *FrameReader) grow(size int) {
	buf := make([]byte, size)
	copy(buf, fr.buf[fr.start:fr.end])
	fr.end -= fr.start
	fr.start = 0
	fr.buf = buf
}

// compact shifts leftover bytes (the start of the next frame) to the front.
func (fr *FrameReader) compact() {
	if fr.start == 0 {
		return
	}
	copy(fr.buf, fr.buf[fr.start:fr.end])
	fr.end -= fr.start
	fr.start = 0
}

// discard drops n payload bytes, first from the buffer, then from the stream.
func (fr *FrameReader) discard(n int64) error {
	buffered := int64(fr.buffered())
	if buffered >= n {
		fr.start += int(n)
		fr.compact()
		return nil
	}
	n -= buffered
	fr.start, fr.end = 0, 0

	copied, err := io.CopyN(io.Discard, fr.r, n)
	if err != nil {
		if errors.Is(err, io.EOF) && copied < n {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// FrameWriter writes frames to a byte stream. It is not safe for concurrent
// use: the caller must serialize writes, otherwise the prefix of one frame
// may interleave with the payload of another and corrupt the stream.
type FrameWriter struct {
	w   io.Writer
	buf []byte
}

// NewFrameWriter returns a writer over w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes the length prefix and payload as a single Write call.
// An empty payload is written as a keepalive. check may swap the payload for
// another one or cancel the write, in which case ErrWriteSkipped is returned.
func (fw *FrameWriter) WriteFrame(payload []byte, check Substitute) error {
	if check != nil {
		replacement, ok := check(payload)
		if !ok {
			return ErrWriteSkipped
		}
		payload = replacement
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	if len(payload) == 0 {
		// Indistinguishable from a keepalive on the wire.
		return fw.WriteKeepalive()
	}

	fw.buf = binary.LittleEndian.AppendUint32(fw.buf[:0], uint32(len(payload)))
	fw.buf = append(fw.buf, payload...)
	_, err := fw.w.Write(fw.buf)

	if cap(fw.buf) > retainedWriteSize {
		fw.buf = nil
	}
	return err
}

// WriteKeepalive writes a zero-length frame.
func (fw *FrameWriter) WriteKeepalive() error {
	var prefix [LengthSize]byte
	_, err := fw.w.Write(prefix[:])
	return err
}
