// Package aoxio has common i/o functions for the protocol servers and the
// database client: bounded line reading, protocol tracing, a panic-safe
// deflate writer and connection helpers.
package aoxio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aox/aox/alog"
)

// ErrLineTooLong is returned by Bufpool.Readline for an overlong line from
// the remote. Our line protocols cannot resynchronise after one, so callers
// close the connection.
var ErrLineTooLong = errors.New("line from remote too long")

// Bufpool caches byte slices for reuse while reading line-terminated
// commands.
type Bufpool struct {
	c    chan []byte
	size int
}

// NewBufpool makes a new pool, initially empty, holding at most max buffers
// of size bytes each.
func NewBufpool(max, size int) *Bufpool {
	return &Bufpool{
		c:    make(chan []byte, max),
		size: size,
	}
}

func (b *Bufpool) get() []byte {
	var buf []byte
	select {
	case buf = <-b.c:
	default:
	}
	if buf == nil {
		buf = make([]byte, b.size)
	}
	return buf
}

// put returns buf to the pool, clearing the first n bytes that were used. A
// full pool discards the buffer.
func (b *Bufpool) put(log alog.Log, buf []byte, n int) {
	if len(buf) != b.size {
		log.Error("buffer with bad size returned, ignoring", slog.Int("badsize", len(buf)), slog.Int("expsize", b.size))
		return
	}
	for i := range n {
		buf[i] = 0
	}
	select {
	case b.c <- buf:
	default:
	}
}

// Readline reads a \n- or \r\n-terminated line, returned without the line
// ending. If the line does not fit in a buffer, ErrLineTooLong is returned.
// If EOF is encountered before a \n, io.ErrUnexpectedEOF is returned.
func (b *Bufpool) Readline(log alog.Log, r *bufio.Reader) (line string, rerr error) {
	var nread int
	buf := b.get()
	defer func() {
		b.put(log, buf, nread)
	}()

	// Read until newline. If the buffer fills up first, the connection is
	// beyond recovery: we will not consume unbounded data hunting for a
	// newline that may never come.
	for {
		if nread >= len(buf) {
			return "", fmt.Errorf("%w: no newline after all %d bytes", ErrLineTooLong, nread)
		}
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if c == '\n' {
			var s string
			if nread > 0 && buf[nread-1] == '\r' {
				s = string(buf[:nread-1])
			} else {
				s = string(buf[:nread])
			}
			nread++
			return s, nil
		}
		buf[nread] = c
		nread++
	}
}
