package aoxio

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aox/aox/alog"
)

func TestReadline(t *testing.T) {
	log := alog.New("aoxio", nil)
	pool := NewBufpool(2, 16)

	br := bufio.NewReader(strings.NewReader("first\r\nsecond\nthird"))
	line, err := pool.Readline(log, br)
	if err != nil || line != "first" {
		t.Fatalf("first line: %q, %v", line, err)
	}
	line, err = pool.Readline(log, br)
	if err != nil || line != "second" {
		t.Fatalf("second line: %q, %v", line, err)
	}
	// No terminating newline.
	_, err = pool.Readline(log, br)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("unterminated line: %v", err)
	}

	// A line longer than the buffer cannot be recovered from.
	br = bufio.NewReader(strings.NewReader(strings.Repeat("x", 64) + "\r\n"))
	_, err = pool.Readline(log, br)
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("overlong line: %v", err)
	}
}

func TestPrefixConn(t *testing.T) {
	// Only the prefix reads are exercised; the nil net.Conn is never
	// reached.
	c := &PrefixConn{Prefix: []byte("hello")}
	buf := make([]byte, 3)
	n, err := c.Read(buf)
	if err != nil || n != 3 || string(buf[:n]) != "hel" {
		t.Fatalf("first read: %q, %v", buf[:n], err)
	}
	n, err = c.Read(buf)
	if err != nil || n != 2 || string(buf[:n]) != "lo" {
		t.Fatalf("second read: %q, %v", buf[:n], err)
	}
	if c.Prefix != nil {
		t.Fatalf("prefix not cleared")
	}
}
