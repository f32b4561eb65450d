package sieveserver

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/aox/aox/alog"
)

// testConn is a net.Conn reading from a fixed buffer, enough for the
// tokenizer.
type testConn struct {
	io.Reader
}

func (testConn) Write(p []byte) (int, error)      { return len(p), nil }
func (testConn) Close() error                     { return nil }
func (testConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (testConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (testConn) SetDeadline(time.Time) error      { return nil }
func (testConn) SetReadDeadline(time.Time) error  { return nil }
func (testConn) SetWriteDeadline(time.Time) error { return nil }

func targs(t *testing.T, line, followup string) []string {
	t.Helper()
	c := &conn{log: alog.New("sieveserver", nil), conn: testConn{strings.NewReader(followup)}}
	c.br = bufio.NewReader(c.conn)
	defer func() {
		if x := recover(); x != nil {
			t.Fatalf("tokenizing %q: %v", line, x)
		}
	}()
	return c.args(line)
}

func TestArgs(t *testing.T) {
	l := targs(t, `"quoted" atom "with \"escape\""`, "")
	if len(l) != 3 || l[0] != "quoted" || l[1] != "atom" || l[2] != `with "escape"` {
		t.Fatalf("args: %q", l)
	}

	// A literal continues with its bytes and then the rest of the command
	// on the following line.
	l = targs(t, `"r" {4+}`, "abcd\r\n")
	if len(l) != 2 || l[0] != "r" || l[1] != "abcd" {
		t.Fatalf("literal args: %q", l)
	}

	if l := targs(t, "", ""); len(l) != 0 {
		t.Fatalf("empty line args: %q", l)
	}
}

func TestQuoted(t *testing.T) {
	if got := quoted(`Created mailbox "/users/u/saved".`); got != `"Created mailbox \"/users/u/saved\"."` {
		t.Fatalf("quoted: %s", got)
	}
}
