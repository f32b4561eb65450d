package aoxio

import (
	"net"
)

// PrefixConn is a net.Conn whose first reads are satisfied from a buffer.
// Used for STARTTLS when a buffered read already consumed initial TLS bytes,
// and for handing already-decompressed bytes back after installing a
// compression layer.
type PrefixConn struct {
	Prefix []byte
	net.Conn
}

func (c *PrefixConn) Read(buf []byte) (int, error) {
	if len(c.Prefix) > 0 {
		n := min(len(buf), len(c.Prefix))
		copy(buf[:n], c.Prefix[:n])
		c.Prefix = c.Prefix[n:]
		if len(c.Prefix) == 0 {
			c.Prefix = nil
		}
		return n, nil
	}
	return c.Conn.Read(buf)
}
