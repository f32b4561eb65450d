package aox

import (
	"context"
	"net"
	"strings"
	"syscall"
	"time"
)

func immediateDeadline() time.Time {
	return time.Now().Add(-time.Second)
}

// Network returns the network for the address: "ip" addresses get "tcp4" or
// "tcp6" so we don't accidentally listen on the wrong protocol family.
func Network(ip string) string {
	if strings.Contains(ip, ":") {
		return "tcp6"
	}
	return "tcp4"
}

// Listen creates a listener. When the configuration asks for multiple worker
// processes, each worker binds the same address with SO_REUSEPORT so the
// kernel distributes incoming connections over the workers; there is no
// shared memory between them, coherence comes through database
// notifications.
func Listen(network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{}
	if Conf.Processes > 1 {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = setReusePort(int(fd))
			})
			if err != nil {
				return err
			}
			return serr
		}
	}
	return lc.Listen(context.Background(), network, addr)
}
