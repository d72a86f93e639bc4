// Package wpasock implements the wpa_supplicant control-interface
// transport: an AF_UNIX SOCK_DGRAM connection where one read syscall
// yields exactly one frame (spec component's device descriptor for the
// wpa dialect). Grounded on matiasdoyle-golang-wpasupplicant's
// unixgramConn: a local ephemeral socket dialed at the supplicant's
// control socket path, with a feeder goroutine forwarding raw
// datagrams instead of that example's internal solicited/unsolicited
// channel split — internal/aggregator does that classification here.
package wpasock

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// DefaultSocketDir is where wpa_supplicant's control sockets live,
// one named after each interface.
const DefaultSocketDir = "/run/wpa_supplicant"

// Conn is an open wpa_supplicant control-interface datagram socket.
type Conn struct {
	c      *net.UnixConn
	local  string
	Frames chan []byte
	Errors chan error
	done   chan struct{}
}

// Dial connects to ifName's control socket under dir (DefaultSocketDir
// if empty) and starts the feeder goroutine.
func Dial(dir, ifName string) (*Conn, error) {
	if dir == "" {
		dir = DefaultSocketDir
	}
	localFile, err := os.CreateTemp("", "wpasock-*.sock")
	if err != nil {
		return nil, fmt.Errorf("wpasock: local socket: %w", err)
	}
	local := localFile.Name()
	localFile.Close()
	os.Remove(local)

	raddr := &net.UnixAddr{Name: filepath.Join(dir, ifName), Net: "unixgram"}
	laddr := &net.UnixAddr{Name: local, Net: "unixgram"}
	c, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		os.Remove(local)
		return nil, fmt.Errorf("wpasock: dial %s: %w", raddr.Name, err)
	}

	conn := &Conn{
		c:      c,
		local:  local,
		Frames: make(chan []byte, 16),
		Errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go conn.feed()
	return conn, nil
}

func (c *Conn) feed() {
	buf := make([]byte, 8192)
	for {
		n, err := c.c.Read(buf)
		if err != nil {
			c.Errors <- err
			close(c.Frames)
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case c.Frames <- frame:
		case <-c.done:
			close(c.Frames)
			return
		}
	}
}

// Write sends data as a single datagram (one frame = one command,
// no trailing terminator needed).
func (c *Conn) Write(data []byte) (int, error) {
	return c.c.Write(data)
}

// Close releases the socket and removes the local ephemeral endpoint.
func (c *Conn) Close() error {
	close(c.done)
	err := c.c.Close()
	os.Remove(c.local)
	return err
}
