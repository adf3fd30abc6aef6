package protocol

import (
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// LineConn writes whole protocol lines to a connection. Concurrent writers
// are serialised so lines never interleave.
type LineConn struct {
	conn    net.Conn
	mu      sync.Mutex
	timeout time.Duration
}

// NewLineConn wraps conn. A positive timeout bounds every write.
func NewLineConn(conn net.Conn, timeout time.Duration) *LineConn {
	return &LineConn{conn: conn, timeout: timeout}
}

// Send writes line followed by a newline.
func (c *LineConn) Send(line string) error {
	return c.write([]byte(line + "\n"))
}

// Write sends raw bytes, such as file contents following a command.
func (c *LineConn) Write(p []byte) (int, error) {
	if err := c.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *LineConn) write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	if _, err := c.conn.Write(p); err != nil {
		return errors.Wrapf(err, "write to %s", c.conn.RemoteAddr())
	}
	return nil
}

func (c *LineConn) Close() error {
	return c.conn.Close()
}

func (c *LineConn) String() string {
	return c.conn.RemoteAddr().String()
}
