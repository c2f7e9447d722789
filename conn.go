package main

import (
	"bufio"
	"net"
	"time"

	"github.com/pkg/errors"
)

// writeTimeout bounds how long a single line write may take before we give
// up on the client.
const writeTimeout = 30 * time.Second

// Conn is a line-oriented connection to a client.
type Conn struct {
	conn net.Conn

	// rw: Read/write handle to the connection.
	rw *bufio.ReadWriter

	// idleTimeout: How long a read may wait for a line. Zero means wait
	// forever.
	idleTimeout time.Duration
}

// NewConn initializes a Conn.
func NewConn(conn net.Conn, idleTimeout time.Duration) *Conn {
	return &Conn{
		conn:        conn,
		rw:          bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		idleTimeout: idleTimeout,
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// ReadLine reads one line from the connection, including its terminator.
func (c *Conn) ReadLine() (string, error) {
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return "", errors.Wrap(err, "set read deadline")
		}
	} else {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return "", errors.Wrap(err, "clear read deadline")
		}
	}

	return c.rw.ReadString('\n')
}

// WriteLine writes one line to the connection, appending the terminator.
func (c *Conn) WriteLine(s string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}

	if _, err := c.rw.WriteString(s + "\n"); err != nil {
		return err
	}

	return c.rw.Flush()
}

// isTimeout reports whether the error is a read deadline expiry.
func isTimeout(err error) bool {
	netErr, ok := errors.Cause(err).(net.Error)
	return ok && netErr.Timeout()
}
