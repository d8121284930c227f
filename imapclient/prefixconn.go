package imapclient

import (
	"io"
	"net"
)

// prefixConn is a net.Conn that first hands out a fixed prefix, then reads
// from the wrapped connection. Used when upgrading the connection for
// StartTLS or CompressDeflate: bytes the server sent after its tagged OK may
// already sit in our read buffer and belong to the new layer.
type prefixConn struct {
	prefix []byte
	net.Conn
}

func (c *prefixConn) Read(buf []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(buf)
	}
	n := copy(buf, c.prefix)
	c.prefix = c.prefix[n:]
	if len(c.prefix) == 0 {
		c.prefix = nil
	}
	return n, nil
}

// xprefixConn drains the read buffer and returns a connection that replays
// those bytes before reading the wire again, or the bare connection when
// nothing was buffered.
func (c *Conn) xprefixConn() net.Conn {
	n := c.br.Buffered()
	if n == 0 {
		return c.conn
	}

	buf := make([]byte, n)
	_, err := io.ReadFull(c.br, buf)
	c.xcheckf(err, "draining buffered reads")
	return &prefixConn{buf, c.conn}
}
