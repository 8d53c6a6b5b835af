package server

import (
	"context"
	"net"

	"github.com/postalsys/protoflex/internal/ioadapt"
	"github.com/postalsys/protoflex/internal/proxyproto"
)

// newConnReader wraps an accepted net.Conn as the ioadapt.Reader every
// proxyproto.Handler.Parse expects.
func newConnReader(conn net.Conn, bufSize int) *ioadapt.Reader {
	return ioadapt.NewReader(conn, bufSize)
}

// connWriter adapts a net.Conn to proxyproto.Writer. Writes to a TCP
// socket are not buffered by this package, so Drain is a no-op; the
// kernel send buffer is flushed on Close.
type connWriter struct {
	conn net.Conn
}

func (w *connWriter) Write(p []byte) (int, error) { return w.conn.Write(p) }
func (w *connWriter) Drain(ctx context.Context) error {
	return ctx.Err()
}
func (w *connWriter) Close() error { return w.conn.Close() }

// readerConn re-routes a connection's reads through the ioadapt.Reader the
// handshake ran on, so bytes the reader already buffered past the
// handshake are not lost and any decoder installed mid-handshake (the
// Shadowsocks One-Time-Auth chunk decoder) keeps applying to relayed
// bytes. Writes optionally go through a proxyproto.Writer for the same
// reason on the outbound side: a client-side Connect may have wrapped the
// writer in chunked framing.
type readerConn struct {
	net.Conn
	r     *ioadapt.Reader
	w     proxyproto.Writer
	carry []byte
}

func (c *readerConn) Read(p []byte) (int, error) {
	if len(c.carry) == 0 {
		b, err := c.r.ReadAny(context.Background())
		if err != nil {
			return 0, err
		}
		c.carry = b
	}
	n := copy(p, c.carry)
	c.carry = c.carry[n:]
	return n, nil
}

func (c *readerConn) Write(p []byte) (int, error) {
	if c.w != nil {
		return c.w.Write(p)
	}
	return c.Conn.Write(p)
}
