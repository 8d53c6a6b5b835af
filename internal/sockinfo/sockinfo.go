// Package sockinfo supplies the concrete proxyproto.SocketInfo
// implementation used at the listener edge. proxyproto itself stays free
// of platform syscalls; this package is the only place that makes them,
// following the same conn.SyscallConn().Control pattern the wider example
// corpus uses for raw socket option access.
package sockinfo

import (
	"fmt"
	"net"
)

// TCP wraps a *net.TCPConn with the raw introspection primitives
// proxyproto.SocketInfo requires. Getsockopt/Ioctl are implemented per
// platform in sockinfo_linux.go / sockinfo_bsd.go / sockinfo_other.go.
type TCP struct {
	conn *net.TCPConn
}

// New wraps conn for use as a proxyproto.SocketInfo.
func New(conn *net.TCPConn) *TCP {
	return &TCP{conn: conn}
}

func (t *TCP) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *TCP) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// Family reports syscall.AF_INET or syscall.AF_INET6 based on the local
// address's textual form, matching the heuristic the rest of this package
// uses rather than requiring an extra syscall round trip.
func (t *TCP) Family() int {
	return addrFamily(t.conn.LocalAddr())
}

func errUnsupported(what string) error {
	return fmt.Errorf("sockinfo: %s unsupported on this platform", what)
}
