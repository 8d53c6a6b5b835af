package proxyproto

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
)

// solIP and solIPv6/SO_ORIGINAL_DST are the getsockopt arguments for
// Linux NAT redirect recovery; pfIoctlRequest is BSD pf(4)'s DIOCNATLOOK.
const (
	solIP          = 0
	solIPv6        = 41
	soOriginalDst  = 80
	pfIoctlRequest = 0xC0544417
)

// transparentQuery resolves the real destination for an intercepted
// socket. ok is false when the query fails or is unavailable.
type transparentQuery func(sock SocketInfo) (host string, port uint16, ok bool)

// transparentBase implements the mechanics shared by the transparent
// family: no client-side handshake at all, a recognizer that queries the
// original destination once and rejects redirect loops, and an optional
// auth-prefix check identical in shape to SS/SSR's.
type transparentBase struct {
	Unsupported
	name  string
	query transparentQuery
}

func (t *transparentBase) Name() string { return t.name }

// Recognize only ever matches in the dispatcher's null-firstByte phase
// (transparent interception has no header to peek), except when an auth
// prefix is configured, in which case it must see that prefix's first
// byte.
func (t *transparentBase) Recognize(firstByte *byte, pc *ParseContext) bool {
	if pc.Sock == nil {
		return false
	}
	host, port, ok := t.query(pc.Sock)
	if !ok {
		return false
	}
	if isLoopback(pc.Sock, host, port) {
		return false
	}
	if len(pc.Auth) > 0 {
		return firstByte != nil && *firstByte == pc.Auth[0]
	}
	return firstByte == nil
}

// isLoopback detects the "original destination equals our own bound
// address" case: a redirect rule pointing back at this proxy.
func isLoopback(sock SocketInfo, host string, port uint16) bool {
	local, localPort, err := net.SplitHostPort(sock.LocalAddr().String())
	if err != nil {
		return false
	}
	return local == host && localPort == strconv.Itoa(int(port))
}

func (t *transparentBase) Parse(ctx context.Context, firstByte *byte, pc *ParseContext) (Target, error) {
	if len(pc.Auth) > 0 {
		rest, err := pc.Reader.ReadN(ctx, len(pc.Auth)-1)
		if err != nil {
			return Target{}, err
		}
		if !bytes.Equal(rest, pc.Auth[1:]) {
			return Target{}, unauthorizedf("%s auth prefix mismatch", t.name)
		}
		pc.AuthTable.SetAuthed()
	}
	host, port, ok := t.query(pc.Sock)
	if !ok {
		return Target{}, unsupportedf("%s: destination unavailable", t.name)
	}
	return Target{Host: host, Port: port}, nil
}

func (t *transparentBase) UDPParse(data []byte, pc *ParseContext) (Target, bool) {
	if len(pc.Auth) > 0 {
		if len(data) < len(pc.Auth) || !bytes.Equal(data[:len(pc.Auth)], pc.Auth) {
			return Target{}, false
		}
		data = data[len(pc.Auth):]
	}
	host, port, ok := t.query(pc.Sock)
	if !ok {
		return Target{}, false
	}
	return Target{Host: host, Port: port, Residual: data}, true
}

// Redir recovers the pre-NAT destination via Linux's SO_ORIGINAL_DST
// getsockopt.
type Redir struct{ transparentBase }

func NewRedir(param string) *Redir {
	r := &Redir{}
	r.name = "redir"
	r.query = redirQuery
	return r
}

// redirQuery classifies IPv4 vs IPv6 by the textual form of the local
// address rather than trusting Family(): a socket bound dual-stack still
// reports the family the kernel stored it under, not the family of the
// intercepted flow.
func redirQuery(sock SocketInfo) (string, uint16, bool) {
	local := sock.LocalAddr().String()
	host, _, _ := net.SplitHostPort(local)
	if strings.Contains(host, ".") {
		buf, err := sock.Getsockopt(solIP, soOriginalDst, 16)
		if err != nil || len(buf) != 16 {
			return "", 0, false
		}
		ip := net.IPv4(buf[4], buf[5], buf[6], buf[7])
		port := binary.BigEndian.Uint16(buf[2:4])
		return ip.String(), port, true
	}
	buf, err := sock.Getsockopt(solIPv6, soOriginalDst, 28)
	if err != nil || len(buf) != 28 {
		return "", 0, false
	}
	ip := net.IP(buf[8:24])
	port := binary.BigEndian.Uint16(buf[2:4])
	return ip.String(), port, true
}

// Pf recovers the pre-NAT destination from BSD's pf(4) state table via
// ioctl(2) against a lazily-opened /dev/pf descriptor. The descriptor is
// opened once and never closed for the process's lifetime.
type Pf struct {
	transparentBase
}

func NewPf(param string) *Pf {
	p := &Pf{}
	p.name = "pf"
	p.query = p.pfQuery
	return p
}

func (p *Pf) pfQuery(sock SocketInfo) (string, uint16, bool) {
	src := sock.RemoteAddr().String()
	dst := sock.LocalAddr().String()
	srcHost, srcPortS, err := net.SplitHostPort(src)
	if err != nil {
		return "", 0, false
	}
	dstHost, dstPortS, err := net.SplitHostPort(dst)
	if err != nil {
		return "", 0, false
	}
	srcPort, err := strconv.Atoi(srcPortS)
	if err != nil {
		return "", 0, false
	}
	dstPort, err := strconv.Atoi(dstPortS)
	if err != nil {
		return "", 0, false
	}
	srcIP := net.ParseIP(srcHost)
	dstIP := net.ParseIP(dstHost)
	if srcIP == nil || dstIP == nil {
		return "", 0, false
	}

	// pfioc_natlook layout, big-endian: saddr(0:16), daddr(16:32), the
	// kernel's translated addresses (rsaddr 32:48, rdaddr 48:64),
	// sport(64:66), pad(66:68), dport(68:70), pad plus the translated
	// ports (70:80), af(80), proto(81), pad(82), direction(83).
	pnl := make([]byte, 84)
	copy(pnl[0:16], pad16(srcIP))
	copy(pnl[16:32], pad16(dstIP))
	binary.BigEndian.PutUint16(pnl[64:66], uint16(srcPort))
	binary.BigEndian.PutUint16(pnl[68:70], uint16(dstPort))
	pnl[80] = byte(sock.Family())
	pnl[81] = 6 // IPPROTO_TCP
	pnl[83] = 2 // PF direction: out

	if err := sock.Ioctl(pfIoctlRequest, pnl); err != nil {
		return "", 0, false
	}
	addrLen := 4
	if srcIP.To4() == nil {
		addrLen = 16
	}
	ip := net.IP(pnl[48 : 48+addrLen])
	port := binary.BigEndian.Uint16(pnl[76:78])
	return ip.String(), port, true
}

func pad16(ip net.IP) []byte {
	out := make([]byte, 16)
	if v4 := ip.To4(); v4 != nil {
		copy(out, v4)
	} else {
		copy(out, ip.To16())
	}
	return out
}

// Tunnel has a fixed or param-derived destination: "host:port", with
// empty fields inheriting the local accept address, or the sentinel
// ("tunnel", 0) meaning "use upstream" when no param is configured.
type Tunnel struct {
	transparentBase
	param string
}

func NewTunnel(param string) *Tunnel {
	t := &Tunnel{param: param}
	t.name = "tunnel"
	t.query = t.tunnelQuery
	return t
}

func (t *Tunnel) tunnelQuery(sock SocketInfo) (string, uint16, bool) {
	if t.param == "" {
		return "tunnel", 0, true
	}
	host, portS, _ := strings.Cut(t.param, ":")
	local, localPort := "", ""
	if sock != nil {
		local, localPort, _ = net.SplitHostPort(sock.LocalAddr().String())
	}
	if host == "" {
		host = local
	}
	if portS == "" {
		portS = localPort
	}
	var port uint16
	if portS != "" {
		if v, err := strconv.Atoi(portS); err == nil {
			port = uint16(v)
		}
	}
	return host, port, true
}

// Connect for Tunnel just forwards the remote-auth bytes from the
// ConnectContext; the tunnel itself has no connect framing.
func (t *Tunnel) Connect(ctx context.Context, host string, port uint16, cc *ConnectContext) error {
	_, err := cc.WriterRemote.Write(cc.RemoteAuth)
	return err
}

func (t *Tunnel) UDPConnect(remoteAuth []byte, host string, port uint16, payload []byte) ([]byte, error) {
	return append(append([]byte(nil), remoteAuth...), payload...), nil
}

// Echo signals the relay layer to loop bytes back to the sender instead of
// dialing out; destination is the sentinel ("echo", 0).
type Echo struct {
	transparentBase
}

func NewEcho(param string) *Echo {
	e := &Echo{}
	e.name = "echo"
	e.query = func(SocketInfo) (string, uint16, bool) { return "echo", 0, true }
	return e
}
