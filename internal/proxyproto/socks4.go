package proxyproto

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
)

// Socks4 implements the SOCKS4 CONNECT-only handshake.
type Socks4 struct {
	Unsupported
	param string
}

func NewSocks4(param string) *Socks4 { return &Socks4{param: param} }

func (s *Socks4) Name() string { return "socks4" }

func (s *Socks4) Recognize(firstByte *byte, pc *ParseContext) bool {
	return firstByte != nil && *firstByte == 0x04
}

// Parse reads the CONNECT request (command, port, IPv4, NUL-terminated
// userid), checks the userid against the configured credential, and sends
// the grant reply.
func (s *Socks4) Parse(ctx context.Context, firstByte *byte, pc *ParseContext) (Target, error) {
	r, w := pc.Reader, pc.Writer

	cmd, err := r.ReadN(ctx, 1)
	if err != nil {
		return Target{}, err
	}
	if cmd[0] != 0x01 {
		return Target{}, malformedf("unsupported SOCKS4 command %d", cmd[0])
	}
	portB, err := r.ReadN(ctx, 2)
	if err != nil {
		return Target{}, err
	}
	ip, err := r.ReadN(ctx, 4)
	if err != nil {
		return Target{}, err
	}
	userid, err := r.ReadUntil(ctx, []byte{0x00})
	if err != nil {
		return Target{}, err
	}
	userid = userid[:len(userid)-1]

	if len(pc.Auth) > 0 {
		if !bytes.Equal(pc.Auth, userid) && !pc.AuthTable.Authed() {
			return Target{}, unauthorizedf("socks4 userid mismatch")
		}
		pc.AuthTable.SetAuthed()
	}

	reply := append([]byte{0x00, 0x5a}, portB...)
	reply = append(reply, ip...)
	if _, err := w.Write(reply); err != nil {
		return Target{}, err
	}

	return Target{Host: net.IP(ip).String(), Port: binary.BigEndian.Uint16(portB)}, nil
}

// Connect issues a client-side CONNECT. SOCKS4 requires the target to
// already be an IPv4 address, so host is resolved first.
func (s *Socks4) Connect(ctx context.Context, host string, port uint16, cc *ConnectContext) error {
	ip, err := resolveIPv4(ctx, host)
	if err != nil {
		return err
	}
	req := []byte{0x04, 0x01}
	req = binary.BigEndian.AppendUint16(req, port)
	req = append(req, ip...)
	req = append(req, cc.RemoteAuth...)
	req = append(req, 0x00)
	if _, err := cc.WriterRemote.Write(req); err != nil {
		return err
	}
	if err := cc.WriterRemote.Drain(ctx); err != nil {
		return err
	}
	head, err := cc.ReaderRemote.ReadN(ctx, 2)
	if err != nil {
		return err
	}
	if !bytes.Equal(head, []byte{0x00, 0x5a}) {
		return malformedf("socks4 connect rejected: % x", head)
	}
	_, err = cc.ReaderRemote.ReadN(ctx, 6)
	return err
}

func resolveIPv4(ctx context.Context, host string) ([]byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	var resolver net.Resolver
	ips, err := resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s for socks4: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no A record for %s", host)
	}
	return ips[0].To4(), nil
}
