package proxyproto

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/postalsys/protoflex/internal/addr"
)

// SOCKS5 constants per RFC 1928/1929, restricted to CONNECT; BIND and UDP
// ASSOCIATE commands are not part of this engine's address-resolution
// contract, which only ever returns a single (host, port, residual)
// target per parse.
const (
	socks5Version = 0x05
)

// Socks5 implements the SOCKS5 protocol.
type Socks5 struct {
	Unsupported
	param string
}

// NewSocks5 constructs a SOCKS5 handler. param is accepted for registry
// symmetry with other protocols but is currently unused.
func NewSocks5(param string) *Socks5 { return &Socks5{param: param} }

func (s *Socks5) Name() string { return "socks5" }

func (s *Socks5) Recognize(firstByte *byte, pc *ParseContext) bool {
	return firstByte != nil && *firstByte == socks5Version
}

// Parse runs the server-side handshake: method negotiation, optional
// username/password sub-negotiation, the CONNECT command frame, address
// decode, and the success reply echoing the requested address.
func (s *Socks5) Parse(ctx context.Context, firstByte *byte, pc *ParseContext) (Target, error) {
	r, w := pc.Reader, pc.Writer

	nMethods, err := r.ReadN(ctx, 1)
	if err != nil {
		return Target{}, err
	}
	methods, err := r.ReadN(ctx, int(nMethods[0]))
	if err != nil {
		return Target{}, err
	}

	if len(pc.Auth) > 0 && (!bytes.Contains(methods, []byte{0x00}) || !pc.AuthTable.Authed()) {
		if _, err := w.Write([]byte{socks5Version, 0x02}); err != nil {
			return Target{}, err
		}
		sub, err := r.ReadN(ctx, 1)
		if err != nil {
			return Target{}, err
		}
		if sub[0] != 0x01 {
			return Target{}, malformedf("unknown SOCKS5 sub-negotiation version %d", sub[0])
		}
		uLen, err := r.ReadN(ctx, 1)
		if err != nil {
			return Target{}, err
		}
		user, err := r.ReadN(ctx, int(uLen[0]))
		if err != nil {
			return Target{}, err
		}
		pLen, err := r.ReadN(ctx, 1)
		if err != nil {
			return Target{}, err
		}
		pass, err := r.ReadN(ctx, int(pLen[0]))
		if err != nil {
			return Target{}, err
		}
		want := append(append(append([]byte(nil), user...), ':'), pass...)
		if !bytes.Equal(want, pc.Auth) {
			return Target{}, unauthorizedf("socks5 user/pass mismatch")
		}
		if _, err := w.Write([]byte{0x01, 0x00}); err != nil {
			return Target{}, err
		}
	} else {
		if _, err := w.Write([]byte{socks5Version, 0x00}); err != nil {
			return Target{}, err
		}
	}
	if len(pc.Auth) > 0 {
		pc.AuthTable.SetAuthed()
	}

	head, err := r.ReadN(ctx, 3)
	if err != nil {
		return Target{}, err
	}
	if !bytes.Equal(head, []byte{0x05, 0x01, 0x00}) {
		return Target{}, malformedf("unsupported SOCKS5 command frame % x", head)
	}

	typeB, err := r.ReadN(ctx, 1)
	if err != nil {
		return Target{}, err
	}
	a, err := addr.Decode(ctx, r, typeB[0])
	if err != nil {
		return Target{}, err
	}

	reply := append([]byte{0x05, 0x00, 0x00}, typeB[0])
	reply = append(reply, a.Raw...)
	if _, err := w.Write(reply); err != nil {
		return Target{}, err
	}

	return Target{Host: a.Host, Port: a.Port}, nil
}

// Connect issues the client-side CONNECT: optional
// username/password sub-negotiation (when remoteAuth is "user:pass"),
// then the CONNECT request, then consuming the reply's variable-length
// bound address.
func (s *Socks5) Connect(ctx context.Context, host string, port uint16, cc *ConnectContext) error {
	r, w := cc.ReaderRemote, cc.WriterRemote

	var greeting []byte
	if len(cc.RemoteAuth) > 0 {
		greeting = []byte{0x05, 0x01, 0x02}
	} else {
		greeting = []byte{0x05, 0x01, 0x00}
	}
	if _, err := w.Write(greeting); err != nil {
		return err
	}
	if len(cc.RemoteAuth) > 0 {
		parts := bytes.SplitN(cc.RemoteAuth, []byte(":"), 2)
		user := parts[0]
		var pass []byte
		if len(parts) > 1 {
			pass = parts[1]
		}
		neg := append([]byte{0x01, byte(len(user))}, user...)
		neg = append(neg, byte(len(pass)))
		neg = append(neg, pass...)
		if _, err := w.Write(neg); err != nil {
			return err
		}
	}
	req := append([]byte{0x05, 0x01, 0x00, 0x03}, byte(len(host)))
	req = append(req, host...)
	req = binary.BigEndian.AppendUint16(req, port)
	if _, err := w.Write(req); err != nil {
		return err
	}
	if err := w.Drain(ctx); err != nil {
		return err
	}

	// Method selection + (optional) auth status reply.
	if _, err := r.ReadN(ctx, 2); err != nil {
		return err
	}
	if len(cc.RemoteAuth) > 0 {
		if _, err := r.ReadN(ctx, 2); err != nil {
			return err
		}
	}
	// CONNECT reply: VER REP RSV ATYP BND.ADDR BND.PORT.
	head, err := r.ReadN(ctx, 4)
	if err != nil {
		return err
	}
	switch addr.Type(head[3]) {
	case addr.TypeIPv4:
		if _, err := r.ReadN(ctx, 4+2); err != nil {
			return err
		}
	case addr.TypeIPv6:
		if _, err := r.ReadN(ctx, 16+2); err != nil {
			return err
		}
	case addr.TypeDomain:
		lb, err := r.ReadN(ctx, 1)
		if err != nil {
			return err
		}
		if _, err := r.ReadN(ctx, int(lb[0])+2); err != nil {
			return err
		}
	default:
		return malformedf("unknown bound address type in SOCKS5 reply")
	}
	return nil
}

// UDPParse decodes one datagram: 00 00 00 || addr || payload.
func (s *Socks5) UDPParse(data []byte, pc *ParseContext) (Target, bool) {
	if len(data) < 4 || data[0] != 0 || data[1] != 0 || data[2] != 0 {
		return Target{}, false
	}
	if !addr.Valid(data[3]) {
		return Target{}, false
	}
	a, n, err := addr.DecodeBuffer(data[4:], data[3])
	if err != nil {
		return Target{}, false
	}
	return Target{Host: a.Host, Port: a.Port, Residual: data[4+n:]}, true
}

// UDPConnect prefixes payload with the zero reserved bytes and encoded
// address.
func (s *Socks5) UDPConnect(remoteAuth []byte, host string, port uint16, payload []byte) ([]byte, error) {
	out := append([]byte{0x00, 0x00, 0x00}, addr.Encode(host, port)...)
	return append(out, payload...), nil
}
