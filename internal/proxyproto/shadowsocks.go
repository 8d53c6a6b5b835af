package proxyproto

import (
	"bytes"
	"context"
	"crypto/hmac"

	"github.com/postalsys/protoflex/internal/addr"
)

// SS implements the Shadowsocks protocol, including optional chunked
// One-Time-Auth.
type SS struct {
	Unsupported
	param string
}

func NewSS(param string) *SS { return &SS{param: param} }

func (s *SS) Name() string { return "ss" }

// Recognize accepts the configured auth prefix's first byte, or - absent
// an auth prefix - any of the known address-type bytes including the OTA
// variants. The OTA bit is accepted on the header byte whether or not a
// cipher is actually attached to this connection; whether OTA is usable is
// decided later, in Parse.
func (s *SS) Recognize(firstByte *byte, pc *ParseContext) bool {
	if firstByte == nil {
		return false
	}
	b := *firstByte
	if len(pc.Auth) > 0 {
		return b == pc.Auth[0]
	}
	switch b {
	case 1, 3, 4, 17, 19, 20:
		return true
	default:
		return false
	}
}

// Parse runs the server-side handshake: optional auth-prefix check,
// address decode, and - when the OTA bit is set and a cipher view is
// present - header MAC verification followed by installing the chunked
// OTA decoder for the rest of the stream.
func (s *SS) Parse(ctx context.Context, firstByte *byte, pc *ParseContext) (Target, error) {
	r := pc.Reader
	header := *firstByte

	if len(pc.Auth) > 0 {
		rest, err := r.ReadN(ctx, len(pc.Auth)-1)
		if err != nil {
			return Target{}, err
		}
		if !bytes.Equal(rest, pc.Auth[1:]) {
			return Target{}, unauthorizedf("ss auth prefix mismatch")
		}
		pc.AuthTable.SetAuthed()
		real, err := r.ReadN(ctx, 1)
		if err != nil {
			return Target{}, err
		}
		header = real[0]
	}

	ota := addr.IsOTA(header)
	a, err := addr.Decode(ctx, r, header)
	if err != nil {
		return Target{}, err
	}

	if pc.ReaderCipher != nil && pc.ReaderCipher.OTA && !ota {
		return Target{}, unauthorizedf("ss client must support OTA")
	}

	if ota && pc.ReaderCipher != nil {
		macInput := append([]byte{header}, a.Raw...)
		want := otaMAC(append(append([]byte(nil), pc.ReaderCipher.IV...), pc.ReaderCipher.Key...), macInput)
		got, err := r.ReadN(ctx, 10)
		if err != nil {
			return Target{}, err
		}
		if !hmac.Equal(got, want) {
			return Target{}, malformedf("unknown ss ota header checksum")
		}
		if err := r.PushDecoder(newOTAReaderDecoder(pc.ReaderCipher)); err != nil {
			return Target{}, err
		}
	}

	return Target{Host: a.Host, Port: a.Port}, nil
}

// Connect issues the client-side handshake: when the outbound cipher
// requires OTA, emit the OTA address header with its MAC and wrap
// the remote writer in the chunked OTA writer for the rest of the session;
// otherwise a plain address header.
func (s *SS) Connect(ctx context.Context, host string, port uint16, cc *ConnectContext) error {
	w := cc.WriterRemote
	if _, err := w.Write(cc.RemoteAuth); err != nil {
		return err
	}
	if cc.WriterCipher != nil && cc.WriterCipher.OTA {
		rdata := addr.EncodeOTA(host, port)
		mac := otaMAC(append(append([]byte(nil), cc.WriterCipher.IV...), cc.WriterCipher.Key...), rdata)
		if _, err := w.Write(append(rdata, mac...)); err != nil {
			return err
		}
		cc.WriterRemote = newOTAWriter(w, cc.WriterCipher)
		return nil
	}
	_, err := w.Write(addr.Encode(host, port))
	return err
}

// UDPParse decodes one datagram: [auth] || addr_type || address || payload.
func (s *SS) UDPParse(data []byte, pc *ParseContext) (Target, bool) {
	if len(pc.Auth) > 0 {
		if len(data) < len(pc.Auth) || !bytes.Equal(data[:len(pc.Auth)], pc.Auth) {
			return Target{}, false
		}
		data = data[len(pc.Auth):]
	}
	if len(data) < 1 || !isPlainAddrType(data[0]) {
		return Target{}, false
	}
	a, n, err := addr.DecodeBuffer(data[1:], data[0])
	if err != nil {
		return Target{}, false
	}
	return Target{Host: a.Host, Port: a.Port, Residual: data[1+n:]}, true
}

// UDPConnect prefixes payload with the auth bytes and encoded address.
func (s *SS) UDPConnect(remoteAuth []byte, host string, port uint16, payload []byte) ([]byte, error) {
	out := append(append([]byte(nil), remoteAuth...), addr.Encode(host, port)...)
	return append(out, payload...), nil
}

func isPlainAddrType(b byte) bool {
	switch b {
	case 1, 3, 4:
		return true
	default:
		return false
	}
}
