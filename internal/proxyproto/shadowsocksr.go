package proxyproto

import (
	"bytes"
	"context"

	"github.com/postalsys/protoflex/internal/addr"
)

// SSR implements the minimal ShadowsocksR handshake: same optional
// auth-prefix check as SS, plain address decode, no OTA.
type SSR struct {
	Unsupported
	param string
}

func NewSSR(param string) *SSR { return &SSR{param: param} }

func (s *SSR) Name() string { return "ssr" }

func (s *SSR) Recognize(firstByte *byte, pc *ParseContext) bool {
	if firstByte == nil {
		return false
	}
	b := *firstByte
	if len(pc.Auth) > 0 {
		return b == pc.Auth[0]
	}
	return isPlainAddrType(b)
}

func (s *SSR) Parse(ctx context.Context, firstByte *byte, pc *ParseContext) (Target, error) {
	r := pc.Reader
	header := *firstByte

	if len(pc.Auth) > 0 {
		rest, err := r.ReadN(ctx, len(pc.Auth)-1)
		if err != nil {
			return Target{}, err
		}
		if !bytes.Equal(rest, pc.Auth[1:]) {
			return Target{}, unauthorizedf("ssr auth prefix mismatch")
		}
		pc.AuthTable.SetAuthed()
		real, err := r.ReadN(ctx, 1)
		if err != nil {
			return Target{}, err
		}
		header = real[0]
	}

	a, err := addr.Decode(ctx, r, header)
	if err != nil {
		return Target{}, err
	}
	return Target{Host: a.Host, Port: a.Port}, nil
}

// Connect emits the outbound header: remote_auth || 0x03 || len || domain
// || port.
func (s *SSR) Connect(ctx context.Context, host string, port uint16, cc *ConnectContext) error {
	out := append(append([]byte(nil), cc.RemoteAuth...), addr.Encode(host, port)...)
	_, err := cc.WriterRemote.Write(out)
	return err
}
