package dispatch

import (
	"bytes"
	"context"
	"testing"

	"github.com/postalsys/protoflex/internal/ioadapt"
	"github.com/postalsys/protoflex/internal/proxyproto"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error)     { return len(p), nil }
func (discardWriter) Drain(ctx context.Context) error { return nil }
func (discardWriter) Close() error                    { return nil }

func newParseContext(data []byte) *proxyproto.ParseContext {
	r := ioadapt.NewReader(bytes.NewReader(data), 4096)
	return &proxyproto.ParseContext{Reader: r, Writer: discardWriter{}}
}

func TestDispatchTriesSocks5BeforeByteRead(t *testing.T) {
	req := []byte{0x05, 0x01, 0x00}                 // greeting, no-auth method
	req = append(req, 0x05, 0x01, 0x00, 0x03, 0x07) // CONNECT, domain, len 7
	req = append(req, []byte("example")...)
	req = append(req, 0x00, 0x50) // port 80

	pc := newParseContext(req)
	d := New(proxyproto.NewSocks5(""), proxyproto.NewSocks4(""))
	h, target, err := d.Dispatch(context.Background(), pc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Name() != "socks5" {
		t.Fatalf("expected socks5, got %s", h.Name())
	}
	if target.Host != "example" || target.Port != 80 {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestDispatchNoMatchReturnsUnsupported(t *testing.T) {
	pc := newParseContext([]byte{0xFF})
	d := New(proxyproto.NewSocks4(""))
	_, _, err := d.Dispatch(context.Background(), pc)
	if err == nil {
		t.Fatalf("expected error for unrecognized protocol")
	}
}
