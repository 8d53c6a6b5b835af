package proxyproto

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
)

// TestHTTPConnectWithAuth checks that a CONNECT request with a matching
// Proxy-Authorization header is accepted; a missing header is rejected
// with a 407.
func TestHTTPConnectWithAuth(t *testing.T) {
	auth := []byte("u:p")
	want := "Basic " + base64.StdEncoding.EncodeToString(auth)
	req := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\nProxy-Authorization: " + want + "\r\n\r\n"

	pc, w := newTestParseContext([]byte(req[1:]))
	pc.Auth = auth
	h := NewHTTP("")
	first := req[0]
	target, err := h.Parse(context.Background(), &first, pc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if target.Host != "example.com" || target.Port != 443 {
		t.Fatalf("target = %+v", target)
	}
	if !strings.Contains(w.buf.String(), "200") {
		t.Fatalf("expected 200 reply, got %q", w.buf.String())
	}
}

func TestHTTPConnectRejectsMissingAuth(t *testing.T) {
	req := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"
	pc, w := newTestParseContext([]byte(req[1:]))
	pc.Auth = []byte("u:p")
	h := NewHTTP("")
	first := req[0]
	_, err := h.Parse(context.Background(), &first, pc)
	if err == nil {
		t.Fatal("expected error for missing Proxy-Authorization")
	}
	if !strings.Contains(w.buf.String(), "407") {
		t.Fatalf("expected 407 reply, got %q", w.buf.String())
	}
}

// TestHTTPForwardProxyResidual checks that a plain forward-proxy GET
// produces a rewritten request line as Residual with Proxy-* headers
// stripped.
func TestHTTPForwardProxyResidual(t *testing.T) {
	req := "GET http://example.com/path?x=1 HTTP/1.1\r\nHost: example.com\r\nProxy-Connection: keep-alive\r\nAccept: */*\r\n\r\n"
	pc, _ := newTestParseContext([]byte(req[1:]))
	h := NewHTTP("")
	first := req[0]
	target, err := h.Parse(context.Background(), &first, pc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if target.Host != "example.com" || target.Port != 80 {
		t.Fatalf("target = %+v", target)
	}
	residual := string(target.Residual)
	if !strings.HasPrefix(residual, "GET /path?x=1 HTTP/1.1\r\n") {
		t.Fatalf("residual request line wrong: %q", residual)
	}
	if strings.Contains(residual, "Proxy-") {
		t.Fatalf("residual still carries a Proxy-* header: %q", residual)
	}
	if !strings.Contains(residual, "Accept: */*") {
		t.Fatalf("residual dropped a non-Proxy header: %q", residual)
	}
}

func TestHTTPStaticGetMap(t *testing.T) {
	req := "GET /status HTTP/1.1\r\nHost: proxy.local\r\n\r\n"
	pc, w := newTestParseContext([]byte(req[1:]))
	pc.HTTPGetMap = map[string]any{"/status": "ok for %(host)s"}
	h := NewHTTP("")
	first := req[0]
	_, err := h.Parse(context.Background(), &first, pc)
	if err == nil {
		t.Fatal("expected closedByPolicy-style error after serving static response")
	}
	if !strings.Contains(w.buf.String(), "ok for proxy.local") {
		t.Fatalf("expected templated body, got %q", w.buf.String())
	}
	if !pc.AuthTable.Authed() {
		t.Fatal("static GET hit should mark the connection authed")
	}
}

func TestHTTPStaticGetMapMiss(t *testing.T) {
	req := "GET /nope HTTP/1.1\r\nHost: proxy.local\r\n\r\n"
	pc, w := newTestParseContext([]byte(req[1:]))
	pc.HTTPGetMap = map[string]any{"/status": "ok"}
	h := NewHTTP("")
	first := req[0]
	if _, err := h.Parse(context.Background(), &first, pc); err == nil {
		t.Fatal("expected error for unmapped static path")
	}
	if !strings.Contains(w.buf.String(), "404") {
		t.Fatalf("expected 404 reply, got %q", w.buf.String())
	}
}

func TestHTTPRecognize(t *testing.T) {
	h := NewHTTP("")
	g := byte('G')
	digit := byte('1')
	if !h.Recognize(&g, &ParseContext{}) {
		t.Fatal("expected recognize on alphabetic first byte")
	}
	if h.Recognize(&digit, &ParseContext{}) {
		t.Fatal("did not expect recognize on a digit")
	}
}

func TestMatchesRequestLine(t *testing.T) {
	if !MatchesRequestLine("GET /foo HTTP/1.1") {
		t.Fatal("expected match")
	}
	if MatchesRequestLine("not a request line") {
		t.Fatal("did not expect match")
	}
}
