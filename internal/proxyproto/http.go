package proxyproto

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// requestLineRE matches an HTTP request line's three tokens: method,
// target, version.
var requestLineRE = regexp.MustCompile(`^(\S+)\s+(.+?)\s+(HTTP/\S+)$`)

// HTTP implements the HTTP CONNECT/forward-proxy protocol, including the
// static-path captive-portal-style GET mode.
type HTTP struct {
	Unsupported
	param string
}

func NewHTTP(param string) *HTTP { return &HTTP{param: param} }

func (h *HTTP) Name() string { return "http" }

// Recognize accepts any all-alphabetic first byte, matching an HTTP method
// token (GET, POST, CONNECT, ...). This is necessarily looser than the
// other protocols' fixed version bytes; it is tried last by convention.
func (h *HTTP) Recognize(firstByte *byte, pc *ParseContext) bool {
	if firstByte == nil {
		return false
	}
	b := *firstByte
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// httpRequest is a parsed request line plus header lines (Proxy-* stripped
// from the ones kept for forwarding, but visible in Headers for auth/host
// lookups).
type httpRequest struct {
	Method  string
	Path    string
	Version string
	Headers map[string]string
	// Kept is the header block with Proxy-* lines removed, re-joined with
	// CRLF, ready to be spliced back into a rewritten request line.
	Kept string
}

func parseHTTPRequest(block []byte) (*httpRequest, error) {
	lines := strings.Split(string(block), "\r\n")
	if len(lines) == 0 {
		return nil, malformedf("empty HTTP request")
	}
	m := requestLineRE.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, malformedf("malformed HTTP request line %q", lines[0])
	}
	rest := lines[1:]
	headers := make(map[string]string, len(rest))
	var kept []string
	for _, line := range rest {
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, ": "); ok {
			headers[k] = v
		}
		if strings.HasPrefix(line, "Proxy-") {
			continue
		}
		kept = append(kept, line)
	}
	return &httpRequest{
		Method:  m[1],
		Path:    m[2],
		Version: m[3],
		Headers: headers,
		Kept:    strings.Join(kept, "\r\n"),
	}, nil
}

// Parse handles the four server-side request shapes: static GET map,
// Basic auth challenge, CONNECT, and forward-proxy request-line rewriting.
func (h *HTTP) Parse(ctx context.Context, firstByte *byte, pc *ParseContext) (Target, error) {
	r, w := pc.Reader, pc.Writer

	var prefix []byte
	if firstByte != nil {
		prefix = []byte{*firstByte}
	}
	block, err := r.ReadUntil(ctx, []byte("\r\n\r\n"))
	if err != nil {
		return Target{}, err
	}
	full := append(prefix, block...)
	// Drop the trailing blank-line terminator before splitting into lines.
	req, err := parseHTTPRequest(full[:len(full)-4])
	if err != nil {
		return Target{}, err
	}

	if req.Method == "GET" {
		if u, uerr := url.Parse(req.Path); uerr == nil && u.Hostname() == "" {
			return h.serveStatic(w, pc, req)
		}
	}

	if len(pc.Auth) > 0 {
		want := "Basic " + base64.StdEncoding.EncodeToString(pc.Auth)
		if !pc.AuthTable.Authed() && req.Headers["Proxy-Authorization"] != want {
			resp := fmt.Sprintf("%s 407 Proxy Authentication Required\r\nConnection: close\r\nProxy-Authenticate: Basic realm=\"simple\"\r\n\r\n", req.Version)
			w.Write([]byte(resp))
			return Target{}, unauthorizedf("missing or invalid Proxy-Authorization")
		}
		pc.AuthTable.SetAuthed()
	}

	if req.Method == "CONNECT" {
		host, portStr, ok := strings.Cut(req.Path, ":")
		if !ok {
			return Target{}, malformedf("CONNECT target %q missing port", req.Path)
		}
		port, perr := strconv.ParseUint(portStr, 10, 16)
		if perr != nil {
			return Target{}, malformedf("CONNECT target %q has invalid port", req.Path)
		}
		resp := fmt.Sprintf("%s 200 OK\r\nConnection: close\r\n\r\n", req.Version)
		if _, err := w.Write([]byte(resp)); err != nil {
			return Target{}, err
		}
		return Target{Host: host, Port: uint16(port)}, nil
	}

	// Forward-proxy: absolute-URI request, default port 80.
	u, uerr := url.Parse(req.Path)
	if uerr != nil || u.Hostname() == "" {
		return Target{}, malformedf("forward-proxy request missing host: %q", req.Path)
	}
	port := uint16(80)
	if p := u.Port(); p != "" {
		if v, err := strconv.ParseUint(p, 10, 16); err == nil {
			port = uint16(v)
		}
	}
	newPath := u.RequestURI()
	residual := fmt.Sprintf("%s %s %s\r\n%s\r\n\r\n", req.Method, newPath, req.Version, req.Kept)
	return Target{Host: u.Hostname(), Port: port, Residual: []byte(residual)}, nil
}

// serveStatic handles the "GET with no host in the URI" captive-portal
// branch: a hit serves a canned response and marks the peer authenticated
// without ever consulting credentials.
func (h *HTTP) serveStatic(w Writer, pc *ParseContext, req *httpRequest) (Target, error) {
	for path, raw := range pc.HTTPGetMap {
		if path != req.Path {
			continue
		}
		var body []byte
		switch v := raw.(type) {
		case string:
			body = []byte(strings.ReplaceAll(v, "%(host)s", req.Headers["Host"]))
		case []byte:
			body = v
		}
		pc.AuthTable.SetAuthed()
		resp := fmt.Sprintf("%s 200 OK\r\nConnection: close\r\nContent-Type: text/plain\r\nCache-Control: max-age=900\r\nContent-Length: %d\r\n\r\n", req.Version, len(body))
		w.Write(append([]byte(resp), body...))
		return Target{}, closedByPolicyf("served static GET %s", req.Path)
	}
	resp := fmt.Sprintf("%s 404 Not Found\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", req.Version)
	w.Write([]byte(resp))
	return Target{}, closedByPolicyf("no static mapping for %s", req.Path)
}

// MatchesRequestLine reports whether line looks like an HTTP request line
// ("METHOD target HTTP/x.y"), the trigger the HTTP-aware relay channel
// uses to decide a forwarded chunk needs rewriting.
func MatchesRequestLine(line string) bool {
	return requestLineRE.MatchString(line)
}

// RewriteHeaderBlock rewrites a complete "request-line\r\nheaders..." block
// (with the trailing blank-line terminator already stripped) into
// path-only absolute-URI form with Proxy-* headers dropped, terminated by
// the blank line again. It produces the same form as Parse's forward-proxy
// branch, which rewrites its first request inline; the HTTP-aware relay
// channel calls it for every request line it forwards.
func RewriteHeaderBlock(block []byte) ([]byte, error) {
	req, err := parseHTTPRequest(block)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(req.Path)
	if err != nil {
		return nil, malformedf("rewrite: invalid request target %q", req.Path)
	}
	newPath := u.RequestURI()
	out := fmt.Sprintf("%s %s %s\r\n%s\r\n\r\n", req.Method, newPath, req.Version, req.Kept)
	return []byte(out), nil
}

// Connect issues a client-side CONNECT, with optional Basic auth.
func (h *HTTP) Connect(ctx context.Context, host string, port uint16, cc *ConnectContext) error {
	req := fmt.Sprintf("CONNECT %s:%d HTTP/1.1", host, port)
	if len(cc.RemoteAuth) > 0 {
		req += "\r\nProxy-Authorization: Basic " + base64.StdEncoding.EncodeToString(cc.RemoteAuth)
	}
	req += "\r\n\r\n"
	if _, err := cc.WriterRemote.Write([]byte(req)); err != nil {
		return err
	}
	if err := cc.WriterRemote.Drain(ctx); err != nil {
		return err
	}
	_, err := cc.ReaderRemote.ReadUntil(ctx, []byte("\r\n\r\n"))
	return err
}
