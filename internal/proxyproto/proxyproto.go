// Package proxyproto implements the uniform handler contract shared by
// every protocol this engine understands: HTTP CONNECT/forward,
// SOCKS4, SOCKS5, Shadowsocks (with optional One-Time-Auth), ShadowsocksR,
// the transparent-redirect family (Linux NAT redirect, BSD PF, tunnel,
// echo), and direct. Each file in this package is one protocol; this file
// holds the shared types every protocol speaks against.
package proxyproto

import (
	"context"
	"net"

	"github.com/postalsys/protoflex/internal/authtable"
	"github.com/postalsys/protoflex/internal/cipher"
	"github.com/postalsys/protoflex/internal/ioadapt"
)

// Target is the parsed destination of a handshake: host/port plus any
// payload bytes read past the handshake that must be forwarded to the
// origin before reading further client bytes.
type Target struct {
	Host     string
	Port     uint16
	Residual []byte
}

// Writer is the collaborator contract for the outbound side of a
// connection: write, drain (flush and block until it has gone out), and
// close.
type Writer interface {
	Write(p []byte) (int, error)
	Drain(ctx context.Context) error
	Close() error
}

// SocketInfo exposes the raw socket introspection primitives the
// transparent-redirect family needs (local/remote addresses, address
// family, getsockopt; ioctl for PF), without coupling proxyproto to any
// particular transport or OS. Concrete implementations live next to the
// listener (e.g. internal/sockinfo) and are the only place platform
// syscalls are made; this package only knows the wire-level bit layout.
type SocketInfo interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Family returns the socket's address family (syscall.AF_INET or
	// syscall.AF_INET6).
	Family() int
	// Getsockopt returns up to length bytes of the named socket option, or
	// an error (including "unsupported on this platform").
	Getsockopt(level, name, length int) ([]byte, error)
	// Ioctl issues a raw ioctl against the socket (or an associated
	// resource, e.g. /dev/pf) with an in/out buffer, as BSD Pf translation
	// queries require.
	Ioctl(request uintptr, arg []byte) error
}

// ParseContext bundles every collaborator a server-side Parse may need.
// Individual handlers use only the fields relevant to their protocol.
type ParseContext struct {
	Reader *ioadapt.Reader
	Writer Writer

	// Auth is the protocol's configured credential blob: "user:pass" for
	// SOCKS5 and for HTTP (which base64-encodes it for the
	// Proxy-Authorization comparison), "userid" for SOCKS4, or a fixed
	// byte prefix for SS/SSR.
	Auth []byte

	AuthTable authtable.Table

	// ReaderCipher is set only for SS/SSR connections; nil otherwise.
	ReaderCipher *cipher.View

	// HTTPGetMap maps a request path to a static response body (string,
	// with a "%(host)s" substitution, or raw bytes) for the HTTP
	// handler's captive-portal-style static GET mode.
	HTTPGetMap map[string]any

	Sock SocketInfo
}

// ConnectContext bundles the collaborators a client-side Connect needs:
// the remote's reader/writer, the credential to present, and (for SS/SSR)
// the writer-side cipher view.
type ConnectContext struct {
	ReaderRemote *ioadapt.Reader
	WriterRemote Writer
	RemoteAuth   []byte
	WriterCipher *cipher.View
}

// Handler is the uniform capability set every protocol implements.
// Capabilities a protocol does not support return ErrUnsupported
// rather than being represented as optional/nil methods - this keeps the
// dispatcher and registry free of type assertions.
type Handler interface {
	// Name identifies the handler for the registry and for logging.
	Name() string

	// Recognize is a peek-based classifier. The dispatcher calls it twice:
	// once with firstByte == nil (for handlers that need no header byte,
	// e.g. transparent redirection), and - if nothing matched - once more
	// with one pre-read byte.
	Recognize(firstByte *byte, pc *ParseContext) bool

	// Parse performs the server-side handshake: it may read further bytes
	// and write challenge/response bytes, returning the decoded target or
	// a proxyerr-tagged error.
	Parse(ctx context.Context, firstByte *byte, pc *ParseContext) (Target, error)

	// Connect performs the client-side handshake: it issues the
	// protocol's CONNECT-equivalent against an already-dialed remote and
	// consumes its response framing.
	Connect(ctx context.Context, host string, port uint16, cc *ConnectContext) error

	// UDPParse decodes one inbound datagram. ok is false when this
	// handler does not recognize the datagram (not an error - the
	// dispatcher tries the next handler) or does not support UDP at all.
	UDPParse(data []byte, pc *ParseContext) (Target, bool)

	// UDPConnect encodes an outbound datagram carrying payload for
	// (host, port), prefixed with whatever framing the protocol requires.
	UDPConnect(remoteAuth []byte, host string, port uint16, payload []byte) ([]byte, error)
}

// Unsupported is embedded by handlers that implement only a subset of the
// capability set; it answers Connect and UDPConnect with ErrUnsupported
// and UDPParse with a non-match (ok == false), so each protocol file only
// needs to override what it actually does.
type Unsupported struct{}

func (Unsupported) Connect(ctx context.Context, host string, port uint16, cc *ConnectContext) error {
	return unsupportedf("client connect")
}

func (Unsupported) UDPParse(data []byte, pc *ParseContext) (Target, bool) {
	return Target{}, false
}

func (Unsupported) UDPConnect(remoteAuth []byte, host string, port uint16, payload []byte) ([]byte, error) {
	return nil, unsupportedf("udp client")
}
