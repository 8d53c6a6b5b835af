// Package server wires the engine's pieces into a runnable listener:
// accept a connection, run it through the dispatcher, dial the resolved
// target (directly or through a configured upstream proxy), and pump
// bytes through a relay channel. It owns no protocol knowledge of its
// own - that all lives in internal/proxyproto - and is the layer the CLI
// (cmd/protoflexd) drives.
package server

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/protoflex/internal/authtable"
	"github.com/postalsys/protoflex/internal/cipher"
	"github.com/postalsys/protoflex/internal/config"
	"github.com/postalsys/protoflex/internal/dispatch"
	"github.com/postalsys/protoflex/internal/ioadapt"
	"github.com/postalsys/protoflex/internal/logging"
	"github.com/postalsys/protoflex/internal/proxyerr"
	"github.com/postalsys/protoflex/internal/proxyproto"
	"github.com/postalsys/protoflex/internal/registry"
	"github.com/postalsys/protoflex/internal/relay"
	"github.com/postalsys/protoflex/internal/sockinfo"
	"github.com/postalsys/protoflex/internal/stats"
)

// Server runs one accept loop per configured listener.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	stats  *stats.Stats

	listeners []boundListener
}

type boundListener struct {
	cfg          config.ListenerConfig
	handlers     []proxyproto.Handler
	dispatcher   *dispatch.Dispatcher
	tlsConfig    *tls.Config
	readerCipher *cipher.View
	upstream     *upstream
}

// upstream is a resolved egress chain: connections from this listener dial
// Address and run Handler's client-side Connect before relaying.
type upstream struct {
	address string
	handler proxyproto.Handler
	auth    []byte
	cipher  *cipher.View
}

// New builds a Server, resolving every listener's protocol tokens through
// the registry and deriving its cipher material up front so a typo in the
// config surfaces before Serve accepts a single connection.
func New(cfg *config.Config, logger *slog.Logger, st *stats.Stats) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if st == nil {
		st = stats.Default()
	}
	s := &Server{cfg: cfg, logger: logger, stats: st}
	for _, lc := range cfg.Listeners {
		handlers, err := registry.ParseAll(lc.Protocols)
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		bl := boundListener{
			cfg:        lc,
			handlers:   handlers,
			dispatcher: dispatch.New(handlers...),
		}
		if lc.TLS != nil {
			tlsCfg, err := tlsServerConfig(lc.TLS)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", lc.Address, err)
			}
			bl.tlsConfig = tlsCfg
		}
		if lc.Cipher != nil {
			view, err := cipherView(lc.Cipher)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", lc.Address, err)
			}
			bl.readerCipher = view
		}
		if lc.Upstream != nil {
			up, err := resolveUpstream(lc.Upstream)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", lc.Address, err)
			}
			bl.upstream = up
		}
		s.listeners = append(s.listeners, bl)
	}
	return s, nil
}

// cipherView derives the IV/key material handlers read for One-Time-Auth
// MACs from a listener's configured base64 shared secret.
func cipherView(cc *config.CipherConfig) (*cipher.View, error) {
	secret, err := base64.StdEncoding.DecodeString(cc.Secret)
	if err != nil {
		return nil, fmt.Errorf("decoding cipher secret: %w", err)
	}
	key, err := cipher.DeriveKey(secret, []byte("key"), 16)
	if err != nil {
		return nil, err
	}
	iv, err := cipher.DeriveKey(secret, []byte("iv"), 16)
	if err != nil {
		return nil, err
	}
	return &cipher.View{IV: iv, Key: key, OTA: cc.OTA}, nil
}

func resolveUpstream(uc *config.UpstreamConfig) (*upstream, error) {
	h, err := registry.Parse(uc.Protocol)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	up := &upstream{address: uc.Address, handler: h}
	if uc.Auth != "" {
		up.auth = []byte(uc.Auth)
	}
	if uc.Cipher != nil {
		view, err := cipherView(uc.Cipher)
		if err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		up.cipher = view
	}
	return up, nil
}

// tlsServerConfig builds a *tls.Config from a listener's configured
// cert/key material; see config.TLSConfig's file-or-inline-PEM resolution.
func tlsServerConfig(tc *config.TLSConfig) (*tls.Config, error) {
	certPEM, keyPEM, err := tc.ResolveTLSMaterial()
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing tls material: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Serve runs every configured listener's accept loop until ctx is
// cancelled or a listener fails to bind.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.listeners) == 0 {
		return fmt.Errorf("server: no listeners configured")
	}

	if _, err := s.startAdminListener(ctx); err != nil {
		return err
	}

	errCh := make(chan error, len(s.listeners))
	for _, bl := range s.listeners {
		bl := bl
		if bl.cfg.Transport == "ws" {
			wl, err := s.startWSListener(ctx, bl)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", bl.cfg.Address, err)
			}
			go func() {
				<-ctx.Done()
				wl.Stop()
			}()
			continue
		}

		ln, err := net.Listen("tcp", bl.cfg.Address)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", bl.cfg.Address, err)
		}
		if bl.tlsConfig != nil {
			ln = tls.NewListener(ln, bl.tlsConfig)
		}
		s.logger.Info("listening", logging.KeyListener, bl.cfg.Address, "protocols", bl.cfg.ProtocolNames())

		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		go func() {
			errCh <- s.acceptLoop(ctx, ln, bl)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// startWSListener brings up a WebSocket front end that feeds accepted
// connections through the same dispatch -> dial -> relay pipeline as a raw
// TCP accept; the transport carries the bytes, the protocol set is
// unchanged.
func (s *Server) startWSListener(ctx context.Context, bl boundListener) (*dispatch.WSListener, error) {
	wl, err := dispatch.NewWSListener(dispatch.WSListenerConfig{
		Address:     bl.cfg.Address,
		Path:        bl.cfg.WSPath,
		Subprotocol: bl.cfg.WSSubprotocol,
		TLSConfig:   bl.tlsConfig,
		PlainText:   bl.tlsConfig == nil,
		OnError: func(err error) {
			s.logger.Warn("websocket listener error", logging.KeyListener, bl.cfg.Address, logging.KeyError, err)
		},
	}, func(conn net.Conn) {
		defer logging.RecoverPanic(s.logger, "server", logging.KeyListener, bl.cfg.Address)
		s.handleConn(ctx, conn, bl)
	})
	if err != nil {
		return nil, err
	}
	if err := wl.Start(); err != nil {
		return nil, err
	}
	s.logger.Info("listening", logging.KeyListener, bl.cfg.Address, "protocols", bl.cfg.ProtocolNames(), logging.KeyTransport, "ws")
	return wl, nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, bl boundListener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			defer logging.RecoverPanic(s.logger, "server", logging.KeyListener, bl.cfg.Address)
			s.handleConn(ctx, conn, bl)
		}()
	}
}

// handleConn runs one accepted connection through dispatch -> dial ->
// relay.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, bl boundListener) {
	defer conn.Close()

	reader := newConnReader(conn, s.cfg.Limits.BufferSize)
	pc := &proxyproto.ParseContext{
		Reader:       reader,
		Writer:       &connWriter{conn},
		AuthTable:    authtable.New(),
		ReaderCipher: bl.readerCipher,
		Sock:         sockInfoFor(conn),
	}
	if bl.cfg.Auth != "" {
		pc.Auth = []byte(bl.cfg.Auth)
	}
	if len(bl.cfg.HTTPGetMap) > 0 {
		pc.HTTPGetMap = make(map[string]any, len(bl.cfg.HTTPGetMap))
		for k, v := range bl.cfg.HTTPGetMap {
			pc.HTTPGetMap[k] = v
		}
	}

	start := time.Now()
	handler, target, err := bl.dispatcher.Dispatch(ctx, pc)
	s.stats.DispatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logHandshakeError(bl.cfg.Address, err)
		return
	}

	protocol := handler.Name()
	s.stats.ConnOpened(protocol)
	defer s.stats.ConnClosed(protocol)

	// Bytes already buffered past the handshake, and any decoder the
	// handshake installed (One-Time-Auth chunk verification), live on the
	// reader; the relay must keep reading through it.
	client := &readerConn{Conn: conn, r: reader}

	if err := s.serveTarget(ctx, client, protocol, target, bl); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Warn("relay ended with error", logging.KeyListener, bl.cfg.Address, logging.KeyProtocol, protocol, logging.KeyError, err)
	}
}

func (s *Server) serveTarget(ctx context.Context, client net.Conn, protocol string, target proxyproto.Target, bl boundListener) error {
	switch target.Host {
	case "echo":
		return echoLoop(client)
	case "tunnel":
		if target.Port == 0 && bl.upstream == nil {
			return fmt.Errorf("tunnel listener %s has no destination configured", bl.cfg.Address)
		}
	}

	remote, err := s.dialTarget(ctx, target, bl)
	if err != nil {
		return err
	}
	defer remote.Close()

	opts := relay.Options{IdleTimeout: s.cfg.Limits.IdleTimeout, Logger: s.logger}
	if s.cfg.Limits.BytesPerSecond > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(s.cfg.Limits.BytesPerSecond), s.cfg.Limits.BytesPerSecond)
	}

	var ch interface {
		Run(context.Context) error
		Stats() *relay.Stats
	}
	if protocol == "http" && len(target.Residual) > 0 {
		ch = relay.NewHTTP(client, remote, opts, target.Residual)
	} else {
		if len(target.Residual) > 0 {
			if _, err := remote.Write(target.Residual); err != nil {
				return fmt.Errorf("forwarding residual bytes: %w", err)
			}
		}
		ch = relay.New(client, remote, opts)
	}

	err = ch.Run(ctx)
	st := ch.Stats()
	s.stats.Relayed(protocol, st.BytesUp.Load(), st.BytesDown.Load())
	return err
}

// dialTarget opens the outbound side of a session: a direct dial to the
// parsed target, or - when the listener chains through an upstream proxy -
// a dial to the upstream followed by that protocol's client-side Connect
// handshake. In the chained case the returned conn routes reads through
// the handshake's reader (which may hold buffered bytes) and writes
// through the handshake's writer (which Connect may have wrapped in
// chunked framing).
func (s *Server) dialTarget(ctx context.Context, target proxyproto.Target, bl boundListener) (net.Conn, error) {
	if bl.upstream != nil {
		up := bl.upstream
		remote, err := net.DialTimeout("tcp", up.address, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dialing upstream %s: %w", up.address, err)
		}
		cc := &proxyproto.ConnectContext{
			ReaderRemote: ioadapt.NewReader(remote, s.cfg.Limits.BufferSize),
			WriterRemote: &connWriter{remote},
			RemoteAuth:   up.auth,
			WriterCipher: up.cipher,
		}
		// A tunnel listener with no destination of its own forwards to
		// whatever the upstream is configured for; there is no target to
		// hand the upstream handler in that case.
		if !(target.Host == "tunnel" && target.Port == 0) {
			if err := up.handler.Connect(ctx, target.Host, target.Port, cc); err != nil {
				remote.Close()
				return nil, fmt.Errorf("upstream %s connect: %w", up.address, err)
			}
		}
		return &readerConn{Conn: remote, r: cc.ReaderRemote, w: cc.WriterRemote}, nil
	}

	remote, err := net.DialTimeout("tcp", net.JoinHostPort(target.Host, fmt.Sprint(target.Port)), 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing %s:%d: %w", target.Host, target.Port, err)
	}
	return remote, nil
}

// echoLoop loops bytes back to the sender instead of relaying them to any
// remote.
func echoLoop(conn net.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (s *Server) logHandshakeError(address string, err error) {
	kind := "ioerror"
	switch {
	case errors.Is(err, proxyerr.ErrUnauthorized):
		kind = "unauthorized"
	case errors.Is(err, proxyerr.ErrMalformed):
		kind = "malformed"
	case errors.Is(err, proxyerr.ErrUnsupported):
		kind = "unsupported"
	case errors.Is(err, proxyerr.ErrClosedByPolicy):
		kind = "closed_by_policy"
	}
	s.stats.HandshakeError(address, kind)
	if kind == "ioerror" {
		s.logger.Debug("connection closed", logging.KeyListener, address, logging.KeyError, err)
		return
	}
	s.logger.Info("handshake rejected", logging.KeyListener, address, "kind", kind, logging.KeyError, err)
}

func sockInfoFor(conn net.Conn) proxyproto.SocketInfo {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return sockinfo.New(tcp)
}
