package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"

	"github.com/postalsys/protoflex/internal/config"
	"github.com/postalsys/protoflex/internal/dispatch"
	"github.com/postalsys/protoflex/internal/registry"
	"github.com/postalsys/protoflex/internal/stats"
)

// startEchoOrigin runs a plain TCP server that echoes back whatever it
// receives, standing in for the origin a relayed connection dials out to.
func startEchoOrigin(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln
}

// TestHandleConnSocks5EndToEnd drives a full SOCKS5 no-auth CONNECT through
// Server.handleConn over an in-memory pipe, and confirms bytes make it to
// a real TCP origin and back.
func TestHandleConnSocks5EndToEnd(t *testing.T) {
	origin := startEchoOrigin(t)
	defer origin.Close()
	originAddr := origin.Addr().(*net.TCPAddr)

	handlers, err := registry.ParseAll([]string{"socks5"})
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}
	bl := boundListener{
		cfg:        config.ListenerConfig{Address: "test", Protocols: []string{"socks5"}},
		handlers:   handlers,
		dispatcher: dispatch.New(handlers...),
	}
	srv := &Server{
		cfg:    &config.Config{Limits: config.LimitsConfig{BufferSize: 4096}},
		logger: slog.Default(),
		stats:  stats.New(prometheus.NewRegistry()),
	}

	clientSide, serverSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		srv.handleConn(ctx, serverSide, bl)
		close(done)
	}()

	// Client-side SOCKS5 no-auth greeting.
	if _, err := clientSide.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	methodReply := make([]byte, 2)
	if _, err := io.ReadFull(clientSide, methodReply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if methodReply[0] != 0x05 || methodReply[1] != 0x00 {
		t.Fatalf("unexpected method reply % x", methodReply)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, originAddr.IP.To4()...)
	req = append(req, byte(originAddr.Port>>8), byte(originAddr.Port))
	if _, err := clientSide.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}
	connectReply := make([]byte, 10) // VER REP RSV ATYP + 4-byte IPv4 + 2-byte port
	if _, err := io.ReadFull(clientSide, connectReply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if connectReply[1] != 0x00 {
		t.Fatalf("connect rejected: % x", connectReply)
	}

	if _, err := clientSide.Write([]byte("ping")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoBuf := make([]byte, 4)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientSide, echoBuf); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(echoBuf) != "ping" {
		t.Fatalf("got %q, want %q", echoBuf, "ping")
	}

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return after client closed")
	}
}

func TestHandleConnRejectsUnrecognizedProtocol(t *testing.T) {
	handlers, err := registry.ParseAll([]string{"socks4"})
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}
	bl := boundListener{
		cfg:        config.ListenerConfig{Address: "test", Protocols: []string{"socks4"}},
		handlers:   handlers,
		dispatcher: dispatch.New(handlers...),
	}
	srv := &Server{
		cfg:    &config.Config{Limits: config.LimitsConfig{BufferSize: 4096}},
		logger: slog.Default(),
		stats:  stats.New(prometheus.NewRegistry()),
	}

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.handleConn(context.Background(), serverSide, bl)
		close(done)
	}()

	clientSide.Write([]byte{0xAB})
	clientSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return for an unrecognized protocol")
	}
}

// TestHandleConnPreservesBufferedPayload sends the SOCKS5 CONNECT frame
// and the first payload bytes in a single write, so the handshake reader
// buffers payload past the parse; the relay must deliver those buffered
// bytes to the origin rather than dropping them.
func TestHandleConnPreservesBufferedPayload(t *testing.T) {
	origin := startEchoOrigin(t)
	defer origin.Close()
	originAddr := origin.Addr().(*net.TCPAddr)

	handlers, err := registry.ParseAll([]string{"socks5"})
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}
	bl := boundListener{
		cfg:        config.ListenerConfig{Address: "test", Protocols: []string{"socks5"}},
		handlers:   handlers,
		dispatcher: dispatch.New(handlers...),
	}
	srv := &Server{
		cfg:    &config.Config{Limits: config.LimitsConfig{BufferSize: 4096}},
		logger: slog.Default(),
		stats:  stats.New(prometheus.NewRegistry()),
	}

	clientSide, serverSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		srv.handleConn(ctx, serverSide, bl)
		close(done)
	}()

	if _, err := clientSide.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	methodReply := make([]byte, 2)
	if _, err := io.ReadFull(clientSide, methodReply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, originAddr.IP.To4()...)
	req = append(req, byte(originAddr.Port>>8), byte(originAddr.Port))
	req = append(req, "early"...)
	if _, err := clientSide.Write(req); err != nil {
		t.Fatalf("write connect request with payload: %v", err)
	}
	connectReply := make([]byte, 10)
	if _, err := io.ReadFull(clientSide, connectReply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if connectReply[1] != 0x00 {
		t.Fatalf("connect rejected: % x", connectReply)
	}

	echoBuf := make([]byte, 5)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientSide, echoBuf); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(echoBuf) != "early" {
		t.Fatalf("got %q, want %q", echoBuf, "early")
	}

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return after client closed")
	}
}

// TestServeUpstreamChaining runs two listeners in one server: the first
// chains its outbound connections through the second (a SOCKS5 egress),
// which in turn dials the real origin.
func TestServeUpstreamChaining(t *testing.T) {
	origin := startEchoOrigin(t)
	defer origin.Close()
	originAddr := origin.Addr().(*net.TCPAddr)

	entryAddr := freeTCPAddr(t)
	egressAddr := freeTCPAddr(t)
	cfg := &config.Config{
		Listeners: []config.ListenerConfig{
			{
				Address:   entryAddr,
				Protocols: []string{"socks5"},
				Upstream:  &config.UpstreamConfig{Address: egressAddr, Protocol: "socks5"},
			},
			{
				Address:   egressAddr,
				Protocols: []string{"socks5"},
			},
		},
		Limits: config.LimitsConfig{BufferSize: 4096},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	srv, err := New(cfg, slog.Default(), stats.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	var conn net.Conn
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("tcp", entryAddr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dialing entry listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	methodReply := make([]byte, 2)
	if _, err := io.ReadFull(conn, methodReply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, originAddr.IP.To4()...)
	req = append(req, byte(originAddr.Port>>8), byte(originAddr.Port))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}
	connectReply := make([]byte, 10)
	if _, err := io.ReadFull(conn, connectReply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if connectReply[1] != 0x00 {
		t.Fatalf("connect rejected: % x", connectReply)
	}

	if _, err := conn.Write([]byte("chained")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoBuf := make([]byte, 7)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, echoBuf); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(echoBuf) != "chained" {
		t.Fatalf("got %q, want %q", echoBuf, "chained")
	}

	cancel()
	select {
	case <-serveErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

// TestAdminEndpoint brings up the admin HTTP listener and checks the
// Basic auth gate: no credentials and wrong credentials are refused, the
// configured password reaches /healthz and /metrics.
func TestAdminEndpoint(t *testing.T) {
	hash, err := config.HashAdminPassword("hunter2")
	if err != nil {
		t.Fatalf("HashAdminPassword: %v", err)
	}
	adminAddr := freeTCPAddr(t)
	cfg := &config.Config{
		Listeners: []config.ListenerConfig{
			{Address: freeTCPAddr(t), Protocols: []string{"socks5"}},
		},
		Admin:  config.AdminConfig{Address: adminAddr, PasswordHash: hash},
		Limits: config.LimitsConfig{BufferSize: 4096},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	srv, err := New(cfg, slog.Default(), stats.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	client := &http.Client{Timeout: 2 * time.Second}
	var resp *http.Response
	for i := 0; i < 100; i++ {
		resp, err = client.Get("http://" + adminAddr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("admin endpoint never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", "http://"+adminAddr+"/healthz", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("wrong-password request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", "http://"+adminAddr+"/healthz", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("authenticated healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated healthz: status %d, want 200", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", "http://"+adminAddr+"/metrics", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("authenticated metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated metrics: status %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "protoflex_dispatch_latency_seconds") {
		t.Fatalf("metrics output missing engine metrics: %s", body)
	}

	cancel()
	select {
	case <-serveErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

// freeTCPAddr reserves an ephemeral port by binding and immediately
// closing a listener, for handing to a component (like dispatch.WSListener)
// that binds its own net.Listener internally and so cannot report back an
// OS-assigned port the way net.Listen's return value would.
func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// TestServeWSTransportEndToEnd drives a SOCKS5 handshake over a WebSocket
// front end (config.ListenerConfig.Transport == "ws"), confirming
// Server.Serve wires dispatch.WSListener through the same handleConn path
// a raw TCP listener uses.
func TestServeWSTransportEndToEnd(t *testing.T) {
	origin := startEchoOrigin(t)
	defer origin.Close()
	originAddr := origin.Addr().(*net.TCPAddr)

	addr := freeTCPAddr(t)
	cfg := &config.Config{
		Listeners: []config.ListenerConfig{
			{
				Address:   addr,
				Protocols: []string{"socks5"},
				Transport: "ws",
			},
		},
		Limits: config.LimitsConfig{BufferSize: 4096},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	srv, err := New(cfg, slog.Default(), stats.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	var conn *websocket.Conn
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	for i := 0; i < 100; i++ {
		conn, _, err = websocket.Dial(dialCtx, "ws://"+addr+"/", nil)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	wc := &wsClientConn{ctx: dialCtx, conn: conn}

	if _, err := wc.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	methodReply := make([]byte, 2)
	if _, err := io.ReadFull(wc, methodReply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if methodReply[0] != 0x05 || methodReply[1] != 0x00 {
		t.Fatalf("unexpected method reply % x", methodReply)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, originAddr.IP.To4()...)
	req = append(req, byte(originAddr.Port>>8), byte(originAddr.Port))
	if _, err := wc.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}
	connectReply := make([]byte, 10)
	if _, err := io.ReadFull(wc, connectReply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if connectReply[1] != 0x00 {
		t.Fatalf("connect rejected: % x", connectReply)
	}

	if _, err := wc.Write([]byte("ping")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoBuf := make([]byte, 4)
	if _, err := io.ReadFull(wc, echoBuf); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(echoBuf) != "ping" {
		t.Fatalf("got %q, want %q", echoBuf, "ping")
	}

	cancel()
	select {
	case <-serveErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

// wsClientConn adapts a *websocket.Conn to a minimal io.Reader/io.Writer
// pair for a test client speaking a byte-oriented handshake (SOCKS5) over
// WebSocket binary messages.
type wsClientConn struct {
	ctx  context.Context
	conn *websocket.Conn
	buf  []byte
}

func (c *wsClientConn) Write(p []byte) (int, error) {
	if err := c.conn.Write(c.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsClientConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return 0, err
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}
