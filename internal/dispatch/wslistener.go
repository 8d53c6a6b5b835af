package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WSListenerConfig configures a WebSocket front end for the dispatcher:
// an accepted WebSocket connection is wrapped as a net.Conn and handed to
// Handle exactly as a raw TCP accept would be, so the two-phase recognize
// loop never needs to know which transport produced the bytes.
type WSListenerConfig struct {
	// Address to listen on, e.g. "0.0.0.0:8443".
	Address string

	// Path is the HTTP path WebSocket upgrades are accepted on. Defaults
	// to "/".
	Path string

	// Subprotocol is the required WebSocket subprotocol; empty accepts
	// any.
	Subprotocol string

	// TLSConfig enables TLS termination at this listener; nil requires
	// PlainText.
	TLSConfig *tls.Config
	PlainText bool

	// OnError reports errors encountered after Start returns, if set.
	OnError func(err error)
}

// WSListener accepts dispatcher connections carried over WebSocket: a
// protocol-agnostic net.Conn source any proxyproto.Handler set can be
// dispatched over.
type WSListener struct {
	cfg     WSListenerConfig
	handle  func(net.Conn)
	server  *http.Server
	addr    net.Addr
	conns   sync.Map // *wsConn -> struct{}
	active  atomic.Int64
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewWSListener builds a listener that upgrades HTTP requests at cfg.Path
// to WebSocket and passes each resulting net.Conn to handle (typically a
// Dispatcher.Dispatch call followed by a relay.Channel).
func NewWSListener(cfg WSListenerConfig, handle func(net.Conn)) (*WSListener, error) {
	if cfg.TLSConfig == nil && !cfg.PlainText {
		return nil, fmt.Errorf("dispatch: WSListener requires TLSConfig or PlainText")
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &WSListener{cfg: cfg, handle: handle}, nil
}

// Start binds the listen address and begins serving in the background.
func (l *WSListener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("dispatch: WSListener already running")
	}
	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, l.handleUpgrade)
	l.server = &http.Server{Addr: l.cfg.Address, Handler: mux, TLSConfig: l.cfg.TLSConfig}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("dispatch: listen: %w", err)
	}
	l.addr = ln.Addr()
	l.running.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		var serveErr error
		if l.cfg.TLSConfig != nil {
			serveErr = l.server.ServeTLS(ln, "", "")
		} else {
			serveErr = l.server.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed && l.cfg.OnError != nil {
			l.cfg.OnError(serveErr)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server and closes all open
// WebSocket connections.
func (l *WSListener) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.server.Shutdown(ctx)
	l.conns.Range(func(k, _ any) bool {
		k.(*wsConn).Close()
		return true
	})
	l.wg.Wait()
	return nil
}

// Address returns the bound listen address.
func (l *WSListener) Address() string {
	if l.addr != nil {
		return l.addr.String()
	}
	return l.cfg.Address
}

// ActiveConns returns the count of currently open WebSocket connections.
func (l *WSListener) ActiveConns() int64 { return l.active.Load() }

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var opts websocket.AcceptOptions
	if l.cfg.Subprotocol != "" {
		opts.Subprotocols = []string{l.cfg.Subprotocol}
	}
	conn, err := websocket.Accept(w, r, &opts)
	if err != nil {
		return
	}
	if l.cfg.Subprotocol != "" && conn.Subprotocol() != l.cfg.Subprotocol {
		conn.Close(websocket.StatusProtocolError, "unexpected subprotocol")
		return
	}

	wc := newWSConn(conn)
	l.conns.Store(wc, struct{}{})
	l.active.Add(1)
	defer func() {
		l.conns.Delete(wc)
		l.active.Add(-1)
		wc.Close()
	}()

	// The handler runs in this goroutine (not a spawned one) because the
	// nhooyr.io/websocket library requires the HTTP handler to stay on
	// the stack for the life of the connection.
	l.handle(wc)
}

// wsConn adapts a *websocket.Conn to net.Conn so it can be dispatched
// through the same Reader/relay path as a TCP accept.
type wsConn struct {
	conn       *websocket.Conn
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.RWMutex
	deadlineCtx    context.Context
	deadlineCancel context.CancelFunc

	readMu sync.Mutex
	reader io.Reader
}

func newWSConn(conn *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{conn: conn, baseCtx: ctx, baseCancel: cancel}
}

func (c *wsConn) context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deadlineCtx != nil {
		return c.deadlineCtx
	}
	return c.baseCtx
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.reader != nil {
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
		} else {
			return n, err
		}
	}

	_, reader, err := c.conn.Reader(c.context())
	if err != nil {
		return 0, c.translateError(err)
	}
	n, err := reader.Read(b)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, err
	}
	c.reader = reader
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.conn.Write(c.context(), websocket.MessageBinary, b); err != nil {
		return 0, c.translateError(err)
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.deadlineCancel != nil {
		c.deadlineCancel()
	}
	c.mu.Unlock()
	c.baseCancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) LocalAddr() net.Addr  { return nil }
func (c *wsConn) RemoteAddr() net.Addr { return nil }

func (c *wsConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadlineCancel != nil {
		c.deadlineCancel()
		c.deadlineCancel = nil
		c.deadlineCtx = nil
	}
	if !t.IsZero() {
		c.deadlineCtx, c.deadlineCancel = context.WithDeadline(c.baseCtx, t)
	}
	return nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

type wsTimeoutError struct{ err error }

func (e *wsTimeoutError) Error() string   { return e.err.Error() }
func (e *wsTimeoutError) Timeout() bool   { return true }
func (e *wsTimeoutError) Temporary() bool { return true }

func (c *wsConn) translateError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &wsTimeoutError{err: err}
	}
	return err
}
