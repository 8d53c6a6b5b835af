// Package relay implements the bidirectional byte-pump channel: once a
// handler's Parse/Connect have agreed on a target, relay copies bytes
// each direction until either side closes, counting bytes and optionally
// rewriting in-flight HTTP request lines for the forward-proxy case.
package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/protoflex/internal/logging"
)

// Stats accumulates byte counters for one relayed session.
type Stats struct {
	BytesUp   atomic.Int64
	BytesDown atomic.Int64
}

// Options configures a Channel.
type Options struct {
	// IdleTimeout resets both sides' read deadlines after every successful
	// read/write; zero disables idle timeouts.
	IdleTimeout time.Duration

	// Limiter, if set, throttles the upstream (client -> remote)
	// direction only - the direction operators most often want to cap.
	Limiter *rate.Limiter

	Logger *slog.Logger
}

// Channel relays bytes between a client connection and a remote connection.
type Channel struct {
	client net.Conn
	remote net.Conn
	opts   Options
	stats  Stats
}

// New builds a Channel over an already-connected client/remote pair.
func New(client, remote net.Conn, opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Channel{client: client, remote: remote, opts: opts}
}

// Stats returns the running byte counters.
func (c *Channel) Stats() *Stats { return &c.stats }

// Run pumps bytes both directions until one side closes or ctx is
// cancelled, then closes both ends.
func (c *Channel) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var firstErr atomic.Value

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer logging.RecoverPanic(c.opts.Logger, "relay", "direction", "up")
		if err := c.pump(c.client, c.remote, &c.stats.BytesUp, c.opts.Limiter); err != nil {
			firstErr.CompareAndSwap(nil, err)
		}
		c.remote.Close()
	}()
	go func() {
		defer wg.Done()
		defer logging.RecoverPanic(c.opts.Logger, "relay", "direction", "down")
		if err := c.pump(c.remote, c.client, &c.stats.BytesDown, nil); err != nil {
			firstErr.CompareAndSwap(nil, err)
		}
		c.client.Close()
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		c.client.Close()
		c.remote.Close()
		<-done
		return ctx.Err()
	case <-done:
	}

	if v := firstErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Channel) pump(src, dst net.Conn, counter *atomic.Int64, limiter *rate.Limiter) error {
	buf := make([]byte, 32*1024)
	for {
		if c.opts.IdleTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(context.Background(), n); werr != nil {
					return werr
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			counter.Add(int64(n))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
