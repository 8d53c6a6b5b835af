package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/protoflex/internal/proxyproto"
)

// HTTPChannel is the HTTP-aware relay variant: a forward-proxy
// connection may be kept alive across multiple requests, and
// every request after the first still arrives as an absolute-URI request
// line that must be rewritten to path-only form with Proxy-* headers
// stripped before reaching the origin.
type HTTPChannel struct {
	*Channel
	pending []byte // bytes read from client, not yet forwarded or rewritten
}

// NewHTTP wraps client/remote the same way New does, but pumps the
// client->remote direction through a request-line rewriter instead of a
// raw byte copy. leftover carries bytes that must reach remote before any
// further client bytes (e.g. the already-rewritten first request that
// proxyproto.HTTP.Parse returns as its residual); they pass through the
// same request-line rewriter as everything read from the client.
func NewHTTP(client, remote net.Conn, opts Options, leftover []byte) *HTTPChannel {
	c := &HTTPChannel{Channel: New(client, remote, opts)}
	if len(leftover) > 0 {
		c.pending = append(c.pending, leftover...)
	}
	return c
}

// Run pumps both directions: client->remote rewriting each request line it
// finds, remote->client as a plain byte copy.
func (c *HTTPChannel) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var firstErr atomic.Value

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.pumpRewriting(); err != nil {
			firstErr.CompareAndSwap(nil, err)
		}
		c.remote.Close()
	}()
	go func() {
		defer wg.Done()
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

// pumpRewriting reads whatever the client side has available, the same
// opportunistic single-Read-per-iteration shape Channel.pump uses, so a
// request body with no line ending never blocks waiting for one. Only
// once a full line has actually landed in the buffer is it ever tested
// against the request-line pattern; anything else - a partial read with
// no newline yet, or a complete chunk that doesn't look like a request
// line - is forwarded exactly as received.
func (c *HTTPChannel) pumpRewriting() error {
	// leftover handed in by NewHTTP may already hold a complete request
	// (or even more than one, pipelined); drain it before ever touching
	// c.client.
	if err := c.processPending(); err != nil {
		return err
	}

	readBuf := make([]byte, 32*1024)
	for {
		if c.opts.IdleTimeout > 0 {
			c.client.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}
		n, err := c.client.Read(readBuf)
		if n > 0 {
			if c.opts.Limiter != nil {
				if werr := c.opts.Limiter.WaitN(context.Background(), n); werr != nil {
					return werr
				}
			}
			c.pending = append(c.pending, readBuf[:n]...)
			if perr := c.processPending(); perr != nil {
				return perr
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

// processPending drains c.pending: a buffered request line opens a header
// block, read and rewritten as a unit (bounded in size, so blocking for
// the rest of the headers here is fine); anything else buffered is
// forwarded untouched immediately, without waiting for more data to
// arrive.
func (c *HTTPChannel) processPending() error {
	for {
		idx := bytes.IndexByte(c.pending, '\n')
		if idx < 0 {
			return c.forwardPending()
		}

		line := trimCRLF(string(c.pending[:idx+1]))
		if !proxyproto.MatchesRequestLine(line) {
			return c.forwardPending()
		}

		headerBlock := []byte(line)
		c.pending = c.pending[idx+1:]
		for {
			hidx := bytes.IndexByte(c.pending, '\n')
			for hidx < 0 {
				tmp := make([]byte, 4096)
				n, err := c.client.Read(tmp)
				if n > 0 {
					c.pending = append(c.pending, tmp[:n]...)
					hidx = bytes.IndexByte(c.pending, '\n')
				}
				if err != nil {
					return err
				}
			}
			hline := trimCRLF(string(c.pending[:hidx+1]))
			c.pending = c.pending[hidx+1:]
			if hline == "" {
				break
			}
			headerBlock = append(headerBlock, '\r', '\n')
			headerBlock = append(headerBlock, hline...)
		}

		rewritten, rerr := proxyproto.RewriteHeaderBlock(headerBlock)
		if rerr != nil {
			return rerr
		}
		if _, werr := c.remote.Write(rewritten); werr != nil {
			return werr
		}
		c.stats.BytesUp.Add(int64(len(rewritten)))
		// Any bytes still in c.pending arrived past the blank-line
		// terminator in the same read (pipelined body data); loop back
		// around and either find the next request line or forward them.
	}
}

// forwardPending writes out everything currently buffered, untouched.
func (c *HTTPChannel) forwardPending() error {
	if len(c.pending) == 0 {
		return nil
	}
	if _, werr := c.remote.Write(c.pending); werr != nil {
		return werr
	}
	c.stats.BytesUp.Add(int64(len(c.pending)))
	c.pending = nil
	return nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
