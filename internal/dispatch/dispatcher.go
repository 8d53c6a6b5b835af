// Package dispatch implements the protocol-recognition loop: given an
// ordered set of handlers, find the one that recognizes an incoming
// connection and hand off to its Parse.
package dispatch

import (
	"context"

	"github.com/postalsys/protoflex/internal/proxyerr"
	"github.com/postalsys/protoflex/internal/proxyproto"
)

// Dispatcher tries each of its handlers in order, first without consuming
// any client bytes (for the transparent-redirect family, which has no
// header to peek), then against one pre-read byte.
type Dispatcher struct {
	handlers []proxyproto.Handler
}

// New builds a Dispatcher over handlers, tried in the given order.
func New(handlers ...proxyproto.Handler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Dispatch runs the two-phase recognize loop and, on a match, calls Parse.
// It returns proxyerr.ErrUnsupported if no handler recognizes the
// connection.
func (d *Dispatcher) Dispatch(ctx context.Context, pc *proxyproto.ParseContext) (proxyproto.Handler, proxyproto.Target, error) {
	if h := d.recognize(nil, pc); h != nil {
		t, err := h.Parse(ctx, nil, pc)
		return h, t, err
	}

	b, err := pc.Reader.ReadN(ctx, 1)
	if err != nil {
		return nil, proxyproto.Target{}, err
	}
	first := b[0]

	if h := d.recognize(&first, pc); h != nil {
		t, err := h.Parse(ctx, &first, pc)
		return h, t, err
	}

	return nil, proxyproto.Target{}, proxyerr.ErrUnsupported
}

func (d *Dispatcher) recognize(firstByte *byte, pc *proxyproto.ParseContext) proxyproto.Handler {
	for _, h := range d.handlers {
		if h.Recognize(firstByte, pc) {
			return h
		}
	}
	return nil
}

// DispatchUDP tries each handler's UDPParse against one datagram in order,
// returning the first match.
func (d *Dispatcher) DispatchUDP(data []byte, pc *proxyproto.ParseContext) (proxyproto.Handler, proxyproto.Target, error) {
	for _, h := range d.handlers {
		if t, ok := h.UDPParse(data, pc); ok {
			return h, t, nil
		}
	}
	return nil, proxyproto.Target{}, proxyerr.ErrUnsupported
}
