// Package ioadapt adapts an inbound byte stream for protocol handshakes.
// It gives handlers exact-count reads, delimiter reads, opportunistic
// reads, and a pluggable decoder chain - the mechanism Shadowsocks
// One-Time-Auth uses to turn the raw wire stream into a stream of
// MAC-verified chunk payloads partway through a connection's life.
package ioadapt

import (
	"bytes"
	"context"
	"io"
)

// DecoderFunc transforms newly read raw bytes into zero or more decoded
// bytes. Implementations are expected to be stateful closures (buffering
// partial frames across calls), mirroring the chunked OTA decoder.
type DecoderFunc func([]byte) ([]byte, error)

// Reader wraps an io.Reader with exact-count, delimiter, and opportunistic
// reads plus an installable decoder chain.
type Reader struct {
	src      io.Reader
	scratch  []byte
	decoders []DecoderFunc
	ready    []byte
}

// NewReader wraps src. scratchSize controls the size of the buffer used for
// each underlying Read call; 0 selects a sane default.
func NewReader(src io.Reader, scratchSize int) *Reader {
	if scratchSize <= 0 {
		scratchSize = 32 * 1024
	}
	return &Reader{src: src, scratch: make([]byte, scratchSize)}
}

// PushDecoder appends fn as the newest stage of the decode chain. Any bytes
// already sitting in the ready buffer are immediately re-fed through fn
// once, so a decoder installed mid-handshake (OTA activation) picks up
// bytes that were buffered before it existed.
func (r *Reader) PushDecoder(fn DecoderFunc) error {
	if len(r.ready) > 0 {
		out, err := fn(r.ready)
		if err != nil {
			return err
		}
		r.ready = append([]byte(nil), out...)
	}
	r.decoders = append(r.decoders, fn)
	return nil
}

// fill performs one underlying Read, pushes the result through the decoder
// chain in installation order, and appends whatever comes out to ready.
func (r *Reader) fill(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	n, err := r.src.Read(r.scratch)
	if n > 0 {
		chunk := append([]byte(nil), r.scratch[:n]...)
		for _, d := range r.decoders {
			var derr error
			chunk, derr = d(chunk)
			if derr != nil {
				return derr
			}
		}
		r.ready = append(r.ready, chunk...)
	}
	return err
}

// ReadN returns exactly k bytes, blocking (and performing underlying reads)
// until that many are available.
func (r *Reader) ReadN(ctx context.Context, k int) ([]byte, error) {
	if k == 0 {
		return nil, nil
	}
	for len(r.ready) < k {
		err := r.fill(ctx)
		if len(r.ready) >= k {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	out := r.ready[:k:k]
	r.ready = r.ready[k:]
	return out, nil
}

// ReadUntil returns bytes up to and including the first occurrence of delim.
func (r *Reader) ReadUntil(ctx context.Context, delim []byte) ([]byte, error) {
	for {
		if idx := bytes.Index(r.ready, delim); idx >= 0 {
			end := idx + len(delim)
			out := r.ready[:end:end]
			r.ready = r.ready[end:]
			return out, nil
		}
		err := r.fill(ctx)
		if bytes.Index(r.ready, delim) >= 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadAny returns whatever is already buffered; if nothing is, it performs
// underlying reads until at least one decoded byte is available (one read,
// unless a decoder holds back a partial frame).
func (r *Reader) ReadAny(ctx context.Context) ([]byte, error) {
	for len(r.ready) == 0 {
		err := r.fill(ctx)
		if len(r.ready) > 0 {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	out := r.ready
	r.ready = nil
	return out, nil
}

// Buffered reports how many decoded bytes are sitting in the ready buffer
// without performing any I/O.
func (r *Reader) Buffered() int {
	return len(r.ready)
}
