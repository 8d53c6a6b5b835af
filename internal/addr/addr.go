// Package addr implements the SOCKS-style address encoding shared by every
// protocol in this repository: a type byte (IPv4, domain, or IPv6),
// length-prefixed domain names, and a big-endian port. Shadowsocks
// One-Time-Auth sets bit 0x10 on the type byte; the low nibble still
// identifies the address form.
package addr

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/postalsys/protoflex/internal/proxyerr"
)

// Type identifies the address form carried in the low nibble of the wire
// type byte.
type Type byte

const (
	TypeIPv4   Type = 0x01
	TypeDomain Type = 0x03
	TypeIPv6   Type = 0x04

	// otaBit marks a Shadowsocks One-Time-Auth address type byte.
	otaBit byte = 0x10
)

// Addr is a decoded SOCKS-style address.
type Addr struct {
	Host string
	Port uint16
	// Raw holds the address-specific bytes plus the 2-byte port, exactly
	// as they appeared on the wire after the type byte. Shadowsocks OTA
	// computes its header MAC over typeByte||Raw, so callers that need
	// the MAC must keep this around.
	Raw []byte
}

// byteReader is the minimal reader interface addr needs: exact-count reads.
// Both the stream ioadapt.Reader and bufReader (a byte-slice adapter)
// satisfy it, covering both the stream and datagram decode paths.
type byteReader interface {
	ReadN(ctx context.Context, k int) ([]byte, error)
}

// IsOTA reports whether typeByte carries the Shadowsocks OTA marker bit.
func IsOTA(typeByte byte) bool { return typeByte&otaBit != 0 }

// BaseType strips the OTA bit and returns the underlying address form.
func BaseType(typeByte byte) Type { return Type(typeByte &^ otaBit) }

// Valid reports whether typeByte's low nibble is one of the three known
// address forms. Any other value is a parse failure.
func Valid(typeByte byte) bool {
	switch BaseType(typeByte) {
	case TypeIPv4, TypeDomain, TypeIPv6:
		return true
	default:
		return false
	}
}

// Decode reads an address from a streaming reader, given the already-read
// type byte. It returns proxyerr.ErrMalformed for an unrecognized type or a
// zero-length domain name.
func Decode(ctx context.Context, r byteReader, typeByte byte) (Addr, error) {
	switch BaseType(typeByte) {
	case TypeIPv4:
		b, err := r.ReadN(ctx, 4)
		if err != nil {
			return Addr{}, err
		}
		port, raw, err := readPort(ctx, r, b)
		if err != nil {
			return Addr{}, err
		}
		return Addr{Host: net.IP(b).String(), Port: port, Raw: raw}, nil

	case TypeDomain:
		lenB, err := r.ReadN(ctx, 1)
		if err != nil {
			return Addr{}, err
		}
		n := int(lenB[0])
		if n == 0 {
			return Addr{}, fmt.Errorf("%w: zero-length domain name", proxyerr.ErrMalformed)
		}
		domain, err := r.ReadN(ctx, n)
		if err != nil {
			return Addr{}, err
		}
		body := append(append([]byte(nil), lenB...), domain...)
		port, raw, err := readPort(ctx, r, body)
		if err != nil {
			return Addr{}, err
		}
		return Addr{Host: string(domain), Port: port, Raw: raw}, nil

	case TypeIPv6:
		b, err := r.ReadN(ctx, 16)
		if err != nil {
			return Addr{}, err
		}
		port, raw, err := readPort(ctx, r, b)
		if err != nil {
			return Addr{}, err
		}
		return Addr{Host: net.IP(b).String(), Port: port, Raw: raw}, nil

	default:
		return Addr{}, fmt.Errorf("%w: unknown address type 0x%02x", proxyerr.ErrMalformed, typeByte)
	}
}

func readPort(ctx context.Context, r byteReader, body []byte) (uint16, []byte, error) {
	portBytes, err := r.ReadN(ctx, 2)
	if err != nil {
		return 0, nil, err
	}
	port := binary.BigEndian.Uint16(portBytes)
	raw := append(append([]byte(nil), body...), portBytes...)
	return port, raw, nil
}

// bufReader adapts a flat byte slice (a UDP datagram) to byteReader so
// DecodeBuffer can share Decode's logic exactly.
type bufReader struct {
	buf []byte
	pos int
}

func (b *bufReader) ReadN(_ context.Context, k int) ([]byte, error) {
	if b.pos+k > len(b.buf) {
		return nil, fmt.Errorf("%w: buffer underrun", proxyerr.ErrMalformed)
	}
	out := b.buf[b.pos : b.pos+k]
	b.pos += k
	return out, nil
}

// DecodeBuffer decodes an address from an in-memory datagram, given the
// already-consumed type byte, and returns the decoded address plus the
// number of bytes consumed from buf.
func DecodeBuffer(buf []byte, typeByte byte) (Addr, int, error) {
	br := &bufReader{buf: buf}
	a, err := Decode(context.Background(), br, typeByte)
	if err != nil {
		return Addr{}, 0, err
	}
	return a, br.pos, nil
}

// Encode renders (host, port) as the universally-accepted outbound form:
// type 0x03 (domain), even when host is an IP literal. SS OTA uses 0x13 in
// its place.
func Encode(host string, port uint16) []byte {
	return encode(host, port, byte(TypeDomain))
}

// EncodeOTA renders (host, port) with the Shadowsocks OTA domain type byte
// (0x13) in place of the plain domain type byte (0x03).
func EncodeOTA(host string, port uint16) []byte {
	return encode(host, port, byte(TypeDomain)|otaBit)
}

func encode(host string, port uint16, typeByte byte) []byte {
	out := make([]byte, 0, 4+len(host))
	out = append(out, typeByte, byte(len(host)))
	out = append(out, host...)
	out = binary.BigEndian.AppendUint16(out, port)
	return out
}
