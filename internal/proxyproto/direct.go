package proxyproto

import "context"

// Direct is the no-op protocol: it never recognizes an inbound header (it
// is only ever selected explicitly, e.g. as an upstream selector, where
// "direct" means dial the target with no proxy handshake at all) and has
// no server-side framing.
type Direct struct {
	Unsupported
}

func NewDirect(param string) *Direct { return &Direct{} }

func (d *Direct) Name() string { return "direct" }

func (d *Direct) Recognize(firstByte *byte, pc *ParseContext) bool { return false }

func (d *Direct) Parse(ctx context.Context, firstByte *byte, pc *ParseContext) (Target, error) {
	return Target{}, unsupportedf("direct has no server-side handshake")
}

// Connect is a no-op: a direct egress speaks no proxy framing, the dialed
// connection already points at the target.
func (d *Direct) Connect(ctx context.Context, host string, port uint16, cc *ConnectContext) error {
	return nil
}

// UDPConnect passes payload through unframed.
func (d *Direct) UDPConnect(remoteAuth []byte, host string, port uint16, payload []byte) ([]byte, error) {
	return payload, nil
}
