package proxyproto

import (
	"bytes"
	"context"

	"github.com/postalsys/protoflex/internal/authtable"
	"github.com/postalsys/protoflex/internal/ioadapt"
)

// recordingWriter captures every Write call for assertions and optionally
// feeds data to a downstream reader, matching the role net.Conn plays in
// production (a single full-duplex byte stream split into two interfaces
// here).
type recordingWriter struct {
	buf    bytes.Buffer
	closed bool
}

func (w *recordingWriter) Write(p []byte) (int, error)     { return w.buf.Write(p) }
func (w *recordingWriter) Drain(ctx context.Context) error { return ctx.Err() }
func (w *recordingWriter) Close() error                    { w.closed = true; return nil }

func newTestReader(data []byte) *ioadapt.Reader {
	return ioadapt.NewReader(bytes.NewReader(data), 4096)
}

func newTestParseContext(data []byte) (*ParseContext, *recordingWriter) {
	w := &recordingWriter{}
	pc := &ParseContext{
		Reader:    newTestReader(data),
		Writer:    w,
		AuthTable: authtable.New(),
	}
	return pc, w
}
