package proxyproto

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/postalsys/protoflex/internal/addr"
	"github.com/postalsys/protoflex/internal/cipher"
	"github.com/postalsys/protoflex/internal/ioadapt"
)

func testView(ota bool) *cipher.View {
	return &cipher.View{IV: []byte("0123456789abcdef"), Key: []byte("shared-secret-key-material"), OTA: ota}
}

// TestSSOTAHandshakeAndChunk checks that an OTA header with a correct MAC
// is accepted, the address decodes, and a single correctly-MAC'd chunk
// that follows on the wire is delivered intact.
func TestSSOTAHandshakeAndChunk(t *testing.T) {
	view := testView(true)
	rawAddr := addr.EncodeOTA("example.com", 80)
	headerMAC := otaMAC(append(append([]byte(nil), view.IV...), view.Key...), rawAddr)

	chunkPayload := []byte("hello world")
	chunkMAC := otaMAC(chunkKey(view, 0), chunkPayload)
	chunk := append([]byte{0x00, byte(len(chunkPayload))}, chunkMAC...)
	chunk = append(chunk, chunkPayload...)

	body := append(append([]byte(nil), rawAddr[1:]...), headerMAC...)
	body = append(body, chunk...)

	pc, _ := newTestParseContext(body)
	pc.ReaderCipher = view

	h := NewSS("")
	first := rawAddr[0]
	target, err := h.Parse(context.Background(), &first, pc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if target.Host != "example.com" || target.Port != 80 {
		t.Fatalf("target = %+v", target)
	}

	got, err := pc.Reader.ReadN(context.Background(), len(chunkPayload))
	if err != nil {
		t.Fatalf("reading decoded chunk: %v", err)
	}
	if string(got) != string(chunkPayload) {
		t.Fatalf("decoded chunk = %q, want %q", got, chunkPayload)
	}
}

func TestSSOTAHeaderMACTamperRejected(t *testing.T) {
	view := testView(true)
	rawAddr := addr.EncodeOTA("example.com", 80)
	headerMAC := otaMAC(append(append([]byte(nil), view.IV...), view.Key...), rawAddr)
	headerMAC[0] ^= 0xff // flip a bit in the MAC

	body := append(append([]byte(nil), rawAddr[1:]...), headerMAC...)
	pc, _ := newTestParseContext(body)
	pc.ReaderCipher = view

	h := NewSS("")
	first := rawAddr[0]
	if _, err := h.Parse(context.Background(), &first, pc); err == nil {
		t.Fatal("expected malformed error for tampered OTA header MAC")
	}
}

func TestSSOTAChunkTamperRejected(t *testing.T) {
	view := testView(true)
	rawAddr := addr.EncodeOTA("example.com", 80)
	headerMAC := otaMAC(append(append([]byte(nil), view.IV...), view.Key...), rawAddr)

	chunkPayload := []byte("hello world")
	chunkMAC := otaMAC(chunkKey(view, 0), chunkPayload)
	chunk := append([]byte{0x00, byte(len(chunkPayload))}, chunkMAC...)
	chunk = append(chunk, chunkPayload...)
	chunk[len(chunk)-1] ^= 0xff // flip a bit in the payload, after the MAC was computed

	head := append(append([]byte(nil), rawAddr[1:]...), headerMAC...)

	// The tampered chunk arrives in a later underlying read than the
	// header, so the OTA decoder first sees it after Parse has installed it.
	pc, _ := newTestParseContext(nil)
	pc.Reader = ioadapt.NewReader(io.MultiReader(bytes.NewReader(head), bytes.NewReader(chunk)), 4096)
	pc.ReaderCipher = view

	h := NewSS("")
	first := rawAddr[0]
	if _, err := h.Parse(context.Background(), &first, pc); err != nil {
		t.Fatalf("header should still parse cleanly: %v", err)
	}
	if _, err := pc.Reader.ReadN(context.Background(), len(chunkPayload)); err == nil {
		t.Fatal("expected chunk MAC mismatch to surface as an error")
	}
}

func TestSSRequiresOTAWhenCipherDemandsIt(t *testing.T) {
	view := testView(true)
	rawAddr := addr.Encode("example.com", 80) // plain, non-OTA type byte

	pc, _ := newTestParseContext(rawAddr[1:])
	pc.ReaderCipher = view

	h := NewSS("")
	first := rawAddr[0]
	if _, err := h.Parse(context.Background(), &first, pc); err == nil {
		t.Fatal("expected unauthorized error when cipher requires OTA but client omitted it")
	}
}

func TestSSPlainNoCipher(t *testing.T) {
	rawAddr := addr.Encode("example.com", 80)
	pc, _ := newTestParseContext(rawAddr[1:])

	h := NewSS("")
	first := rawAddr[0]
	target, err := h.Parse(context.Background(), &first, pc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if target.Host != "example.com" || target.Port != 80 {
		t.Fatalf("target = %+v", target)
	}
}

func TestSSRecognizeWithAuthPrefix(t *testing.T) {
	h := NewSS("")
	pc := &ParseContext{Auth: []byte{0x42, 0x01, 0x02}}
	match := byte(0x42)
	nomatch := byte(0x43)
	if !h.Recognize(&match, pc) {
		t.Fatal("expected recognize when first byte matches auth prefix")
	}
	if h.Recognize(&nomatch, pc) {
		t.Fatal("did not expect recognize on non-matching first byte")
	}
}

func TestSSUDPRoundTrip(t *testing.T) {
	h := NewSS("")
	datagram := append(addr.Encode("example.com", 80), "payload"...)
	target, ok := h.UDPParse(datagram, &ParseContext{})
	if !ok {
		t.Fatal("expected UDPParse to match")
	}
	if target.Host != "example.com" || target.Port != 80 || string(target.Residual) != "payload" {
		t.Fatalf("target = %+v", target)
	}
	out, err := h.UDPConnect(nil, "example.com", 80, []byte("payload"))
	if err != nil {
		t.Fatalf("UDPConnect: %v", err)
	}
	if string(out) != string(datagram) {
		t.Fatalf("UDPConnect = % x, want % x", out, datagram)
	}
}
