package proxyproto

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"

	"github.com/postalsys/protoflex/internal/cipher"
	"github.com/postalsys/protoflex/internal/ioadapt"
)

// otaMAC computes the 10-byte truncated HMAC-SHA1 used for both the OTA
// address header and every chunk: HMAC-SHA1(key, data)[:10].
func otaMAC(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:10]
}

// newOTAReaderDecoder returns an ioadapt.DecoderFunc implementing the OTA
// chunk wire layout: len_be_u16 || hmac10 || payload[len], repeated,
// keyed per-chunk by iv||chunk_id. It is installed via Reader.PushDecoder
// once OTA is confirmed active, so it only ever sees bytes that arrive (or
// were already buffered) after the header MAC check.
func newOTAReaderDecoder(view *cipher.View) ioadapt.DecoderFunc {
	var chunkID uint32
	var buf []byte
	return func(in []byte) ([]byte, error) {
		buf = append(buf, in...)
		var out []byte
		for {
			if len(buf) < 2 {
				break
			}
			length := int(binary.BigEndian.Uint16(buf[:2]))
			if len(buf) < 2+10+length {
				break
			}
			mac := buf[2 : 2+10]
			payload := buf[2+10 : 2+10+length]
			want := otaMAC(chunkKey(view, chunkID), payload)
			if !hmac.Equal(mac, want) {
				return nil, malformedf("ota chunk %d mac mismatch", chunkID)
			}
			out = append(out, payload...)
			buf = buf[2+10+length:]
			chunkID++
		}
		return out, nil
	}
}

func chunkKey(view *cipher.View, chunkID uint32) []byte {
	key := make([]byte, len(view.IV)+4)
	copy(key, view.IV)
	binary.BigEndian.PutUint32(key[len(view.IV):], chunkID)
	return key
}

// otaWriter wraps a Writer so every Write call emits one OTA-framed chunk;
// empty writes are elided.
type otaWriter struct {
	Writer
	view    *cipher.View
	chunkID uint32
}

func newOTAWriter(w Writer, view *cipher.View) *otaWriter {
	return &otaWriter{Writer: w, view: view}
}

func (w *otaWriter) Write(payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	mac := otaMAC(chunkKey(w.view, w.chunkID), payload)
	w.chunkID++
	frame := make([]byte, 0, 2+10+len(payload))
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, mac...)
	frame = append(frame, payload...)
	if _, err := w.Writer.Write(frame); err != nil {
		return 0, err
	}
	return len(payload), nil
}
