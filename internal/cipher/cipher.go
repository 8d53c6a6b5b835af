// Package cipher defines the opaque cipher context protocol handlers
// consume. Handlers never perform general-purpose stream encryption
// themselves; Shadowsocks/SSR only ever read View.IV, View.Key, and
// View.OTA to compute or verify One-Time-Auth MACs, and the server
// derives that material from a configured shared secret.
package cipher

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// View is the immutable cipher context a handler is given for a connection.
// Protocol code reads it; it never mutates it.
type View struct {
	IV  []byte
	Key []byte
	OTA bool
}

// DeriveKey derives a size-byte record key from a shared secret and salt
// using HKDF-SHA256.
func DeriveKey(secret, salt []byte, size int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, []byte("protoflex record key"))
	key := make([]byte, size)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}
