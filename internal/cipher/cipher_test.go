package cipher

import (
	"bytes"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	a, err := DeriveKey([]byte("shared secret"), []byte("salt"), 16)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey([]byte("shared secret"), []byte("salt"), 16)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(a) != 16 {
		t.Fatalf("len = %d, want 16", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Fatal("same secret and salt must derive the same key")
	}
}

func TestDeriveKeySaltSeparation(t *testing.T) {
	key, err := DeriveKey([]byte("shared secret"), []byte("key"), 16)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	iv, err := DeriveKey([]byte("shared secret"), []byte("iv"), 16)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(key, iv) {
		t.Fatal("different salts must derive different material")
	}
}
