package authtable

import "testing"

func TestStickyOnceSet(t *testing.T) {
	tb := New()
	if tb.Authed() {
		t.Fatal("expected fresh table to be unauthenticated")
	}
	tb.SetAuthed()
	if !tb.Authed() {
		t.Fatal("expected Authed() true after SetAuthed")
	}
	// Stays set.
	if !tb.Authed() {
		t.Fatal("expected sticky bit to remain set")
	}
}
