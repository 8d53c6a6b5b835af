// Package authtable implements the per-peer sticky authentication bit
// protocol code reads and writes: once a peer has presented valid
// credentials, it may skip re-presenting them for the remainder of the
// session.
package authtable

import "sync/atomic"

// Table is the collaborator contract handlers use. It is mutated only by
// the handshake task for a given connection.
type Table interface {
	// Authed reports whether this peer's session has already authenticated.
	Authed() bool
	// SetAuthed marks the peer's session as authenticated. Sticky: once
	// set, it remains set for the lifetime of the Table.
	SetAuthed()
}

// Sticky is the default Table: a single atomic bool, safe to share across
// the goroutines of one connection's handshake.
type Sticky struct {
	authed atomic.Bool
}

// New returns a fresh, unauthenticated Sticky table.
func New() *Sticky {
	return &Sticky{}
}

// Authed implements Table.
func (s *Sticky) Authed() bool {
	return s.authed.Load()
}

// SetAuthed implements Table.
func (s *Sticky) SetAuthed() {
	s.authed.Store(true)
}
