package store

import "errors"

// Sentinel errors returned by Port operations. Callers match with
// errors.Is; the protocol engines translate these into the wire-level
// response appropriate to their protocol (spec.md §7).
var (
	// ErrNotFound is returned when a referenced email, user or key does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrForbidden is returned when loadEmailFull is called with an
	// access-checking userId that does not match any recipient or sender
	// on the email.
	ErrForbidden = errors.New("store: forbidden")
)
