package canvas

import "errors"

var (
	// ErrNotFound is returned when a canvas has no metadata record.
	ErrNotFound = errors.New("canvas: not found")

	// ErrInvalidID is returned for canvas IDs that cannot be used as storage keys.
	ErrInvalidID = errors.New("canvas: invalid id")

	// ErrCapacityExceeded is returned when a canvas already has MaxUsers
	// distinct contributors and another one tries to join the index table.
	ErrCapacityExceeded = errors.New("canvas: user index table full")

	// ErrMalformedFrame is returned when a binary frame's count byte does not
	// match its length.
	ErrMalformedFrame = errors.New("canvas: malformed frame")

	// ErrSessionClosed is returned by a session that is draining or closed.
	// Callers should resolve the canvas again through the registry.
	ErrSessionClosed = errors.New("canvas: session closed")

	// ErrNotSubscribed is returned when a connection writes to a canvas it
	// has not subscribed to.
	ErrNotSubscribed = errors.New("canvas: not subscribed")

	// ErrPersistInProgress is returned when a persist is requested while
	// another one is still writing.
	ErrPersistInProgress = errors.New("canvas: persist in progress")
)
