package pdict

import "errors"

var (
	// ErrNotFound is returned when a key has never been cached (or was
	// deleted). Distinct from ErrStale so callers can tell the two apart.
	ErrNotFound = errors.New("pdict: key not found")

	// ErrStale is returned by value reads when the row exists but its
	// last-updated timestamp has fallen outside the expiry window.
	// Metadata reads never return it.
	ErrStale = errors.New("pdict: key expired")

	// ErrCorrupt indicates stored bytes that cannot be decompressed or
	// decoded, i.e. an incompatible or damaged on-disk format.
	ErrCorrupt = errors.New("pdict: corrupt data")

	// ErrBusy is returned when the backing store's lock could not be
	// acquired within the configured timeout.
	ErrBusy = errors.New("pdict: store busy")
)
