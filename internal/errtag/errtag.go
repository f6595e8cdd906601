// Package errtag collects the sentinel errors shared across nodeweave's
// components, checked with errors.Is at package boundaries rather than by
// comparing strings (§10 "Errors").
package errtag

import "errors"

var (
	// ErrNotFound means a lookup (cache, partial registry, peer) found
	// nothing for the given key.
	ErrNotFound = errors.New("not found")
	// ErrBanned means the remote address is currently in a ban set and the
	// caller should drop the exchange without further processing.
	ErrBanned = errors.New("banned")
	// ErrRangeUnsatisfiable means a Range header's bounds fall outside the
	// resource's current size (§4.2 "Ranges").
	ErrRangeUnsatisfiable = errors.New("range unsatisfiable")
	// ErrTooSmall means a transfer's size falls under the configured
	// minimum for its store class, so the caller should fall back to the
	// origin instead of serving it from cache (§4.7 "Size gate").
	ErrTooSmall = errors.New("below minimum size for store class")
	// ErrNoCandidate means no peer responded, or every peer that responded
	// failed, so the caller should fall back to the origin (§4.7 step 7).
	ErrNoCandidate = errors.New("no peer candidate available")
	// ErrOverloaded means a peer reported it has reached its configured
	// active-connection limit and should not be asked for this file
	// (§4.6 "Overloaded").
	ErrOverloaded = errors.New("peer overloaded")
)
