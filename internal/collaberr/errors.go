// Package collaberr defines the shared error taxonomy of SPEC_FULL.md §7.
// Every boundary (update log, channel, breaker, provider) returns or wraps
// one of these sentinels instead of inventing its own exception hierarchy,
// so callers can branch with errors.Is regardless of which layer produced
// the error.
package collaberr

import "errors"

var (
	// ErrDenied means the backing store refused the operation. Authorization
	// failures and not-found are folded into this single sentinel so the
	// client can never distinguish the two (preventing enumeration).
	ErrDenied = errors.New("collab: denied")

	// ErrTransient means a timeout, network failure, or 5xx-equivalent.
	// Retried implicitly via breaker and offline queue.
	ErrTransient = errors.New("collab: transient failure")

	// ErrConflict means an append was rejected due to a version mismatch.
	// Treated identically to ErrTransient: the CRDT merge resolves on retry.
	ErrConflict = errors.New("collab: version conflict")

	// ErrGap means a sequence discontinuity was observed on the realtime
	// channel, triggering a catch-up fetch. Internal to the provider; not
	// normally surfaced to callers.
	ErrGap = errors.New("collab: sequence gap")

	// ErrInvalidUpdate means a remote update failed codec validation and was
	// dropped without being merged. Counts as a subscribe-breaker failure: a
	// peer sending a steady stream of malformed updates should eventually
	// trip the breaker like any other subscribe fault.
	ErrInvalidUpdate = errors.New("collab: invalid update")
)
