// Package crdt declares the library-agnostic contract the provider requires
// of a CRDT document implementation, per SPEC_FULL.md §6. The provider never
// imports a concrete CRDT library directly; it depends only on this
// interface, so swapping the underlying library (Yjs-style, Automerge-style,
// or otherwise) never touches provider code.
package crdt

// Origin tags a transaction with who initiated it, distinguishing locally
// authored updates from updates applied on behalf of a remote peer. The
// provider uses OriginRemote as a re-entrancy guard: an update observed
// while applying a remote update must never be re-persisted.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Update is an opaque byte delta emitted by a Document, paired with the
// Origin of the transaction that produced it.
type Update struct {
	Bytes  []byte
	Origin Origin
}

// Document is the subset of a CRDT document's API the provider depends on.
// Implementations must guarantee ApplyUpdate is an idempotent, commutative
// merge: applying the same update bytes more than once, in any order
// relative to other updates, converges to the same state.
type Document interface {
	// Subscribe registers fn to be called once for every local or remote
	// update transaction applied to the document, including ones applied by
	// ApplyUpdate itself. Returns an unsubscribe function.
	Subscribe(fn func(Update)) (unsubscribe func())

	// ApplyUpdate merges bytes into the document under the given origin. It
	// must be safe to call with bytes the document has already merged.
	ApplyUpdate(bytes []byte, origin Origin) error

	// EncodeStateAsUpdate returns a byte string describing the document's
	// full current state, suitable for snapshot comparison in tests and for
	// cold-start initialization flows external to this module.
	EncodeStateAsUpdate() []byte
}
