// Package memdoc is a reference crdt.Document used by tests and by
// cmd/collabctl's demo mode. It implements a trivial set-union CRDT: the
// document's state is the set of all update byte-strings ever merged into
// it, keyed by content hash. Set union is commutative, associative, and
// idempotent by construction, which is exactly the guarantee crdt.Document
// requires without pulling in a real CRDT library.
package memdoc

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/minio/highwayhash"
	"github.com/reeltake/collab/internal/crdt"
)

// highwayKey is an arbitrary fixed 32-byte key; memdoc only needs a stable,
// low-collision dedupe key for update bytes, not a cryptographic guarantee.
var highwayKey = make([]byte, 32)

// Document is a crdt.Document backed by an in-process set of merged
// updates.
type Document struct {
	mu        sync.Mutex
	seen      map[[highwayhash.Size]byte][]byte
	listeners []func(crdt.Update)
}

// New returns an empty Document.
func New() *Document {
	return &Document{seen: make(map[[highwayhash.Size]byte][]byte)}
}

func (d *Document) Subscribe(fn func(crdt.Update)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listeners = append(d.listeners, fn)
	var idx = len(d.listeners) - 1

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listeners[idx] = nil
	}
}

func (d *Document) ApplyUpdate(b []byte, origin crdt.Origin) error {
	var key [highwayhash.Size]byte
	copy(key[:], highwayhash.Sum(b, highwayKey))

	d.mu.Lock()
	_, dup := d.seen[key]
	if !dup {
		var cp = make([]byte, len(b))
		copy(cp, b)
		d.seen[key] = cp
	}
	var listeners = append([]func(crdt.Update){}, d.listeners...)
	d.mu.Unlock()

	if dup {
		return nil // idempotent: already merged
	}
	for _, fn := range listeners {
		if fn != nil {
			fn(crdt.Update{Bytes: b, Origin: origin})
		}
	}
	return nil
}

// EncodeStateAsUpdate returns the sorted concatenation of every merged
// update, length-prefixed. Sorting makes the snapshot independent of merge
// order, matching the convergence property the CRDT must uphold.
func (d *Document) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	var all = make([][]byte, 0, len(d.seen))
	for _, b := range d.seen {
		all = append(all, b)
	}
	d.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return bytes.Compare(all[i], all[j]) < 0 })

	var out bytes.Buffer
	for _, b := range all {
		var hdr [8]byte
		binary.BigEndian.PutUint64(hdr[:], uint64(len(b)))
		out.Write(hdr[:])
		out.Write(b)
	}
	return out.Bytes()
}

// Emit injects a locally-authored update into the document and notifies
// subscribers, simulating what the real editor-facing CRDT library does
// when the user types. Used by tests and cmd/collabctl.
func (d *Document) Emit(b []byte) error {
	return d.ApplyUpdate(b, crdt.OriginLocal)
}
