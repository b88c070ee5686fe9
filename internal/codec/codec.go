// Package codec validates and transport-encodes the opaque byte updates
// emitted by a CRDT document. It is the single choke point bytes must pass
// through before crossing the boundary into or out of applyUpdate, which is
// not total: malformed input can corrupt CRDT state.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// MinUpdateBytes is the default floor below which a payload cannot possibly
// be a valid update, per config key codec.minUpdateBytes.
const MinUpdateBytes = 4

// update version tags understood by validate's header check. The shape of a
// real CRDT update header is library-specific; this is the concrete choice
// made for this codec (see SPEC_FULL.md §4.1).
const (
	tagV1 byte = 0x00
	tagV2 byte = 0x01
)

// ErrInvalidUpdate is returned when bytes fail structural validation.
var ErrInvalidUpdate = errors.New("codec: invalid update")

// ErrInvalidEncoding is returned when a string fails to decode as base64.
var ErrInvalidEncoding = errors.New("codec: invalid encoding")

// Codec validates and base64-transports CRDT update byte strings.
type Codec struct {
	minBytes int
}

// New returns a Codec enforcing the given minimum update size. A zero or
// negative value falls back to MinUpdateBytes.
func New(minUpdateBytes int) *Codec {
	if minUpdateBytes <= 0 {
		minUpdateBytes = MinUpdateBytes
	}
	return &Codec{minBytes: minUpdateBytes}
}

// Validate performs a structural check: a length floor and a header sanity
// check. It does not guarantee the bytes merge cleanly, only that they are
// not obviously garbage.
func (c *Codec) Validate(b []byte) bool {
	if len(b) < c.minBytes {
		return false
	}
	switch b[0] {
	case tagV1, tagV2:
		return true
	default:
		return false
	}
}

// Encode base64-encodes b for transport, after validating it.
func (c *Codec) Encode(b []byte) (string, error) {
	if !c.Validate(b) {
		return "", fmt.Errorf("%w: %d bytes below floor or bad header", ErrInvalidUpdate, len(b))
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode is the inverse of Encode. It does not re-validate the decoded
// bytes; callers that need the structural guarantee should call Validate
// explicitly before applying the result.
func (c *Codec) Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}
