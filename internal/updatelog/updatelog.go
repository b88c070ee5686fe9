// Package updatelog implements the append-and-fetch API of SPEC_FULL.md
// §4.5 against a Gazette journal, the teacher's own signature dependency
// for exactly this shape of problem: an authenticated, totally-ordered,
// append-only byte stream with atomic append and offset-addressed reads.
//
// Each document's update log is one journal, named updatelog.JournalName.
// Because Gazette journals are raw byte streams, records are framed with a
// big-endian length prefix (adapted from the teacher corpus's own
// message.Framing pattern) so Since can recover individual update
// boundaries from a byte range.
package updatelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/reeltake/collab/internal/collaberr"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
)

// FrameHeaderLen is the length of the big-endian length-prefix written
// before every framed record.
const FrameHeaderLen = 8

// Record is one appended update and the sequence (journal byte offset) at
// which it begins.
type Record struct {
	Sequence int64
	Bytes    []byte
}

// AppendResult is the outcome of a successful Append.
type AppendResult struct {
	Sequence   int64
	NewVersion int64 // the journal's write head immediately after this append
}

// Client is the production Update Log Client, backed by a Gazette journal
// per document.
type Client struct {
	rjc pb.RoutedJournalClient
}

// New returns a Client issuing append/read RPCs through rjc. Establishing
// rjc (broker discovery, TLS, auth plugin) is a precondition of this
// package, per SPEC_FULL.md's "Backing store contract".
func New(rjc pb.RoutedJournalClient) *Client {
	return &Client{rjc: rjc}
}

// JournalName computes the journal backing a document's update log. It is
// a pure function of (projectID, documentID), satisfying invariant 1: no
// two documents share a journal, and neither id may be empty or contain a
// '/' or ':' separator (which would let one id's value bleed into the
// other's position in the name).
func JournalName(projectID, documentID string) (pb.Journal, error) {
	if projectID == "" {
		return "", fmt.Errorf("updatelog: projectID is required")
	}
	if documentID == "" {
		return "", fmt.Errorf("updatelog: documentID is required")
	}
	if strings.ContainsAny(projectID, "/:") || strings.ContainsAny(documentID, "/:") {
		return "", fmt.Errorf("updatelog: ids must not contain '/' or ':'")
	}
	return pb.Journal(fmt.Sprintf("updates/%s/%s", projectID, documentID)), nil
}

// Append atomically appends b to the journal for (projectID, documentID)
// and returns the offset at which this record begins.
func (c *Client) Append(ctx context.Context, projectID, documentID string, b []byte) (AppendResult, error) {
	journal, err := JournalName(projectID, documentID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: %v", collaberr.ErrDenied, err)
	}

	var frame = frame(b)
	var appender = client.NewAppender(ctx, c.rjc, pb.AppendRequest{Journal: journal})
	if _, err := appender.Write(frame); err != nil {
		return AppendResult{}, classifyAppendErr(err)
	}
	if err := appender.Close(); err != nil {
		return AppendResult{}, classifyAppendErr(err)
	}

	var begin = appender.Response.Commit.Begin
	var end = appender.Response.Commit.End
	return AppendResult{Sequence: begin, NewVersion: end}, nil
}

// Since returns the updates whose records begin at or after offset
// sinceSeq (which must be a record boundary), in ascending order, reading
// at most pageSize records. The caller loops until the returned
// slice is shorter than pageSize (or empty), per SPEC_FULL.md §4.5.
func (c *Client) Since(ctx context.Context, projectID, documentID string, sinceSeq int64, pageSize int) ([]Record, error) {
	journal, err := JournalName(projectID, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", collaberr.ErrDenied, err)
	}

	var reader = client.NewReader(ctx, c.rjc, pb.ReadRequest{
		Journal: journal,
		Offset:  sinceSeq,
		Block:   false,
	})
	defer reader.Close()

	var out []Record
	var offset = sinceSeq
	for len(out) < pageSize {
		var hdr [FrameHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return out, classifyReadErr(err)
		}

		var n = binary.BigEndian.Uint64(hdr[:])
		var payload = make([]byte, n)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return out, classifyReadErr(err)
		}

		out = append(out, Record{Sequence: offset, Bytes: payload})
		offset += FrameHeaderLen + int64(n)
	}
	return out, nil
}

func frame(b []byte) []byte {
	var out = make([]byte, FrameHeaderLen+len(b))
	binary.BigEndian.PutUint64(out[:FrameHeaderLen], uint64(len(b)))
	copy(out[FrameHeaderLen:], b)
	return out
}

func classifyAppendErr(err error) error {
	switch {
	case errors.Is(err, pb.ErrJournalNotFound), errors.Is(err, client.ErrNotJournalPrimaryBroker):
		// Not-found and auth-plugin rejection are indistinguishable to the
		// caller, per SPEC_FULL.md §4.5's Denied-folding requirement.
		return fmt.Errorf("%w: %v", collaberr.ErrDenied, err)
	case errors.Is(err, client.ErrWrongAppendOffset):
		return fmt.Errorf("%w: %v", collaberr.ErrConflict, err)
	default:
		return fmt.Errorf("%w: %v", collaberr.ErrTransient, err)
	}
}

func classifyReadErr(err error) error {
	if errors.Is(err, pb.ErrJournalNotFound) {
		return fmt.Errorf("%w: %v", collaberr.ErrDenied, err)
	}
	return fmt.Errorf("%w: %v", collaberr.ErrTransient, err)
}
