package provider

import (
	"context"

	"github.com/reeltake/collab/internal/channel"
	"github.com/reeltake/collab/internal/queue"
	"github.com/reeltake/collab/internal/updatelog"
)

// UpdateLog is the subset of updatelog.Client the provider depends on,
// kept as an interface so tests can substitute a fake without a real
// Gazette journal.
type UpdateLog interface {
	Append(ctx context.Context, projectID, documentID string, b []byte) (updatelog.AppendResult, error)
	Since(ctx context.Context, projectID, documentID string, sinceSeq int64, pageSize int) ([]updatelog.Record, error)
}

// Channel is the subset of channel.Adapter the provider depends on.
type Channel interface {
	Connect(ctx context.Context, projectID, documentID string, onEvent channel.OnEvent) (*channel.Handle, error)
	Close(h *channel.Handle) error
	Publish(ctx context.Context, projectID, documentID string, sequence int64, b []byte) error
}

// Queue is the subset of queue.Queue the provider depends on.
type Queue interface {
	Enqueue(ctx context.Context, docID string, b []byte) error
	Peek(ctx context.Context, docID string) (*queue.Op, error)
	Pop(ctx context.Context, op *queue.Op) error
	Requeue(ctx context.Context, op *queue.Op) (deadLettered bool, err error)
	Size(ctx context.Context, docID string) (int, error)
	DLQSize(ctx context.Context, docID string) (int, error)
}
