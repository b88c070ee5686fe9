package queue_test

import (
	"context"
	"testing"

	"github.com/reeltake/collab/internal/queue"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	var ctx = context.Background()
	q, err := queue.Open(":memory:", 5)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, "D1", []byte("b1")))
	require.NoError(t, q.Enqueue(ctx, "D1", []byte("b2")))
	require.NoError(t, q.Enqueue(ctx, "D1", []byte("b3")))

	n, err := q.Size(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, want := range []string{"b1", "b2", "b3"} {
		op, err := q.Peek(ctx, "D1")
		require.NoError(t, err)
		require.NotNil(t, op)
		require.Equal(t, want, string(op.Bytes))
		require.NoError(t, q.Pop(ctx, op))
	}

	op, err := q.Peek(ctx, "D1")
	require.NoError(t, err)
	require.Nil(t, op)
}

func TestRequeueDeadLettersAfterMaxAttempts(t *testing.T) {
	var ctx = context.Background()
	q, err := queue.Open(":memory:", 2)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, "D1", []byte("b1")))

	op, err := q.Peek(ctx, "D1")
	require.NoError(t, err)

	dead, err := q.Requeue(ctx, op)
	require.NoError(t, err)
	require.False(t, dead, "first failure should requeue, not dead-letter")

	op, err = q.Peek(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, 1, op.Attempts)

	dead, err = q.Requeue(ctx, op)
	require.NoError(t, err)
	require.True(t, dead, "second failure hits maxAttempts=2")

	n, err := q.Size(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	dlq, err := q.DLQSize(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, 1, dlq)
}

func TestRequeuePreservesFIFOOrder(t *testing.T) {
	var ctx = context.Background()
	q, err := queue.Open(":memory:", 5)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, "D1", []byte("a")))
	require.NoError(t, q.Enqueue(ctx, "D1", []byte("b")))
	require.NoError(t, q.Enqueue(ctx, "D1", []byte("c")))

	op, err := q.Peek(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, "a", string(op.Bytes))

	dead, err := q.Requeue(ctx, op)
	require.NoError(t, err)
	require.False(t, dead)

	// "a" failed and was requeued; it must still come out ahead of "b" and
	// "c", which were already behind it before the retry.
	op, err = q.Peek(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, "a", string(op.Bytes))
	require.Equal(t, 1, op.Attempts)
	require.NoError(t, q.Pop(ctx, op))

	op, err = q.Peek(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, "b", string(op.Bytes))
}

func TestDocumentIsolation(t *testing.T) {
	var ctx = context.Background()
	q, err := queue.Open(":memory:", 5)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, "D1", []byte("b1")))
	require.NoError(t, q.Enqueue(ctx, "D2", []byte("b2")))

	n, err := q.Size(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
