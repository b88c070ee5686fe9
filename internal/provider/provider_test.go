package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reeltake/collab/internal/breaker"
	"github.com/reeltake/collab/internal/channel"
	"github.com/reeltake/collab/internal/codec"
	"github.com/reeltake/collab/internal/collaberr"
	"github.com/reeltake/collab/internal/crdt/memdoc"
	"github.com/reeltake/collab/internal/ops"
	"github.com/reeltake/collab/internal/queue"
	"github.com/reeltake/collab/internal/updatelog"
	"github.com/stretchr/testify/require"
)

func recordKey(projectID, documentID string) string { return projectID + "|" + documentID }

// fakeLog is an in-memory UpdateLog keyed by (projectID, documentID), using
// the same cumulative byte-offset sequencing as the real Gazette-backed
// Client so gap-detection arithmetic is exercised identically.
type fakeLog struct {
	mu        sync.Mutex
	records   map[string][]updatelog.Record
	offset    map[string]int64
	failNext  int
	failDenied bool
}

func newFakeLog() *fakeLog {
	return &fakeLog{records: map[string][]updatelog.Record{}, offset: map[string]int64{}}
}

func (f *fakeLog) Append(ctx context.Context, projectID, documentID string, b []byte) (updatelog.AppendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failDenied {
		return updatelog.AppendResult{}, collaberr.ErrDenied
	}
	if f.failNext > 0 {
		f.failNext--
		return updatelog.AppendResult{}, collaberr.ErrTransient
	}

	var k = recordKey(projectID, documentID)
	var begin = f.offset[k]
	var cp = append([]byte(nil), b...)
	f.records[k] = append(f.records[k], updatelog.Record{Sequence: begin, Bytes: cp})
	var end = begin + updatelog.FrameHeaderLen + int64(len(b))
	f.offset[k] = end
	return updatelog.AppendResult{Sequence: begin, NewVersion: end}, nil
}

func (f *fakeLog) Since(ctx context.Context, projectID, documentID string, sinceSeq int64, pageSize int) ([]updatelog.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return nil, collaberr.ErrTransient
	}

	var k = recordKey(projectID, documentID)
	var out []updatelog.Record
	for _, rec := range f.records[k] {
		if rec.Sequence >= sinceSeq {
			out = append(out, rec)
			if len(out) >= pageSize {
				break
			}
		}
	}
	return out, nil
}

// fakeChannel is an in-memory Channel that delivers Publish calls
// synchronously to every Connect'd subscriber of the same topic, including
// the publisher's own subscription — mirroring real pub/sub, where a
// client observes its own writes echoed back.
type fakeChannel struct {
	mu   sync.Mutex
	subs map[string][]channel.OnEvent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: map[string][]channel.OnEvent{}}
}

func (f *fakeChannel) Connect(ctx context.Context, projectID, documentID string, onEvent channel.OnEvent) (*channel.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var k = recordKey(projectID, documentID)
	f.subs[k] = append(f.subs[k], onEvent)
	return &channel.Handle{}, nil
}

func (f *fakeChannel) Close(h *channel.Handle) error { return nil }

func (f *fakeChannel) Publish(ctx context.Context, projectID, documentID string, sequence int64, b []byte) error {
	f.mu.Lock()
	var k = recordKey(projectID, documentID)
	var subs = append([]channel.OnEvent{}, f.subs[k]...)
	f.mu.Unlock()

	for _, fn := range subs {
		fn(channel.Event{Sequence: sequence, Bytes: b})
	}
	return nil
}

// fakeQueue is an in-memory Queue mirroring the SQLite-backed Queue's
// contract closely enough to exercise the provider's drain/requeue paths.
type fakeQueue struct {
	mu          sync.Mutex
	ops         []*queue.Op
	dlq         []*queue.Op
	nextID      int64
	maxAttempts int
}

func newFakeQueue(maxAttempts int) *fakeQueue {
	return &fakeQueue{maxAttempts: maxAttempts}
}

func (q *fakeQueue) Enqueue(ctx context.Context, docID string, b []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.ops = append(q.ops, &queue.Op{ID: q.nextID, DocumentID: docID, Bytes: append([]byte(nil), b...)})
	return nil
}

func (q *fakeQueue) Peek(ctx context.Context, docID string) (*queue.Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.DocumentID == docID {
			return op, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) Pop(ctx context.Context, op *queue.Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, o := range q.ops {
		if o.ID == op.ID {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	return nil
}

func (q *fakeQueue) Requeue(ctx context.Context, op *queue.Op) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op.Attempts++
	if op.Attempts >= q.maxAttempts {
		for i, o := range q.ops {
			if o.ID == op.ID {
				q.ops = append(q.ops[:i], q.ops[i+1:]...)
				break
			}
		}
		q.dlq = append(q.dlq, op)
		return true, nil
	}
	// op stays at its original index: a retry must never let anything
	// enqueued behind it jump ahead in the FIFO.
	return false, nil
}

func (q *fakeQueue) Size(ctx context.Context, docID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	for _, o := range q.ops {
		if o.DocumentID == docID {
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) DLQSize(ctx context.Context, docID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	for _, o := range q.dlq {
		if o.DocumentID == docID {
			n++
		}
	}
	return n, nil
}

// recorder collects OnStatus/OnError/OnSync callbacks without blocking the
// provider's single owning goroutine.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	errs     []error
	syncs    []SyncState
}

func (r *recorder) onStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) onSync(s SyncState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs = append(r.syncs, s)
}

func (r *recorder) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return StatusInit
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *recorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

func fastBreakers(rec *recorder) *breaker.Set {
	var cfg = breaker.Config{TimeoutMs: 200, ErrorThresholdPct: 1, VolumeThreshold: 1, ResetTimeoutMs: 30, RollingWindowMs: 1000}
	return breaker.NewSet(cfg, cfg, cfg, recProxy{rec}, nil)
}

// recProxy satisfies breaker.StatusSink for the test breakers without
// polluting the recorder's own exported surface; it discards transitions.
type recProxy struct{ rec *recorder }

func (p recProxy) OnBreakerState(name breaker.Name, state breaker.State) {}

func newTestProvider(t *testing.T, projectID, documentID string, log UpdateLog, ch Channel, q Queue, doc *memdoc.Document, rec *recorder) *Provider {
	t.Helper()
	p, err := New(Config{
		ProjectID:     projectID,
		DocumentID:    documentID,
		Doc:           doc,
		Log:           log,
		Channel:       ch,
		Queue:         q,
		Breakers:      fastBreakers(rec),
		Codec:         codec.New(codec.MinUpdateBytes),
		DrainInterval: 10 * time.Millisecond,
		ProbeInterval: 15 * time.Millisecond,
		OnStatus:      rec.onStatus,
		OnError:       rec.onError,
		OnSync:        rec.onSync,
		Logger:        ops.NewLocalLog(ops.Labels{ProjectID: projectID, DocumentID: documentID}),
	})
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p
}

func validUpdate(tag byte, payload string) []byte {
	return append([]byte{tag, 0, 0, 0}, []byte(payload)...)
}

func TestHappyPathLocalUpdatePropagatesToPeer(t *testing.T) {
	var log = newFakeLog()
	var ch = newFakeChannel()

	var docA = memdoc.New()
	var recA = &recorder{}
	var providerA = newTestProvider(t, "proj1", "doc1", log, ch, newFakeQueue(5), docA, recA)

	var docB = memdoc.New()
	var recB = &recorder{}
	var providerB = newTestProvider(t, "proj1", "doc1", log, ch, newFakeQueue(5), docB, recB)

	require.Eventually(t, func() bool { return recA.last() == StatusLive && recB.last() == StatusLive }, time.Second, 2*time.Millisecond)

	require.NoError(t, docA.Emit(validUpdate(0x00, "hello")))

	require.Eventually(t, func() bool {
		return string(docB.EncodeStateAsUpdate()) == string(docA.EncodeStateAsUpdate())
	}, time.Second, 2*time.Millisecond)

	_ = providerA.LastAppliedSeq()
	_ = providerB
}

func TestOfflineWriteIsQueuedThenDrainedOnRecovery(t *testing.T) {
	var log = newFakeLog()
	log.failNext = 1000 // fail until flipped off below
	var ch = newFakeChannel()
	var doc = memdoc.New()
	var rec = &recorder{}
	var q = newFakeQueue(5)

	var p = newTestProvider(t, "proj1", "doc1", log, ch, q, doc, rec)
	require.Eventually(t, func() bool { return rec.last() == StatusDegraded }, time.Second, 2*time.Millisecond)

	require.NoError(t, doc.Emit(validUpdate(0x00, "offline-edit")))

	require.Eventually(t, func() bool {
		n, _ := q.Size(context.Background(), "doc1")
		return n == 1
	}, time.Second, 2*time.Millisecond)

	log.mu.Lock()
	log.failNext = 0
	log.mu.Unlock()

	require.Eventually(t, func() bool {
		n, _ := q.Size(context.Background(), "doc1")
		return n == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return p.Status() == StatusLive }, time.Second, 2*time.Millisecond)
}

func TestGapRecoveryAppliesBufferedAndBackfilledRecords(t *testing.T) {
	var log = newFakeLog()
	var ch = newFakeChannel()
	var doc = memdoc.New()
	var rec = &recorder{}

	var p = newTestProvider(t, "proj1", "doc1", log, ch, newFakeQueue(5), doc, rec)
	require.Eventually(t, func() bool { return rec.last() == StatusLive }, time.Second, 2*time.Millisecond)

	// Simulate a missed first update that only exists in the backing log
	// (as if appended and published before this provider subscribed), then
	// an out-of-order delivery of the second.
	var first = validUpdate(0x00, "first")
	appended, err := log.Append(context.Background(), "proj1", "doc1", first)
	require.NoError(t, err)

	var second = validUpdate(0x00, "second")
	var secondSeq = appended.Sequence + updatelog.FrameHeaderLen + int64(len(first))

	p.channelEvCh <- channel.Event{Sequence: secondSeq, Bytes: second}

	require.Eventually(t, func() bool {
		var state = string(doc.EncodeStateAsUpdate())
		return len(state) > 0 && p.LastAppliedSeq() == secondSeq
	}, time.Second, 2*time.Millisecond)
}

func TestEchoOfOwnPublishIsIdempotent(t *testing.T) {
	var log = newFakeLog()
	var ch = newFakeChannel()
	var doc = memdoc.New()
	var rec = &recorder{}

	var p = newTestProvider(t, "proj1", "doc1", log, ch, newFakeQueue(5), doc, rec)
	require.Eventually(t, func() bool { return rec.last() == StatusLive }, time.Second, 2*time.Millisecond)

	require.NoError(t, doc.Emit(validUpdate(0x00, "only-once")))

	require.Eventually(t, func() bool {
		return len(log.records[recordKey("proj1", "doc1")]) == 1
	}, time.Second, 2*time.Millisecond)

	// Give the echoed channel event (delivered synchronously by Publish,
	// drained asynchronously by the run loop) time to be processed; the
	// document must not grow a second entry, and nothing re-persists.
	time.Sleep(30 * time.Millisecond)
	require.Len(t, log.records[recordKey("proj1", "doc1")], 1)
}

func TestDeniedAppendTearsProviderDown(t *testing.T) {
	var log = newFakeLog()
	log.failDenied = true
	var ch = newFakeChannel()
	var doc = memdoc.New()
	var rec = &recorder{}

	var p = newTestProvider(t, "proj1", "doc1", log, ch, newFakeQueue(5), doc, rec)

	require.NoError(t, doc.Emit(validUpdate(0x00, "rejected")))

	require.Eventually(t, func() bool { return p.Status() == StatusClosed }, time.Second, 2*time.Millisecond)
	require.ErrorIs(t, rec.lastErr(), collaberr.ErrDenied)
}

func TestCrossProjectUpdatesDoNotLeak(t *testing.T) {
	var log = newFakeLog()
	var ch = newFakeChannel()

	var docA = memdoc.New()
	var recA = &recorder{}
	var _ = newTestProvider(t, "projA", "doc1", log, ch, newFakeQueue(5), docA, recA)

	var docB = memdoc.New()
	var recB = &recorder{}
	var _ = newTestProvider(t, "projB", "doc1", log, ch, newFakeQueue(5), docB, recB)

	require.Eventually(t, func() bool { return recA.last() == StatusLive && recB.last() == StatusLive }, time.Second, 2*time.Millisecond)

	require.NoError(t, docA.Emit(validUpdate(0x00, "projA-only")))

	require.Eventually(t, func() bool {
		return len(log.records[recordKey("projA", "doc1")]) == 1
	}, time.Second, 2*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, log.records[recordKey("projB", "doc1")])
	require.Empty(t, string(docB.EncodeStateAsUpdate()))
}
