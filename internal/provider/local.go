package provider

import (
	"context"
	"errors"

	"github.com/reeltake/collab/internal/breaker"
	"github.com/reeltake/collab/internal/collaberr"
	"github.com/reeltake/collab/internal/crdt"
	"github.com/reeltake/collab/internal/updatelog"
)

// handleLocalUpdate persists a locally authored update and fans it out over
// the realtime channel. Updates the document emits while applying a remote
// update are never re-persisted: they arrive here tagged OriginRemote and
// are skipped, the re-entrancy guard crdt.Document's contract requires.
func (p *Provider) handleLocalUpdate(u crdt.Update) {
	if u.Origin == crdt.OriginRemote {
		return
	}
	if !p.cfg.Codec.Validate(u.Bytes) {
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warnf("dropping invalid local update: %d bytes", len(u.Bytes))
		}
		p.setStatus(StatusDegraded)
		return
	}

	if err := p.persistAndPublish(u.Bytes); err != nil {
		p.handlePersistFailure(u.Bytes, err)
	}
}

// persistAndPublish appends b to the update log under the persist breaker,
// then fans it out over the realtime channel. A publish failure is logged
// but never queued: the append already succeeded, so the update is durable
// and will reach peers on their own next catch-up.
func (p *Provider) persistAndPublish(b []byte) error {
	var appended updatelog.AppendResult
	err := p.cfg.Breakers.Persist.Execute(p.ctx, func(ctx context.Context) error {
		var aerr error
		appended, aerr = p.cfg.Log.Append(ctx, p.cfg.ProjectID, p.cfg.DocumentID, b)
		return aerr
	})
	if err != nil {
		return err
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AppendTotal.WithLabelValues(p.cfg.DocumentID, "ok").Inc()
	}

	if perr := p.cfg.Channel.Publish(p.ctx, p.cfg.ProjectID, p.cfg.DocumentID, appended.Sequence, b); perr != nil && p.cfg.Logger != nil {
		p.cfg.Logger.Warnf("publish after append failed, peers will catch up: %v", perr)
	}
	return nil
}

// handlePersistFailure routes a failed append per SPEC_FULL.md §4.6: a
// fatal Denied error tears the provider down, everything else is queued
// durably for the drain loop to retry once the breaker recovers.
func (p *Provider) handlePersistFailure(b []byte, err error) {
	if errors.Is(err, collaberr.ErrDenied) {
		p.fatal(err)
		return
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AppendTotal.WithLabelValues(p.cfg.DocumentID, "failed").Inc()
	}
	if qerr := p.cfg.Queue.Enqueue(p.ctx, p.cfg.DocumentID, b); qerr != nil && p.cfg.Logger != nil {
		p.cfg.Logger.Errorf("enqueueing after persist failure: %v", qerr)
	}
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		// The breaker itself hasn't tripped yet (a transient single failure);
		// degrade preemptively so the UI reflects working-offline promptly.
		p.setStatus(StatusDegraded)
	}
	p.emitSync(p.Status())
}

// drainQueue retries queued operations front-to-back while persistence
// keeps succeeding, stopping at the first failure so ordering within a
// document's FIFO is preserved.
func (p *Provider) drainQueue() {
	for {
		op, err := p.cfg.Queue.Peek(p.ctx, p.cfg.DocumentID)
		if err != nil {
			if p.cfg.Logger != nil {
				p.cfg.Logger.Errorf("draining queue: peek: %v", err)
			}
			return
		}
		if op == nil {
			p.updateQueueMetrics()
			return
		}

		if err := p.persistAndPublish(op.Bytes); err != nil {
			if errors.Is(err, collaberr.ErrDenied) {
				p.fatal(err)
				return
			}
			if _, rerr := p.cfg.Queue.Requeue(p.ctx, op); rerr != nil && p.cfg.Logger != nil {
				p.cfg.Logger.Errorf("draining queue: requeue: %v", rerr)
			}
			p.updateQueueMetrics()
			return
		}
		if err := p.cfg.Queue.Pop(p.ctx, op); err != nil && p.cfg.Logger != nil {
			p.cfg.Logger.Errorf("draining queue: pop: %v", err)
		}
		p.updateQueueMetrics()
	}
}

func (p *Provider) updateQueueMetrics() {
	n, _ := p.cfg.Queue.Size(p.ctx, p.cfg.DocumentID)
	dlq, _ := p.cfg.Queue.DLQSize(p.ctx, p.cfg.DocumentID)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.QueueDepth.WithLabelValues(p.cfg.DocumentID).Set(float64(n))
		p.cfg.Metrics.DLQDepth.WithLabelValues(p.cfg.DocumentID).Set(float64(dlq))
	}
	p.emitSync(p.Status())
}
