package provider

import (
	"context"
	"errors"

	"github.com/reeltake/collab/internal/breaker"
	"github.com/reeltake/collab/internal/channel"
	"github.com/reeltake/collab/internal/collaberr"
	"github.com/reeltake/collab/internal/crdt"
	"github.com/reeltake/collab/internal/updatelog"
)

// applyOneRemote validates and merges one remote record, advancing
// lastAppliedSeq and nextExpected. Invalid bytes are dropped rather than
// applied, since ApplyUpdate is not total over arbitrary input, and count
// toward the subscribe breaker's failure rate: a peer repeatedly sending
// malformed updates should be able to trip it like any other subscribe
// fault.
func (p *Provider) applyOneRemote(seq int64, bytes []byte) bool {
	validateErr := p.cfg.Breakers.Subscribe.Execute(p.ctx, func(ctx context.Context) error {
		if !p.cfg.Codec.Validate(bytes) {
			return collaberr.ErrInvalidUpdate
		}
		return nil
	})
	if validateErr != nil {
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warnf("dropping invalid remote update at seq %d: %v", seq, validateErr)
		}
		return false
	}
	if err := p.cfg.Doc.ApplyUpdate(bytes, crdt.OriginRemote); err != nil {
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warnf("applying remote update at seq %d: %v", seq, err)
		}
		return false
	}

	p.statusMu.Lock()
	p.lastAppliedSeq = seq
	p.nextExpected = seq + updatelog.FrameHeaderLen + int64(len(bytes))
	p.statusMu.Unlock()
	return true
}

// handleRemoteEvent classifies an incoming realtime event against
// nextExpected — the byte offset the next contiguous record must begin at,
// not lastAppliedSeq+1, since updatelog.Record.Sequence is a Gazette journal
// offset rather than a unit counter — and either applies it immediately,
// buffers it pending catch-up, or drops it as stale.
func (p *Provider) handleRemoteEvent(ev channel.Event) {
	if p.catchingUp {
		p.gapBuffer[ev.Sequence] = ev
		return
	}

	switch {
	case ev.Sequence < p.nextExpected:
		// Already applied via an earlier catch-up, or a duplicate delivery.
		return
	case ev.Sequence == p.nextExpected:
		p.applyOneRemote(ev.Sequence, ev.Bytes)
		p.drainGapBuffer()
	default:
		p.gapBuffer[ev.Sequence] = ev
		p.startCatchup()
	}
}

// drainGapBuffer applies any buffered events that have become contiguous
// with nextExpected, in order, stopping at the first remaining hole.
func (p *Provider) drainGapBuffer() {
	for {
		ev, ok := p.gapBuffer[p.nextExpected]
		if !ok {
			return
		}
		delete(p.gapBuffer, ev.Sequence)
		p.applyOneRemote(ev.Sequence, ev.Bytes)
	}
}

// startCatchup dispatches a Since fetch under the loadInitial breaker on a
// separate goroutine so the run loop is never blocked on network I/O, and
// feeds the result back through catchupResults.
func (p *Provider) startCatchup() {
	if p.catchingUp {
		return
	}
	p.catchingUp = true

	var fromSeq = p.nextExpected
	go func() {
		var records []updatelog.Record
		var err = p.cfg.Breakers.LoadInitial.Execute(p.ctx, func(ctx context.Context) error {
			var ferr error
			records, ferr = p.fetchSinceLoop(ctx, fromSeq)
			return ferr
		})
		select {
		case p.catchupResults <- catchupResult{records: records, err: err}:
		case <-p.ctx.Done():
		}
	}()
}

// handleCatchupResult applies the fetched backlog in order, then drains any
// now-contiguous buffered gap events. If a gap still remains after draining,
// another catch-up round is started immediately.
func (p *Provider) handleCatchupResult(res catchupResult) {
	p.catchingUp = false

	if res.err != nil {
		if errors.Is(res.err, collaberr.ErrDenied) {
			p.fatal(res.err)
			return
		}
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warnf("catch-up fetch failed: %v", res.err)
		}
		if !errors.Is(res.err, breaker.ErrCircuitOpen) {
			p.setStatus(StatusDegraded)
		}
		return
	}

	for _, rec := range res.records {
		p.applyOneRemote(rec.Sequence, rec.Bytes)
	}
	p.drainGapBuffer()
	p.pruneStaleGapEntries()

	if len(p.gapBuffer) > 0 {
		p.startCatchup()
	}
}

// pruneStaleGapEntries discards buffered events that fell behind
// nextExpected while a catch-up was in flight (duplicate or superseded
// deliveries), so a stale entry can never force a catch-up loop that never
// converges.
func (p *Provider) pruneStaleGapEntries() {
	for seq := range p.gapBuffer {
		if seq < p.nextExpected {
			delete(p.gapBuffer, seq)
		}
	}
}
