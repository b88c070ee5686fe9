// Package provider implements the CRDT Provider of SPEC_FULL.md §4.6, the
// central coordinator binding a crdt.Document to an UpdateLog, a Channel,
// and an offline Queue under a breaker.Set. It assumes a single owning
// goroutine (its run loop) ever mutates provider state, matching the
// single-threaded cooperative model of SPEC_FULL.md §5 — the kind of
// one-goroutine-per-unit-of-work model the teacher uses for its own shard
// tasks (see go/runtime/task.go in the teacher corpus), scaled down from a
// distributed shard to an in-process document.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reeltake/collab/internal/auth"
	"github.com/reeltake/collab/internal/breaker"
	"github.com/reeltake/collab/internal/channel"
	"github.com/reeltake/collab/internal/codec"
	"github.com/reeltake/collab/internal/collaberr"
	"github.com/reeltake/collab/internal/crdt"
	"github.com/reeltake/collab/internal/ops"
	"github.com/reeltake/collab/internal/updatelog"
)

// ErrDenied is returned via OnError when the backing store fatally refuses
// the principal. See collaberr.ErrDenied for the underlying sentinel.
var ErrDenied = collaberr.ErrDenied

// DefaultCatchupPageSize is channel.catchupPageSize's default.
const DefaultCatchupPageSize = 256

// DefaultDrainInterval is queue.drainIntervalMs's default.
const DefaultDrainInterval = 5 * time.Second

// DefaultProbeInterval is the Degraded-state recovery probe cadence; the
// spec ties recovery to the subscribe breaker's resetTimeoutMs (20s
// default), so this defaults to the same value.
const DefaultProbeInterval = 20 * time.Second

// Config constructs a Provider. ProjectID, DocumentID, Doc, Log, Channel,
// Queue, and Breakers are required; everything else has a usable default
// for production use.
type Config struct {
	ProjectID  string
	DocumentID string
	Principal  auth.Principal

	Doc     crdt.Document
	Log     UpdateLog
	Channel Channel
	Queue   Queue
	Breakers *breaker.Set
	Codec    *codec.Codec

	CatchupPageSize int
	DrainInterval   time.Duration
	ProbeInterval   time.Duration

	OnStatus func(Status)
	OnError  func(error)
	OnSync   func(SyncState)

	Logger  ops.Log
	Metrics *ops.Metrics
}

// Provider is the central collaboration coordinator for one document.
type Provider struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	statusMu sync.Mutex
	status   Status

	lastAppliedSeq int64
	nextExpected   int64 // the offset at which the next contiguous record must begin
	gapBuffer      map[int64]channel.Event
	catchingUp     bool

	unsubscribeDoc func()
	chHandle       *channel.Handle

	localCh        chan crdt.Update
	channelEvCh    chan channel.Event
	catchupResults chan catchupResult

	drainTicker *time.Ticker
	probeTicker *time.Ticker

	destroyOnce sync.Once
}

type catchupResult struct {
	records []updatelog.Record
	err     error
}

// New validates cfg and starts the provider's run loop. Construction never
// blocks on I/O; LOADING begins asynchronously, matching SPEC_FULL.md's
// INIT → LOADING → SUBSCRIBING → LIVE status sequence (scenario S1).
func New(cfg Config) (*Provider, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("provider: projectID is required")
	}
	if cfg.DocumentID == "" {
		return nil, fmt.Errorf("provider: documentID is required")
	}
	if cfg.Doc == nil || cfg.Log == nil || cfg.Channel == nil || cfg.Queue == nil || cfg.Breakers == nil {
		return nil, fmt.Errorf("provider: Doc, Log, Channel, Queue, and Breakers are all required")
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(codec.MinUpdateBytes)
	}
	if cfg.CatchupPageSize <= 0 {
		cfg.CatchupPageSize = DefaultCatchupPageSize
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = ops.NewLocalLog(ops.Labels{ProjectID: cfg.ProjectID, DocumentID: cfg.DocumentID})
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var p = &Provider{
		cfg:            cfg,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		status:         StatusInit,
		gapBuffer:      make(map[int64]channel.Event),
		localCh:        make(chan crdt.Update, 256),
		channelEvCh:    make(chan channel.Event, 256),
		catchupResults: make(chan catchupResult, 1),
		drainTicker:    time.NewTicker(cfg.DrainInterval),
		probeTicker:    time.NewTicker(cfg.ProbeInterval),
	}

	p.unsubscribeDoc = cfg.Doc.Subscribe(func(u crdt.Update) {
		select {
		case p.localCh <- u:
		case <-p.ctx.Done():
		}
	})

	p.emitStatus(StatusInit)
	go p.run()
	return p, nil
}

// LastAppliedSeq returns the highest remote sequence applied so far.
func (p *Provider) LastAppliedSeq() int64 {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.lastAppliedSeq
}

// Status returns the provider's current lifecycle state.
func (p *Provider) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status
}

func (p *Provider) setStatus(s Status) {
	p.statusMu.Lock()
	p.status = s
	p.statusMu.Unlock()
	p.emitStatus(s)
}

func (p *Provider) emitStatus(s Status) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ProviderStatus.WithLabelValues(p.cfg.DocumentID).Set(statusMetricValue(s))
	}
	if p.cfg.OnStatus != nil {
		p.cfg.OnStatus(s)
	}
	p.emitSync(s)
}

func (p *Provider) emitSync(s Status) {
	if p.cfg.OnSync == nil {
		return
	}
	n, _ := p.cfg.Queue.Size(p.ctx, p.cfg.DocumentID)
	p.cfg.OnSync(syncStateFor(s, n))
}

func statusMetricValue(s Status) float64 {
	switch s {
	case StatusInit:
		return 0
	case StatusLoading:
		return 1
	case StatusSubscribing:
		return 2
	case StatusLive:
		return 3
	case StatusDegraded:
		return 4
	default:
		return 5
	}
}

// OnBreakerState implements breaker.StatusSink by logging each breaker
// transition. It does not forward breaker transitions to OnStatus, which
// only ever receives provider lifecycle states.
func (p *Provider) OnBreakerState(name breaker.Name, state breaker.State) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Infof("breaker %s -> %s", name, state)
	}
}

// Destroy abandons in-flight operations, closes the channel subscription,
// and stops all timers. The offline queue is left exactly as-is (already
// durable on disk) but is not drained further. Idempotent.
func (p *Provider) Destroy() {
	p.destroyOnce.Do(func() {
		p.cancel()
		<-p.done

		p.drainTicker.Stop()
		p.probeTicker.Stop()
		if p.unsubscribeDoc != nil {
			p.unsubscribeDoc()
		}
		if p.chHandle != nil {
			_ = p.cfg.Channel.Close(p.chHandle)
		}
		p.setStatus(StatusClosed)
	})
}

func (p *Provider) fatal(err error) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Errorf("fatal: %v", err)
	}
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
	p.setStatus(StatusClosed)
	p.cancel()
}

func (p *Provider) run() {
	defer close(p.done)

	p.transitionLoading()

	for {
		select {
		case <-p.ctx.Done():
			return
		case u, ok := <-p.localCh:
			if !ok {
				continue
			}
			p.handleLocalUpdate(u)
		case ev, ok := <-p.channelEvCh:
			if !ok {
				continue
			}
			p.handleRemoteEvent(ev)
		case res := <-p.catchupResults:
			p.handleCatchupResult(res)
		case <-p.drainTicker.C:
			if p.Status() == StatusLive {
				p.drainQueue()
			}
		case <-p.probeTicker.C:
			if p.Status() == StatusDegraded {
				p.tryRecover()
			}
		}
	}
}

// transitionLoading runs the Loading phase: pull the backlog after the last
// applied record via Since(docID, nextExpected) under the loadInitial
// breaker, applying in order, then proceeds to Subscribing.
func (p *Provider) transitionLoading() {
	p.setStatus(StatusLoading)

	var fromSeq = p.nextExpected
	err := p.cfg.Breakers.LoadInitial.Execute(p.ctx, func(ctx context.Context) error {
		records, err := p.fetchSinceLoop(ctx, fromSeq)
		if err != nil {
			return err
		}
		for _, rec := range records {
			p.applyOneRemote(rec.Sequence, rec.Bytes)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, collaberr.ErrDenied) {
			p.fatal(err)
			return
		}
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warnf("loadInitial failed: %v", err)
		}
		p.setStatus(StatusDegraded)
		return
	}

	p.transitionSubscribing()
}

// fetchSinceLoop loops Since until the backing store reports it is
// drained (a short page), per SPEC_FULL.md §4.5.
func (p *Provider) fetchSinceLoop(ctx context.Context, fromSeq int64) ([]updatelog.Record, error) {
	var all []updatelog.Record
	var cursor = fromSeq
	for {
		page, err := p.cfg.Log.Since(ctx, p.cfg.ProjectID, p.cfg.DocumentID, cursor, p.cfg.CatchupPageSize)
		if err != nil {
			return all, err
		}
		all = append(all, page...)
		if len(page) < p.cfg.CatchupPageSize {
			return all, nil
		}
		var last = page[len(page)-1]
		cursor = last.Sequence + updatelog.FrameHeaderLen + int64(len(last.Bytes))
	}
}

func (p *Provider) transitionSubscribing() {
	p.setStatus(StatusSubscribing)

	err := p.cfg.Breakers.Subscribe.Execute(p.ctx, func(ctx context.Context) error {
		handle, err := p.cfg.Channel.Connect(ctx, p.cfg.ProjectID, p.cfg.DocumentID, func(ev channel.Event) {
			select {
			case p.channelEvCh <- ev:
			case <-p.ctx.Done():
			}
		})
		if err != nil {
			return err
		}
		p.chHandle = handle
		return nil
	})
	if err != nil {
		if errors.Is(err, collaberr.ErrDenied) {
			p.fatal(err)
			return
		}
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warnf("subscribe failed: %v", err)
		}
		p.setStatus(StatusDegraded)
		return
	}

	p.setStatus(StatusLive)
	p.drainQueue()
}

// tryRecover is the Degraded -> Live periodic probe: it re-runs Loading
// (which itself re-runs Subscribing on success) to catch up before
// resuming.
func (p *Provider) tryRecover() {
	p.transitionLoading()
}
