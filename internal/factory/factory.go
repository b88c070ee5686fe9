// Package factory implements the Authenticated Factory of SPEC_FULL.md
// §4.7, the sole entry point for constructing a provider.Provider. It is
// kept separate from internal/auth (which the contract conceptually groups
// this under) because provider.Config already depends on auth.Principal;
// folding Create into auth too would make auth depend on provider while
// provider depends on auth, an import cycle. A small glue package is the
// idiomatic way out, the same role the teacher's authn/main.go cmdToken
// plays atop its lower-level cookies/tokens packages.
package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/reeltake/collab/internal/auth"
	"github.com/reeltake/collab/internal/breaker"
	"github.com/reeltake/collab/internal/codec"
	"github.com/reeltake/collab/internal/crdt"
	"github.com/reeltake/collab/internal/ops"
	"github.com/reeltake/collab/internal/provider"
)

// Deps bundles the backing-store and ambient dependencies shared across
// every provider a process constructs; these rarely vary per call.
type Deps struct {
	AuthSource auth.Source

	Log      provider.UpdateLog
	Channel  provider.Channel
	Queue    provider.Queue
	Breakers *breaker.Set
	Codec    *codec.Codec

	CatchupPageSize int
	DrainInterval   time.Duration
	ProbeInterval   time.Duration

	Logger  ops.Log
	Metrics *ops.Metrics
}

// Params are the per-document arguments the contract of §4.7 enumerates:
// create({projectId, documentId, crdtDoc, onStatus, onError, onSync}).
type Params struct {
	ProjectID   string
	DocumentID  string
	BearerToken string

	Doc crdt.Document

	OnStatus func(provider.Status)
	OnError  func(error)
	OnSync   func(provider.SyncState)
}

// Create resolves the principal and constructs a provider. A projectId is
// required; resolution failure never blocks construction — it only ever
// downgrades the principal to auth.Anonymous, fail-closed, per spec.md
// §4.7 and testable property 8.
func Create(ctx context.Context, deps Deps, p Params) (*provider.Provider, error) {
	if p.ProjectID == "" {
		return nil, fmt.Errorf("factory: projectId is required")
	}

	var principal = auth.Anonymous
	if deps.AuthSource != nil {
		resolved, err := deps.AuthSource.Resolve(ctx, p.BearerToken)
		if err != nil {
			if deps.Logger != nil {
				deps.Logger.Infof("principal resolution failed, falling back to anonymous: %v", err)
			}
		} else {
			principal = resolved
		}
	}

	return provider.New(provider.Config{
		ProjectID:  p.ProjectID,
		DocumentID: p.DocumentID,
		Principal:  principal,

		Doc:      p.Doc,
		Log:      deps.Log,
		Channel:  deps.Channel,
		Queue:    deps.Queue,
		Breakers: deps.Breakers,
		Codec:    deps.Codec,

		CatchupPageSize: deps.CatchupPageSize,
		DrainInterval:   deps.DrainInterval,
		ProbeInterval:   deps.ProbeInterval,

		OnStatus: p.OnStatus,
		OnError:  p.OnError,
		OnSync:   p.OnSync,

		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	})
}
