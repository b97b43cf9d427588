package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/broadcast"
	"github.com/agentworkforce/relaychat/internal/client"
	"github.com/agentworkforce/relaychat/internal/metrics"
	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/triggers"
)

type PipelineOptions struct {
	Logger    *zap.Logger
	Metrics   *metrics.Pipeline
	Workspace string
	Client    *client.Client

	Registry         *broadcast.Registry
	Callbacks        Callbacks
	Indexer          triggers.Indexer
	Triggers         *triggers.Engine
	MaxDerivedEvents int
	Now              func() time.Time
}

// Pipeline is the assembled standard chain.
type Pipeline struct {
	Middleware
	Context   *Context
	broadcast *BroadcastMiddleware
}

// NewPipeline builds date, identity, id, validate, permissions, triggers,
// broadcast, storage and peer in that order.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	pctx := &Context{
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Workspace: opts.Workspace,
		Client:    opts.Client,
	}
	if pctx.Logger != nil {
		pctx.Logger = pctx.Logger.With(zap.String("workspace", opts.Workspace))
	}

	p := &Pipeline{Context: pctx}
	broadcastFactory := NewBroadcast(opts.Registry, opts.Callbacks)
	head, err := Build(pctx,
		NewDate(opts.Now),
		NewIdentity(),
		NewID(),
		NewValidate(),
		NewPermissions(),
		NewTriggers(TriggersOptions{
			Engine:               opts.Triggers,
			Indexer:              opts.Indexer,
			MaxDerivedEvents:     opts.MaxDerivedEvents,
			RegisterAsyncRequest: opts.Callbacks.RegisterAsyncRequest,
		}),
		func(pctx *Context, next Middleware) (Middleware, error) {
			m, err := broadcastFactory(pctx, next)
			if err == nil {
				p.broadcast = m.(*BroadcastMiddleware)
			}
			return m, err
		},
		NewStorage(),
		NewPeer(),
	)
	if err != nil {
		return nil, err
	}
	p.Middleware = head
	return p, nil
}

// Deliver hands events committed on another instance to local sessions.
func (p *Pipeline) Deliver(ctx context.Context, events []relaychat.Event) {
	p.broadcast.Deliver(ctx, events)
}
