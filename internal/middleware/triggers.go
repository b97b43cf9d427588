package middleware

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/triggers"
)

// DefaultMaxDerivedEvents caps one trigger cascade.
const DefaultMaxDerivedEvents = 1000

type TriggersOptions struct {
	// Engine defaults to the standard trigger table over the pipeline client.
	Engine           *triggers.Engine
	Indexer          triggers.Indexer
	MaxDerivedEvents int
	// RegisterAsyncRequest defers cascades of request events until the
	// response has been sent. Nil runs them inline.
	RegisterAsyncRequest func(ctx context.Context, fn func(ctx context.Context) error)
}

// cascade collects the derived events of one request.
type cascade struct {
	mu      sync.Mutex
	events  []relaychat.Event
	count   int
	limit   int
	aborted bool
}

type cascadeKey struct{}

func withCascade(ctx context.Context, c *cascade) context.Context {
	return context.WithValue(ctx, cascadeKey{}, c)
}

func cascadeFrom(ctx context.Context) *cascade {
	c, _ := ctx.Value(cascadeKey{}).(*cascade)
	return c
}

// admit counts one more derived event. first is true for the event that
// crossed the limit.
func (c *cascade) admit() (ok, first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return false, false
	}
	c.count++
	if c.count > c.limit {
		c.aborted = true
		return false, true
	}
	return true, false
}

func (c *cascade) add(ev relaychat.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *cascade) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// drain returns the collected events ordered by date.
func (c *cascade) drain() []relaychat.Event {
	c.mu.Lock()
	events := c.events
	c.events = nil
	c.mu.Unlock()
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Header().Date.Before(events[j].Header().Date)
	})
	return events
}

// TriggersMiddleware runs the trigger engine on committed events and feeds
// the derived events back through the head of the pipeline.
type TriggersMiddleware struct {
	Base
	pctx     *Context
	engine   *triggers.Engine
	register func(ctx context.Context, fn func(ctx context.Context) error)
	limit    int
}

func NewTriggers(opts TriggersOptions) Factory {
	return func(pctx *Context, next Middleware) (Middleware, error) {
		engine := opts.Engine
		if engine == nil {
			engine = triggers.NewEngine(triggers.Options{
				Client:    pctx.Client,
				Indexer:   opts.Indexer,
				Logger:    pctx.Logger,
				Metrics:   pctx.Metrics,
				Workspace: pctx.Workspace,
			})
		}
		limit := opts.MaxDerivedEvents
		if limit <= 0 {
			limit = DefaultMaxDerivedEvents
		}
		return &TriggersMiddleware{
			Base:     NewBase(next),
			pctx:     pctx,
			engine:   engine,
			register: opts.RegisterAsyncRequest,
			limit:    limit,
		}, nil
	}
}

func (m *TriggersMiddleware) head() Middleware {
	if m.pctx.Head != nil {
		return m.pctx.Head
	}
	return m
}

func (m *TriggersMiddleware) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	c := cascadeFrom(ctx)
	if derived && c != nil {
		ok, first := c.admit()
		if !ok {
			if first {
				m.pctx.Logger.Error("trigger cascade aborted",
					zap.String("type", string(ev.Type())),
					zap.String("cardId", relaychat.CardOf(ev)),
					zap.Int("limit", m.limit),
				)
				m.pctx.Metrics.CascadeAborted()
			}
			return relaychat.EventResult{}, relaychat.ErrTriggerCascadeLimit
		}
	}

	result, err := m.Base.Event(ctx, session, ev, derived)
	if err != nil || ev.Header().SkipPropagate {
		return result, err
	}

	if derived && c != nil {
		c.add(ev)
		m.process(ctx, session, ev)
		return result, nil
	}

	m.head().HandleBroadcast(ctx, session, []relaychat.Event{ev})
	root := &cascade{limit: m.limit}
	run := func(ctx context.Context) error {
		ctx = withCascade(ctx, root)
		m.process(ctx, session, ev)
		if events := root.drain(); len(events) > 0 {
			m.head().HandleBroadcast(ctx, session, events)
		}
		return nil
	}

	if !derived && m.register != nil && session.TryBeginAsync() {
		m.register(ctx, func(ctx context.Context) error {
			defer session.EndAsync()
			return run(ctx)
		})
		return result, nil
	}
	_ = run(ctx)
	return result, nil
}

// process runs the triggers of ev and executes what they return.
func (m *TriggersMiddleware) process(ctx context.Context, session *relaychat.Session, ev relaychat.Event) {
	head := m.head()
	execute := func(ctx context.Context, derived relaychat.Event) (relaychat.EventResult, error) {
		return head.Event(ctx, session, derived, true)
	}
	c := cascadeFrom(ctx)
	for _, derived := range m.engine.Process(ctx, session, execute, ev) {
		if c != nil && c.isAborted() {
			return
		}
		if _, err := execute(ctx, derived); err != nil && !errors.Is(err, relaychat.ErrTriggerCascadeLimit) {
			m.pctx.Logger.Warn("derived event failed",
				zap.String("type", string(derived.Type())),
				zap.String("cardId", relaychat.CardOf(derived)),
				zap.Error(err),
			)
		}
	}
}
