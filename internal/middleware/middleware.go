// Package middleware is the event pipeline. Every request flows head to
// tail through date, identity, id, validate, permissions, triggers,
// broadcast, storage and peer stages; each stage implements only what it
// cares about and delegates the rest.
package middleware

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/client"
	"github.com/agentworkforce/relaychat/internal/metrics"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type Middleware interface {
	Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error)

	FindMessages(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesParams, queryID string) ([]relaychat.Message, error)
	FindMessagesGroups(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesGroupsParams, queryID string) ([]relaychat.MessagesGroup, error)
	FindNotificationContexts(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationContextParams, queryID string) ([]relaychat.NotificationContext, error)
	FindNotifications(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationsParams, queryID string) ([]relaychat.Notification, error)
	FindLabels(ctx context.Context, session *relaychat.Session, params relaychat.FindLabelsParams, queryID string) ([]relaychat.Label, error)
	FindCollaborators(ctx context.Context, session *relaychat.Session, params relaychat.FindCollaboratorsParams, queryID string) ([]relaychat.Collaborator, error)
	FindPeers(ctx context.Context, session *relaychat.Session, params relaychat.FindPeersParams, queryID string) ([]relaychat.Peer, error)
	FindThreads(ctx context.Context, session *relaychat.Session, params relaychat.FindThreadsParams, queryID string) ([]relaychat.ThreadMeta, error)

	HandleBroadcast(ctx context.Context, session *relaychat.Session, events []relaychat.Event)

	SubscribeCard(session *relaychat.Session, cardID, subscriptionID string)
	UnsubscribeCard(session *relaychat.Session, cardID, subscriptionID string)
	UnsubscribeQuery(session *relaychat.Session, queryID string)
	CloseSession(sessionID string)
	Close() error
}

// Callbacks connect the pipeline to the transport.
type Callbacks struct {
	// Broadcast delivers events to sessions by id.
	Broadcast func(ctx context.Context, events map[string][]relaychat.Event) error
	// Enqueue hands committed events to the external event queue.
	Enqueue func(ctx context.Context, events []relaychat.Event) error
	// Publish forwards committed events to the other server instances.
	Publish func(ctx context.Context, events []relaychat.Event) error
	// RegisterAsyncRequest runs fn after the current request has been
	// answered. Nil runs trigger cascades inline.
	RegisterAsyncRequest func(ctx context.Context, fn func(ctx context.Context) error)
}

// Context is shared by every stage of one pipeline.
type Context struct {
	Logger    *zap.Logger
	Metrics   *metrics.Pipeline
	Workspace string
	Client    *client.Client

	CardsWithPeers *CardSet

	// Head is the first stage; triggers feed derived events back through it.
	Head Middleware
}

type Factory func(pctx *Context, next Middleware) (Middleware, error)

// Build folds the factories right to left so the first factory becomes the
// head, and records the head on the context.
func Build(pctx *Context, factories ...Factory) (Middleware, error) {
	if pctx.Logger == nil {
		pctx.Logger = zap.NewNop()
	}
	if pctx.CardsWithPeers == nil {
		pctx.CardsWithPeers = NewCardSet()
	}
	var next Middleware
	for i := len(factories) - 1; i >= 0; i-- {
		m, err := factories[i](pctx, next)
		if err != nil {
			if next != nil {
				_ = next.Close()
			}
			return nil, err
		}
		next = m
	}
	pctx.Head = next
	return next, nil
}

// CardSet is a concurrent set of card ids.
type CardSet struct {
	mu    sync.RWMutex
	cards map[string]struct{}
}

func NewCardSet(cards ...string) *CardSet {
	s := &CardSet{cards: map[string]struct{}{}}
	for _, card := range cards {
		s.cards[card] = struct{}{}
	}
	return s
}

func (s *CardSet) Add(cardID string) {
	s.mu.Lock()
	s.cards[cardID] = struct{}{}
	s.mu.Unlock()
}

func (s *CardSet) Remove(cardID string) {
	s.mu.Lock()
	delete(s.cards, cardID)
	s.mu.Unlock()
}

func (s *CardSet) Has(cardID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cards[cardID]
	return ok
}

// Base delegates every call to next. Stages embed it and override what
// they need; the tail stage has no next and answers with empty results.
type Base struct {
	next Middleware
}

func NewBase(next Middleware) Base {
	return Base{next: next}
}

func (b Base) Next() Middleware {
	return b.next
}

func (b Base) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	if b.next == nil {
		return relaychat.EventResult{}, nil
	}
	return b.next.Event(ctx, session, ev, derived)
}

func (b Base) FindMessages(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesParams, queryID string) ([]relaychat.Message, error) {
	if b.next == nil {
		return nil, nil
	}
	return b.next.FindMessages(ctx, session, params, queryID)
}

func (b Base) FindMessagesGroups(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesGroupsParams, queryID string) ([]relaychat.MessagesGroup, error) {
	if b.next == nil {
		return nil, nil
	}
	return b.next.FindMessagesGroups(ctx, session, params, queryID)
}

func (b Base) FindNotificationContexts(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationContextParams, queryID string) ([]relaychat.NotificationContext, error) {
	if b.next == nil {
		return nil, nil
	}
	return b.next.FindNotificationContexts(ctx, session, params, queryID)
}

func (b Base) FindNotifications(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationsParams, queryID string) ([]relaychat.Notification, error) {
	if b.next == nil {
		return nil, nil
	}
	return b.next.FindNotifications(ctx, session, params, queryID)
}

func (b Base) FindLabels(ctx context.Context, session *relaychat.Session, params relaychat.FindLabelsParams, queryID string) ([]relaychat.Label, error) {
	if b.next == nil {
		return nil, nil
	}
	return b.next.FindLabels(ctx, session, params, queryID)
}

func (b Base) FindCollaborators(ctx context.Context, session *relaychat.Session, params relaychat.FindCollaboratorsParams, queryID string) ([]relaychat.Collaborator, error) {
	if b.next == nil {
		return nil, nil
	}
	return b.next.FindCollaborators(ctx, session, params, queryID)
}

func (b Base) FindPeers(ctx context.Context, session *relaychat.Session, params relaychat.FindPeersParams, queryID string) ([]relaychat.Peer, error) {
	if b.next == nil {
		return nil, nil
	}
	return b.next.FindPeers(ctx, session, params, queryID)
}

func (b Base) FindThreads(ctx context.Context, session *relaychat.Session, params relaychat.FindThreadsParams, queryID string) ([]relaychat.ThreadMeta, error) {
	if b.next == nil {
		return nil, nil
	}
	return b.next.FindThreads(ctx, session, params, queryID)
}

func (b Base) HandleBroadcast(ctx context.Context, session *relaychat.Session, events []relaychat.Event) {
	if b.next != nil {
		b.next.HandleBroadcast(ctx, session, events)
	}
}

func (b Base) SubscribeCard(session *relaychat.Session, cardID, subscriptionID string) {
	if b.next != nil {
		b.next.SubscribeCard(session, cardID, subscriptionID)
	}
}

func (b Base) UnsubscribeCard(session *relaychat.Session, cardID, subscriptionID string) {
	if b.next != nil {
		b.next.UnsubscribeCard(session, cardID, subscriptionID)
	}
}

func (b Base) UnsubscribeQuery(session *relaychat.Session, queryID string) {
	if b.next != nil {
		b.next.UnsubscribeQuery(session, queryID)
	}
}

func (b Base) CloseSession(sessionID string) {
	if b.next != nil {
		b.next.CloseSession(sessionID)
	}
}

func (b Base) Close() error {
	if b.next == nil {
		return nil
	}
	return b.next.Close()
}
