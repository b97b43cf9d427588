package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/broadcast"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// BroadcastMiddleware keeps the session registry current and delivers
// committed events to the sessions watching them.
type BroadcastMiddleware struct {
	Base
	pctx      *Context
	registry  *broadcast.Registry
	callbacks Callbacks
}

func NewBroadcast(registry *broadcast.Registry, callbacks Callbacks) Factory {
	if registry == nil {
		registry = broadcast.NewRegistry()
	}
	return func(pctx *Context, next Middleware) (Middleware, error) {
		return &BroadcastMiddleware{Base: NewBase(next), pctx: pctx, registry: registry, callbacks: callbacks}, nil
	}
}

func (m *BroadcastMiddleware) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	if !derived {
		m.touch(session)
	}
	return m.Base.Event(ctx, session, ev, derived)
}

func (m *BroadcastMiddleware) touch(session *relaychat.Session) {
	m.registry.Touch(session)
	m.pctx.Metrics.SetSessions(m.registry.Len())
}

func (m *BroadcastMiddleware) FindMessages(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesParams, queryID string) ([]relaychat.Message, error) {
	m.touch(session)
	out, err := m.Base.FindMessages(ctx, session, params, queryID)
	if err == nil && queryID != "" {
		m.registry.SubscribeMessages(session, queryID, broadcast.MessageQuery{CardID: params.CardID, MessageID: params.ID})
	}
	return out, err
}

func (m *BroadcastMiddleware) FindMessagesGroups(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesGroupsParams, queryID string) ([]relaychat.MessagesGroup, error) {
	m.touch(session)
	out, err := m.Base.FindMessagesGroups(ctx, session, params, queryID)
	if err == nil && queryID != "" {
		m.registry.SubscribeMessages(session, queryID, broadcast.MessageQuery{CardID: params.CardID})
	}
	return out, err
}

// FindNotificationContexts subscribes a live query to every card the
// returned contexts point at.
func (m *BroadcastMiddleware) FindNotificationContexts(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationContextParams, queryID string) ([]relaychat.NotificationContext, error) {
	m.touch(session)
	out, err := m.Base.FindNotificationContexts(ctx, session, params, queryID)
	if err == nil && queryID != "" {
		cards := make([]string, 0, len(out))
		for _, nc := range out {
			cards = append(cards, nc.CardID)
		}
		m.registry.SubscribeContexts(session, queryID, cards)
	}
	return out, err
}

func (m *BroadcastMiddleware) FindNotifications(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationsParams, queryID string) ([]relaychat.Notification, error) {
	m.touch(session)
	return m.Base.FindNotifications(ctx, session, params, queryID)
}

func (m *BroadcastMiddleware) FindLabels(ctx context.Context, session *relaychat.Session, params relaychat.FindLabelsParams, queryID string) ([]relaychat.Label, error) {
	m.touch(session)
	return m.Base.FindLabels(ctx, session, params, queryID)
}

func (m *BroadcastMiddleware) HandleBroadcast(ctx context.Context, session *relaychat.Session, events []relaychat.Event) {
	visible := make([]relaychat.Event, 0, len(events))
	for _, ev := range events {
		if !ev.Header().SkipPropagate {
			visible = append(visible, ev)
		}
	}
	if len(visible) == 0 {
		return
	}

	m.Deliver(ctx, visible)
	if m.callbacks.Publish != nil {
		if err := m.callbacks.Publish(ctx, visible); err != nil {
			m.pctx.Logger.Error("failed to publish events", zap.Int("events", len(visible)), zap.Error(err))
		}
	}
	if m.callbacks.Enqueue != nil {
		if err := m.callbacks.Enqueue(ctx, visible); err != nil {
			m.pctx.Logger.Error("failed to enqueue events", zap.Int("events", len(visible)), zap.Error(err))
		}
	}
	m.Base.HandleBroadcast(ctx, session, visible)
}

// Deliver sends events to the local sessions that watch them. Events
// published by other instances enter here.
func (m *BroadcastMiddleware) Deliver(ctx context.Context, events []relaychat.Event) {
	if m.callbacks.Broadcast == nil {
		return
	}
	recipients := m.registry.Recipients(events)
	if len(recipients) == 0 {
		return
	}
	if err := m.callbacks.Broadcast(ctx, recipients); err != nil {
		m.pctx.Logger.Error("failed to broadcast events", zap.Int("sessions", len(recipients)), zap.Error(err))
	}
}

func (m *BroadcastMiddleware) SubscribeCard(session *relaychat.Session, cardID, subscriptionID string) {
	m.registry.SubscribeCard(session, cardID, subscriptionID)
	m.Base.SubscribeCard(session, cardID, subscriptionID)
}

func (m *BroadcastMiddleware) UnsubscribeCard(session *relaychat.Session, cardID, subscriptionID string) {
	m.registry.UnsubscribeCard(session, cardID, subscriptionID)
	m.Base.UnsubscribeCard(session, cardID, subscriptionID)
}

func (m *BroadcastMiddleware) UnsubscribeQuery(session *relaychat.Session, queryID string) {
	m.registry.UnsubscribeQuery(session, queryID)
	m.Base.UnsubscribeQuery(session, queryID)
}

func (m *BroadcastMiddleware) CloseSession(sessionID string) {
	m.registry.CloseSession(sessionID)
	m.pctx.Metrics.SetSessions(m.registry.Len())
	m.Base.CloseSession(sessionID)
}

func (m *BroadcastMiddleware) Close() error {
	m.registry.Close()
	return m.Base.Close()
}
