package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// IdentityMiddleware resolves the acting person for patches keyed by person
// and pins account scoped queries to the caller's own account.
type IdentityMiddleware struct {
	Base
	pctx *Context
}

func NewIdentity() Factory {
	return func(pctx *Context, next Middleware) (Middleware, error) {
		return &IdentityMiddleware{Base: NewBase(next), pctx: pctx}, nil
	}
}

func (m *IdentityMiddleware) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	switch e := ev.(type) {
	case *relaychat.ReactionPatch:
		if derived && e.Person != "" {
			e.EventExtra.PersonUUID = e.Person
			break
		}
		e.EventExtra.PersonUUID = m.person(ctx, ev, e.SocialID)
	case *relaychat.ThreadPatch:
		e.EventExtra.PersonUUID = m.person(ctx, ev, e.SocialID)
	}
	return m.Base.Event(ctx, session, ev, derived)
}

// person resolves socialID to a person uuid. A failed lookup leaves it
// empty, which Storage treats as nothing to do.
func (m *IdentityMiddleware) person(ctx context.Context, ev relaychat.Event, socialID string) string {
	person, err := m.pctx.Client.FindPersonUUID(ctx, socialID, false)
	if err != nil {
		m.pctx.Logger.Warn("failed to resolve person",
			zap.String("type", string(ev.Type())),
			zap.String("socialId", socialID),
			zap.Error(err))
		return ""
	}
	return person
}

func ownAccount(session *relaychat.Session) (string, bool) {
	if session.Account.IsSystem() {
		return "", false
	}
	return session.Account.UUID, true
}

func (m *IdentityMiddleware) FindNotificationContexts(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationContextParams, queryID string) ([]relaychat.NotificationContext, error) {
	if account, ok := ownAccount(session); ok {
		params.Account = []string{account}
	}
	return m.Base.FindNotificationContexts(ctx, session, params, queryID)
}

func (m *IdentityMiddleware) FindNotifications(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationsParams, queryID string) ([]relaychat.Notification, error) {
	if account, ok := ownAccount(session); ok {
		params.Account = []string{account}
	}
	return m.Base.FindNotifications(ctx, session, params, queryID)
}

func (m *IdentityMiddleware) FindLabels(ctx context.Context, session *relaychat.Session, params relaychat.FindLabelsParams, queryID string) ([]relaychat.Label, error) {
	if account, ok := ownAccount(session); ok {
		params.Account = account
	}
	return m.Base.FindLabels(ctx, session, params, queryID)
}
