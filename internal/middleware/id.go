package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// IDMiddleware assigns time ordered ids to new messages that arrive
// without one.
type IDMiddleware struct {
	Base
}

func NewID() Factory {
	return func(_ *Context, next Middleware) (Middleware, error) {
		return &IDMiddleware{Base: NewBase(next)}, nil
	}
}

func (m *IDMiddleware) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	if msg, ok := ev.(*relaychat.CreateMessage); ok && msg.MessageID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return relaychat.EventResult{}, err
		}
		msg.MessageID = id.String()
	}
	return m.Base.Event(ctx, session, ev, derived)
}
