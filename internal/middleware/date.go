package middleware

import (
	"context"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// DateMiddleware stamps request events with the server clock and clears
// the scratch state. System callers and derived events keep their date so
// replays and trigger output stay in order.
type DateMiddleware struct {
	Base
	pctx *Context
	now  func() time.Time
}

func NewDate(now func() time.Time) Factory {
	if now == nil {
		now = time.Now
	}
	return func(pctx *Context, next Middleware) (Middleware, error) {
		return &DateMiddleware{Base: NewBase(next), pctx: pctx, now: now}, nil
	}
}

func (m *DateMiddleware) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	started := time.Now()
	header := ev.Header()
	header.EventExtra = relaychat.Extra{}
	if header.Date.IsZero() || (!derived && !session.Account.IsSystem()) {
		header.Date = m.now().UTC()
	}

	result, err := m.Base.Event(ctx, session, ev, derived)
	code := ""
	if err != nil {
		code = relaychat.AsAPIError(err).Code
	}
	m.pctx.Metrics.ObserveEvent(string(ev.Type()), derived, started, code)
	return result, err
}
