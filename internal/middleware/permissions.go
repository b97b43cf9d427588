package middleware

import (
	"context"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// PermissionsMiddleware checks request events from regular accounts.
// Derived events and the system account pass untouched.
type PermissionsMiddleware struct {
	Base
	pctx *Context
}

func NewPermissions() Factory {
	return func(pctx *Context, next Middleware) (Middleware, error) {
		return &PermissionsMiddleware{Base: NewBase(next), pctx: pctx}, nil
	}
}

func (m *PermissionsMiddleware) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	if derived || session.Account.IsSystem() {
		return m.Base.Event(ctx, session, ev, derived)
	}
	if err := m.check(ctx, session.Account, ev); err != nil {
		return relaychat.EventResult{}, err
	}
	return m.Base.Event(ctx, session, ev, derived)
}

func (m *PermissionsMiddleware) check(ctx context.Context, account relaychat.Account, ev relaychat.Event) error {
	if account.IsGuest() {
		// Guests may only mark their own contexts as viewed.
		if e, ok := ev.(*relaychat.UpdateNotificationContext); ok && account.UUID != "" {
			return checkAccount(account, e.Account)
		}
		return relaychat.Forbidden("guest accounts are read only")
	}

	switch e := ev.(type) {
	case *relaychat.CreateMessage:
		if err := checkSocialID(account, e.SocialID); err != nil {
			return err
		}
		if e.Options != nil {
			e.Options.NoNotify = false
		}
		return nil
	case *relaychat.UpdatePatch:
		return m.checkAuthor(ctx, account, e.CardID, e.MessageID, e.SocialID)
	case *relaychat.RemovePatch:
		return m.checkAuthor(ctx, account, e.CardID, e.MessageID, e.SocialID)
	case *relaychat.AttachmentPatch:
		return m.checkAuthor(ctx, account, e.CardID, e.MessageID, e.SocialID)
	case *relaychat.BlobPatch:
		return m.checkAuthor(ctx, account, e.CardID, e.MessageID, e.SocialID)

	case *relaychat.CreateNotification:
		return checkAccount(account, e.Account)
	case *relaychat.RemoveNotifications:
		return checkAccount(account, e.Account)
	case *relaychat.UpdateNotification:
		return checkAccount(account, e.Account)
	case *relaychat.CreateNotificationContext:
		return checkAccount(account, e.Account)
	case *relaychat.RemoveNotificationContext:
		return checkAccount(account, e.Account)
	case *relaychat.UpdateNotificationContext:
		return checkAccount(account, e.Account)

	case *relaychat.CreateLabel:
		if err := checkSocialID(account, e.SocialID); err != nil {
			return err
		}
		return checkAccount(account, e.Account)
	case *relaychat.RemoveLabel:
		if err := checkSocialID(account, e.SocialID); err != nil {
			return err
		}
		return checkAccount(account, e.Account)

	case *relaychat.CreatePeer, *relaychat.RemovePeer,
		*relaychat.CreateMessagesGroup, *relaychat.RemoveMessagesGroup:
		return relaychat.Forbidden("%s is allowed for the system account only", ev.Type())
	}

	// Reactions, threads, collaborators and card events only need the
	// acting social id to belong to the caller.
	return checkSocialID(account, relaychat.SocialIDOf(ev))
}

func checkSocialID(account relaychat.Account, socialID string) error {
	if !account.OwnsSocialID(socialID) {
		return relaychat.Forbidden("social id %q does not belong to the account", socialID)
	}
	return nil
}

func checkAccount(account relaychat.Account, target string) error {
	if target != account.UUID {
		return relaychat.Forbidden("account mismatch")
	}
	return nil
}

// checkAuthor allows message mutations only to the author.
func (m *PermissionsMiddleware) checkAuthor(ctx context.Context, account relaychat.Account, cardID, messageID, socialID string) error {
	if err := checkSocialID(account, socialID); err != nil {
		return err
	}
	meta, err := m.pctx.Client.GetMessageMeta(ctx, cardID, messageID)
	if err != nil {
		return err
	}
	if meta == nil {
		return relaychat.NotFound("message not found")
	}
	if !account.OwnsSocialID(meta.Creator) {
		return relaychat.Forbidden("message author is not allowed")
	}
	return nil
}
