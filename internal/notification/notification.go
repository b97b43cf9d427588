// Package notification decides who hears about new messages and reactions
// and keeps each recipient's notification context current.
package notification

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/client"
	"github.com/agentworkforce/relaychat/internal/metadata"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const (
	defaultSenderName = "System"
	defaultTitle      = "New message"
	reactionTitle     = "Reacted to your message"
)

// Executor runs a derived event through the pipeline and returns its
// result.
type Executor func(ctx context.Context, ev relaychat.Event) (relaychat.EventResult, error)

type Options struct {
	BatchSize int
	Logger    *zap.Logger
	Now       func() time.Time
}

type Engine struct {
	client    *client.Client
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func New(c *client.Client, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = metadata.DefaultCollaboratorBatch
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{client: c, batchSize: opts.BatchSize, logger: opts.Logger, now: opts.Now}
}

// OnMessage walks the card's collaborators in batches, bumps or creates
// their contexts and notifies everyone except the author.
func (e *Engine) OnMessage(ctx context.Context, execute Executor, ev *relaychat.CreateMessage) ([]relaychat.Event, error) {
	if ev.MessageID == "" || (ev.Options != nil && ev.Options.NoNotify) {
		return nil, nil
	}
	creatorAccount, err := e.client.FindAccount(ctx, ev.SocialID)
	if err != nil {
		e.logger.Warn("failed to resolve message author", zap.String("socialId", ev.SocialID), zap.Error(err))
	}
	title, err := e.client.DB.GetCardTitle(ctx, ev.CardID)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = defaultTitle
	}

	var result []relaychat.Event
	cursor := e.client.DB.GetCollaboratorsCursor(ctx, ev.CardID, ev.Date, e.batchSize)
	for first := true; ; first = false {
		batch, err := cursor.Next(ctx)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			return result, nil
		}
		accounts := make([]string, 0, len(batch))
		for _, collaborator := range batch {
			accounts = append(accounts, collaborator.Account)
		}
		params := relaychat.FindNotificationContextParams{CardID: ev.CardID}
		if !first || len(accounts) >= e.batchSize {
			params.Account = accounts
		}
		contexts, err := e.client.DB.FindNotificationContexts(ctx, params)
		if err != nil {
			return result, err
		}
		byAccount := make(map[string]*relaychat.NotificationContext, len(contexts))
		for i := range contexts {
			byAccount[contexts[i].Account] = &contexts[i]
		}

		for _, account := range accounts {
			events, err := e.processCollaborator(ctx, execute, ev, title, account, creatorAccount, byAccount[account])
			if err != nil {
				e.logger.Error("Error on create notification", zap.String("collaborator", account), zap.String("cardId", ev.CardID), zap.Error(err))
				continue
			}
			result = append(result, events...)
		}
	}
}

func (e *Engine) processCollaborator(ctx context.Context, execute Executor, ev *relaychat.CreateMessage, title, collaborator, creatorAccount string, existing *relaychat.NotificationContext) ([]relaychat.Event, error) {
	isOwn := creatorAccount != "" && creatorAccount == collaborator
	contextID, events, err := e.createOrUpdateContext(ctx, execute, ev.CardID, ev.Date, collaborator, isOwn, existing)
	if err != nil {
		return nil, err
	}

	var result []relaychat.Event
	if !isOwn {
		result = append(result, &relaychat.CreateLabel{
			Base:     relaychat.Base{Date: ev.Date},
			LabelID:  relaychat.NewMessageLabelID,
			CardID:   ev.CardID,
			CardType: ev.CardType,
			Account:  collaborator,
		})
	}
	result = append(result, events...)
	if contextID == "" || isOwn || !isPlainMessage(ev.MessageType) {
		return result, nil
	}

	senderName := e.senderName(ctx, ev.SocialID)
	var lastView time.Time
	if existing != nil {
		lastView = existing.LastView
	}
	result = append(result, &relaychat.CreateNotification{
		Base:             relaychat.Base{Date: ev.Date},
		ContextID:        contextID,
		Account:          collaborator,
		CardID:           ev.CardID,
		MessageID:        ev.MessageID,
		BlobID:           ev.BlobID,
		NotificationType: relaychat.NotificationTypeMessage,
		Read:             ev.Date.Before(lastView) || collaborator == relaychat.GuestAccount,
		Creator:          ev.SocialID,
		MessageCreated:   ev.Date,
		Content: relaychat.NotificationContent{
			SenderName: senderName,
			Title:      title,
			ShortText:  ShortText(ev.Content),
		},
	})
	return result, nil
}

func isPlainMessage(messageType string) bool {
	return messageType == "" || messageType == relaychat.MessageTypeMessage
}

// createOrUpdateContext returns the collaborator's context id and the
// events that bring an existing context up to date.
func (e *Engine) createOrUpdateContext(ctx context.Context, execute Executor, cardID string, date time.Time, account string, isOwn bool, existing *relaychat.NotificationContext) (string, []relaychat.Event, error) {
	if existing == nil {
		var lastView *time.Time
		if isOwn {
			lastView = &date
		}
		id, err := e.createContext(ctx, execute, account, cardID, date, lastView, date)
		return id, nil, err
	}

	lastUpdate := date
	if existing.LastUpdate.After(date) {
		lastUpdate = existing.LastUpdate
	}
	updates := relaychat.NotificationContextUpdates{LastUpdate: &lastUpdate}
	if isOwn && existing.IsRead() {
		updates.LastView = &date
	}
	if !isOwn {
		updates.LastNotify = &date
	}
	return existing.ID, []relaychat.Event{&relaychat.UpdateNotificationContext{
		Base:      relaychat.Base{Date: e.now()},
		ContextID: existing.ID,
		Account:   account,
		Updates:   updates,
	}}, nil
}

// createContext runs the creation right away because the notification needs
// the new id. A concurrent creation for the same account wins and its
// context is used instead.
func (e *Engine) createContext(ctx context.Context, execute Executor, account, cardID string, lastUpdate time.Time, lastView *time.Time, lastNotify time.Time) (string, error) {
	view := lastUpdate.Add(-time.Millisecond)
	if lastView != nil {
		view = *lastView
	}
	notify := lastNotify
	res, err := execute(ctx, &relaychat.CreateNotificationContext{
		Base:       relaychat.Base{Date: e.now()},
		CardID:     cardID,
		Account:    account,
		LastView:   view,
		LastUpdate: lastUpdate,
		LastNotify: &notify,
	})
	if err == nil && res.ID != "" {
		return res.ID, nil
	}
	if err != nil && !errors.Is(err, relaychat.ErrConflict) {
		e.logger.Warn("failed to create notification context", zap.String("account", account), zap.String("cardId", cardID), zap.Error(err))
	}
	found, findErr := e.client.DB.FindNotificationContexts(ctx, relaychat.FindNotificationContextParams{
		CardID:  cardID,
		Account: []string{account},
		FindParams: relaychat.FindParams{
			Limit: 1,
		},
	})
	if findErr != nil {
		return "", findErr
	}
	if len(found) == 0 {
		return "", err
	}
	return found[0].ID, nil
}

func (e *Engine) senderName(ctx context.Context, socialID string) string {
	name, err := e.client.FindName(ctx, socialID)
	if err != nil {
		e.logger.Warn("failed to resolve sender name", zap.String("socialId", socialID), zap.Error(err))
	}
	if name == "" {
		return defaultSenderName
	}
	return name
}

// OnReaction notifies the message author about reactions from others and
// withdraws the notification when the reaction is removed.
func (e *Engine) OnReaction(ctx context.Context, execute Executor, ev *relaychat.ReactionPatch) ([]relaychat.Event, error) {
	switch ev.Operation.Opcode {
	case relaychat.OpAdd:
		return e.notifyReaction(ctx, execute, ev)
	case relaychat.OpRemove:
		return e.removeReactionNotification(ctx, ev)
	}
	return nil, nil
}

func (e *Engine) notifyReaction(ctx context.Context, execute Executor, ev *relaychat.ReactionPatch) ([]relaychat.Event, error) {
	meta, err := e.client.GetMessageMeta(ctx, ev.CardID, ev.MessageID)
	if err != nil || meta == nil {
		return nil, err
	}
	messageAccount, err := e.client.FindAccount(ctx, meta.Creator)
	if err != nil || messageAccount == "" {
		return nil, err
	}
	reactionAccount, err := e.client.FindAccount(ctx, ev.SocialID)
	if err != nil {
		return nil, err
	}
	if reactionAccount == messageAccount {
		return nil, nil
	}

	contexts, err := e.client.DB.FindNotificationContexts(ctx, relaychat.FindNotificationContextParams{
		CardID:  ev.CardID,
		Account: []string{messageAccount},
	})
	if err != nil {
		return nil, err
	}
	var existing *relaychat.NotificationContext
	contextID := ""
	if len(contexts) > 0 {
		existing = &contexts[0]
		contextID = existing.ID
	} else if contextID, err = e.createContext(ctx, execute, messageAccount, ev.CardID, ev.Date, nil, ev.Date); err != nil {
		return nil, err
	}
	if contextID == "" {
		return nil, nil
	}

	senderName := e.senderName(ctx, ev.SocialID)
	result := []relaychat.Event{&relaychat.CreateNotification{
		Base:             relaychat.Base{Date: ev.Date},
		ContextID:        contextID,
		Account:          messageAccount,
		CardID:           ev.CardID,
		MessageID:        ev.MessageID,
		BlobID:           meta.BlobID,
		NotificationType: relaychat.NotificationTypeReaction,
		Read:             messageAccount == relaychat.GuestAccount,
		Creator:          ev.SocialID,
		MessageCreated:   meta.CreatedOn,
		Content: relaychat.NotificationContent{
			Emoji:      ev.Operation.Reaction,
			Creator:    ev.SocialID,
			SenderName: senderName,
			Title:      reactionTitle,
			ShortText:  ev.Operation.Reaction,
		},
	}}
	if existing != nil && (existing.LastNotify == nil || existing.LastNotify.Before(ev.Date)) {
		date := ev.Date
		result = append(result, &relaychat.UpdateNotificationContext{
			Base:      relaychat.Base{Date: ev.Date},
			ContextID: contextID,
			Account:   messageAccount,
			Updates:   relaychat.NotificationContextUpdates{LastNotify: &date},
		})
	}
	return result, nil
}

func (e *Engine) removeReactionNotification(ctx context.Context, ev *relaychat.ReactionPatch) ([]relaychat.Event, error) {
	meta, err := e.client.GetMessageMeta(ctx, ev.CardID, ev.MessageID)
	if err != nil || meta == nil {
		return nil, err
	}
	messageAccount, err := e.client.FindAccount(ctx, meta.Creator)
	if err != nil || messageAccount == "" {
		return nil, err
	}
	notifications, err := e.client.DB.FindNotifications(ctx, relaychat.FindNotificationsParams{
		Type:      relaychat.NotificationTypeReaction,
		MessageID: ev.MessageID,
		Account:   []string{messageAccount},
	})
	if err != nil {
		return nil, err
	}
	var target *relaychat.Notification
	for i := range notifications {
		n := &notifications[i]
		if n.Content.Emoji == ev.Operation.Reaction && n.Content.Creator == ev.SocialID {
			target = n
			break
		}
	}
	if target == nil {
		return nil, nil
	}

	contexts, err := e.client.DB.FindNotificationContexts(ctx, relaychat.FindNotificationContextParams{
		CardID:     ev.CardID,
		Account:    []string{messageAccount},
		FindParams: relaychat.FindParams{Limit: 1},
	})
	if err != nil || len(contexts) == 0 {
		return nil, err
	}
	nc := contexts[0]

	var result []relaychat.Event
	if nc.LastNotify != nil && nc.LastNotify.Equal(target.Created) {
		previous, err := e.client.DB.FindNotifications(ctx, relaychat.FindNotificationsParams{
			ContextID:  nc.ID,
			Account:    []string{messageAccount},
			Created:    &relaychat.DateFilter{Less: nc.LastNotify},
			FindParams: relaychat.FindParams{Order: relaychat.Descending, Limit: 1},
		})
		if err != nil {
			return nil, err
		}
		// With nothing left, lastNotify falls back to the last view, or just
		// before the removed notification when that was already seen.
		lastNotify := target.Created.Add(-time.Millisecond)
		if len(previous) > 0 {
			lastNotify = previous[0].Created
		} else if !nc.LastView.IsZero() && nc.LastView.Before(target.Created) {
			lastNotify = nc.LastView
		}
		result = append(result, &relaychat.UpdateNotificationContext{
			Base:      relaychat.Base{Date: e.now()},
			ContextID: nc.ID,
			Account:   messageAccount,
			Updates:   relaychat.NotificationContextUpdates{LastNotify: &lastNotify},
		})
	}
	return append(result, &relaychat.RemoveNotifications{
		Base:      relaychat.Base{Date: e.now()},
		ContextID: target.ContextID,
		Account:   messageAccount,
		IDs:       []string{target.ID},
	}), nil
}
