package triggers

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func updateCardType(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	update, ok := ev.(*relaychat.UpdateCardType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	if err := tc.Client.DB.UpdateCollaborators(ctx, update.CardID, update.CardType); err != nil {
		return nil, err
	}
	if err := tc.Client.DB.UpdateLabels(ctx, update.CardID, update.CardType); err != nil {
		return nil, err
	}
	thread, err := parentThread(ctx, tc, update.CardID)
	if err != nil || thread == nil {
		return nil, err
	}
	return []relaychat.Event{&relaychat.ThreadPatch{
		Base:      relaychat.Base{Date: update.Date},
		CardID:    thread.CardID,
		MessageID: thread.MessageID,
		SocialID:  update.SocialID,
		Operation: relaychat.ThreadOperation{Opcode: relaychat.OpUpdate, ThreadID: update.CardID, ThreadType: update.CardType},
	}}, nil
}

// removeCard drops everything that hangs off a deleted card. Removing the
// collaborators cascades into their subscription labels and contexts, so
// only what remains outside that cascade is removed here.
func removeCard(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	remove, ok := ev.(*relaychat.RemoveCard)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	var result []relaychat.Event

	collaborators, err := tc.Client.DB.FindCollaborators(ctx, relaychat.FindCollaboratorsParams{CardID: remove.CardID})
	if err != nil {
		return nil, err
	}
	accounts := make([]string, 0, len(collaborators))
	for _, c := range collaborators {
		accounts = append(accounts, c.Account)
	}
	if len(accounts) > 0 {
		result = append(result, &relaychat.RemoveCollaborators{
			Base:          relaychat.Base{Date: remove.Date},
			CardID:        remove.CardID,
			Collaborators: accounts,
			SocialID:      remove.SocialID,
		})
	}

	labels, err := tc.Client.DB.FindLabels(ctx, relaychat.FindLabelsParams{CardID: remove.CardID})
	if err != nil {
		return nil, err
	}
	for _, label := range labels {
		if label.LabelID == relaychat.SubscriptionLabelID && slices.Contains(accounts, label.Account) {
			continue
		}
		result = append(result, &relaychat.RemoveLabel{
			Base:    relaychat.Base{Date: remove.Date},
			LabelID: label.LabelID,
			CardID:  remove.CardID,
			Account: label.Account,
		})
	}

	contexts, err := tc.Client.DB.FindNotificationContexts(ctx, relaychat.FindNotificationContextParams{CardID: remove.CardID})
	if err != nil {
		return nil, err
	}
	for _, nc := range contexts {
		if slices.Contains(accounts, nc.Account) {
			continue
		}
		result = append(result, &relaychat.RemoveNotificationContext{
			Base:      relaychat.Base{Date: remove.Date},
			ContextID: nc.ID,
			Account:   nc.Account,
			CardID:    remove.CardID,
		})
	}

	if err := detachThread(ctx, tc, remove.CardID); err != nil {
		tc.Logger.Warn("failed to detach removed thread", zap.String("cardId", remove.CardID), zap.Error(err))
	}
	return result, nil
}

// detachThread unlinks a removed thread card from its root message.
func detachThread(ctx context.Context, tc *Context, cardID string) error {
	thread, err := parentThread(ctx, tc, cardID)
	if err != nil || thread == nil {
		return err
	}
	meta, err := tc.Client.GetMessageMeta(ctx, thread.CardID, thread.MessageID)
	if err != nil {
		return err
	}
	if meta != nil {
		if err := tc.Client.Blob.RemoveThread(ctx, thread.CardID, meta.BlobID, thread.MessageID, cardID); err != nil {
			return err
		}
	}
	return tc.Client.DB.RemoveThreadMeta(ctx, cardID)
}

func subscribeCollaborators(_ context.Context, _ *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	add, ok := ev.(*relaychat.AddCollaborators)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	result := make([]relaychat.Event, 0, len(add.Collaborators))
	for _, account := range add.Collaborators {
		result = append(result, &relaychat.CreateLabel{
			Base:     relaychat.Base{Date: add.Date},
			LabelID:  relaychat.SubscriptionLabelID,
			CardID:   add.CardID,
			CardType: add.CardType,
			Account:  account,
		})
	}
	return result, nil
}

func unsubscribeCollaborators(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	remove, ok := ev.(*relaychat.RemoveCollaborators)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	if len(remove.Collaborators) == 0 {
		return nil, nil
	}
	result := make([]relaychat.Event, 0, 2*len(remove.Collaborators))
	for _, account := range remove.Collaborators {
		result = append(result, &relaychat.RemoveLabel{
			Base:    relaychat.Base{Date: remove.Date},
			LabelID: relaychat.SubscriptionLabelID,
			CardID:  remove.CardID,
			Account: account,
		})
	}
	contexts, err := tc.Client.DB.FindNotificationContexts(ctx, relaychat.FindNotificationContextParams{
		CardID:  remove.CardID,
		Account: remove.Collaborators,
	})
	if err != nil {
		return nil, err
	}
	for _, nc := range contexts {
		result = append(result, &relaychat.RemoveNotificationContext{
			Base:      relaychat.Base{Date: remove.Date},
			ContextID: nc.ID,
			Account:   nc.Account,
			CardID:    remove.CardID,
		})
	}
	return result, nil
}

// clearReadContext drops the new-message label once the account has seen
// everything in the card.
func clearReadContext(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	update, ok := ev.(*relaychat.UpdateNotificationContext)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	if update.Updates.LastView == nil {
		return nil, nil
	}
	contexts, err := tc.Client.DB.FindNotificationContexts(ctx, relaychat.FindNotificationContextParams{
		ID:      update.ContextID,
		Account: []string{update.Account},
	})
	if err != nil || len(contexts) == 0 || !contexts[0].IsRead() {
		return nil, err
	}
	return []relaychat.Event{&relaychat.RemoveLabel{
		Base:    relaychat.Base{Date: update.Date},
		LabelID: relaychat.NewMessageLabelID,
		CardID:  contexts[0].CardID,
		Account: update.Account,
	}}, nil
}

func clearRemovedContext(_ context.Context, _ *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	remove, ok := ev.(*relaychat.RemoveNotificationContext)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	if remove.CardID == "" {
		return nil, nil
	}
	return []relaychat.Event{&relaychat.RemoveLabel{
		Base:    relaychat.Base{Date: remove.Date},
		LabelID: relaychat.NewMessageLabelID,
		CardID:  remove.CardID,
		Account: remove.Account,
	}}, nil
}
