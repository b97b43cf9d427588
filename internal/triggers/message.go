package triggers

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// mentionPattern matches person references in markdown links, for example
// [@Ann](ref://?_class=contact:class:Person&_id=0192f...).
var mentionPattern = regexp.MustCompile(`ref://[^)\s]*?[?&]_id=([0-9A-Za-z-]+)`)

func registerCard(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	if tc.Indexer == nil {
		return nil, nil
	}
	return nil, tc.Indexer.Register(ctx, relaychat.CardOf(ev))
}

func forgetCard(_ context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	if tc.Indexer != nil {
		tc.Indexer.Forget(relaychat.CardOf(ev))
	}
	return nil, nil
}

// Mentions returns the person ids referenced by the markdown, in order of
// first appearance.
func Mentions(markdown string) []string {
	var out []string
	for _, match := range mentionPattern.FindAllStringSubmatch(markdown, -1) {
		if !slices.Contains(out, match[1]) {
			out = append(out, match[1])
		}
	}
	return out
}

// addMessageCollaborators subscribes the author and, for plain messages,
// every mentioned person. Mentions are limited to the card's space members
// when the card has any.
func addMessageCollaborators(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	msg, ok := ev.(*relaychat.CreateMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	var candidates []string
	author, err := tc.Client.FindAccount(ctx, msg.SocialID)
	if err != nil {
		tc.Logger.Warn("failed to resolve message author", zap.String("cardId", msg.CardID), zap.String("socialId", msg.SocialID), zap.Error(err))
	}
	if author != "" {
		candidates = append(candidates, author)
	}
	if mentions := Mentions(msg.Content); len(mentions) > 0 && isMessage(msg.MessageType) {
		members, err := tc.Client.DB.GetCardSpaceMembers(ctx, msg.CardID)
		if err != nil {
			return nil, err
		}
		for _, person := range mentions {
			if len(members) > 0 && !slices.Contains(members, person) {
				continue
			}
			if !slices.Contains(candidates, person) {
				candidates = append(candidates, person)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	existing, err := tc.Client.DB.FindCollaborators(ctx, relaychat.FindCollaboratorsParams{CardID: msg.CardID, Account: candidates})
	if err != nil {
		return nil, err
	}
	missing := candidates[:0:0]
	for _, account := range candidates {
		if !slices.ContainsFunc(existing, func(c relaychat.Collaborator) bool { return c.Account == account }) {
			missing = append(missing, account)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return []relaychat.Event{&relaychat.AddCollaborators{
		Base:          relaychat.Base{Date: msg.Date},
		CardID:        msg.CardID,
		CardType:      msg.CardType,
		Collaborators: missing,
		SocialID:      msg.SocialID,
	}}, nil
}

func isMessage(messageType string) bool {
	return messageType == "" || messageType == relaychat.MessageTypeMessage
}

// parentThread returns the meta linking a thread card to its root message,
// or nil when the card is not a thread.
func parentThread(ctx context.Context, tc *Context, cardID string) (*relaychat.ThreadMeta, error) {
	threads, err := tc.Client.DB.FindThreadMeta(ctx, relaychat.FindThreadsParams{ThreadID: cardID, FindParams: relaychat.FindParams{Limit: 1}})
	if err != nil || len(threads) == 0 {
		return nil, err
	}
	return &threads[0], nil
}

func addThreadReply(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	msg, ok := ev.(*relaychat.CreateMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	if !isMessage(msg.MessageType) {
		return nil, nil
	}
	thread, err := parentThread(ctx, tc, msg.CardID)
	if err != nil || thread == nil {
		return nil, err
	}
	// The copy of the root message made when the thread started is not a reply.
	if thread.MessageID == msg.MessageID {
		return nil, nil
	}
	return []relaychat.Event{&relaychat.ThreadPatch{
		Base:      relaychat.Base{Date: msg.Date},
		CardID:    thread.CardID,
		MessageID: thread.MessageID,
		SocialID:  msg.SocialID,
		Operation: relaychat.ThreadOperation{Opcode: relaychat.OpAddReply, ThreadID: msg.CardID},
	}}, nil
}

func removeThreadReply(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	patch, ok := ev.(*relaychat.RemovePatch)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	thread, err := parentThread(ctx, tc, patch.CardID)
	if err != nil || thread == nil || thread.MessageID == patch.MessageID {
		return nil, err
	}
	return []relaychat.Event{&relaychat.ThreadPatch{
		Base:      relaychat.Base{Date: patch.Date},
		CardID:    thread.CardID,
		MessageID: thread.MessageID,
		SocialID:  patch.SocialID,
		Operation: relaychat.ThreadOperation{Opcode: relaychat.OpRemoveReply, ThreadID: patch.CardID},
	}}, nil
}

// backfillThread copies the root message, its attachments and reactions
// into a newly attached thread card so the thread opens with its context.
func backfillThread(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	patch, ok := ev.(*relaychat.ThreadPatch)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	if patch.Operation.Opcode != relaychat.OpAttach {
		return nil, nil
	}
	meta, err := tc.Client.GetMessageMeta(ctx, patch.CardID, patch.MessageID)
	if err != nil || meta == nil {
		return nil, err
	}
	root, err := tc.Client.Blob.GetMessage(ctx, patch.CardID, meta.BlobID, patch.MessageID)
	if err != nil || root == nil {
		return nil, err
	}

	threadID := patch.Operation.ThreadID
	result := []relaychat.Event{&relaychat.CreateMessage{
		Base:        relaychat.Base{Date: root.Created},
		CardID:      threadID,
		CardType:    patch.Operation.ThreadType,
		MessageID:   root.ID,
		MessageType: root.Type,
		Content:     root.Content,
		Extra:       root.Extra,
		Language:    root.Language,
		SocialID:    root.Creator,
		Options:     &relaychat.MessageOptions{NoNotify: true},
	}}

	if len(root.Attachments) > 0 {
		attachments := make([]relaychat.AttachmentData, 0, len(root.Attachments))
		for _, id := range sortedKeys(root.Attachments) {
			a := root.Attachments[id]
			attachments = append(attachments, relaychat.AttachmentData{ID: a.ID, MimeType: a.MimeType, Params: a.Params})
		}
		result = append(result, &relaychat.AttachmentPatch{
			Base:       relaychat.Base{Date: root.Created},
			CardID:     threadID,
			MessageID:  root.ID,
			SocialID:   root.Creator,
			Operations: []relaychat.AttachmentOperation{{Opcode: relaychat.OpAdd, Attachments: attachments}},
		})
	}

	for _, emoji := range sortedKeys(root.Reactions) {
		persons := root.Reactions[emoji]
		for _, person := range sortedKeys(persons) {
			result = append(result, &relaychat.ReactionPatch{
				Base:      relaychat.Base{Date: persons[person].Date},
				CardID:    threadID,
				MessageID: root.ID,
				SocialID:  root.Creator,
				Person:    person,
				Operation: relaychat.ReactionOperation{Opcode: relaychat.OpAdd, Reaction: emoji},
			})
		}
	}
	return result, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func notifyMessage(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	msg, ok := ev.(*relaychat.CreateMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	if tc.Notifications == nil {
		return nil, nil
	}
	return tc.Notifications.OnMessage(ctx, tc.Execute, msg)
}

func notifyReaction(ctx context.Context, tc *Context, ev relaychat.Event) ([]relaychat.Event, error) {
	patch, ok := ev.(*relaychat.ReactionPatch)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Type())
	}
	// Reactions copied into a thread are history, not news.
	if tc.Notifications == nil || patch.Person != "" {
		return nil, nil
	}
	return tc.Notifications.OnReaction(ctx, tc.Execute, patch)
}
