package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/blob"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// StorageMiddleware applies events to the grouped message store and the
// metadata adapter. A mutation that changes nothing marks the event with
// SkipPropagate and stops it here.
type StorageMiddleware struct {
	Base
	pctx *Context
}

func NewStorage() Factory {
	return func(pctx *Context, next Middleware) (Middleware, error) {
		if pctx.Client == nil {
			return nil, errors.New("storage middleware requires a client")
		}
		return &StorageMiddleware{Base: NewBase(next), pctx: pctx}, nil
	}
}

var errSkip = errors.New("skip propagate")

func (m *StorageMiddleware) Event(ctx context.Context, session *relaychat.Session, ev relaychat.Event, derived bool) (relaychat.EventResult, error) {
	result, err := m.apply(ctx, ev)
	if errors.Is(err, errSkip) {
		ev.Header().SkipPropagate = true
		m.pctx.Logger.Debug("event changed nothing",
			zap.String("type", string(ev.Type())),
			zap.String("cardId", relaychat.CardOf(ev)),
		)
		return relaychat.EventResult{}, nil
	}
	if err != nil {
		return relaychat.EventResult{}, err
	}
	if _, err := m.Base.Event(ctx, session, ev, derived); err != nil {
		return result, err
	}
	return result, nil
}

func (m *StorageMiddleware) apply(ctx context.Context, ev relaychat.Event) (relaychat.EventResult, error) {
	switch e := ev.(type) {
	case *relaychat.CreateMessage:
		return m.createMessage(ctx, e)
	case *relaychat.UpdatePatch:
		return relaychat.EventResult{}, m.updateMessage(ctx, e)
	case *relaychat.RemovePatch:
		return relaychat.EventResult{}, m.removeMessage(ctx, e)
	case *relaychat.ReactionPatch:
		return relaychat.EventResult{}, m.reaction(ctx, e)
	case *relaychat.AttachmentPatch:
		return relaychat.EventResult{}, m.attachments(ctx, e.CardID, e.MessageID, e.SocialID, e.Date, e.Operations)
	case *relaychat.BlobPatch:
		ops := BlobOperationsToAttachments(e.Operations)
		if len(ops) == 0 {
			return relaychat.EventResult{}, errSkip
		}
		return relaychat.EventResult{}, m.attachments(ctx, e.CardID, e.MessageID, e.SocialID, e.Date, ops)
	case *relaychat.ThreadPatch:
		return relaychat.EventResult{}, m.thread(ctx, e)
	case *relaychat.CreateMessagesGroup:
		return relaychat.EventResult{}, m.pctx.Client.Blob.RegisterGroup(ctx, e.Group)
	case *relaychat.RemoveMessagesGroup:
		return relaychat.EventResult{}, m.removeMessagesGroup(ctx, e)

	case *relaychat.CreateNotification:
		return m.createNotification(ctx, e)
	case *relaychat.RemoveNotifications:
		if len(e.IDs) == 0 {
			return relaychat.EventResult{}, errSkip
		}
		removed, err := m.pctx.Client.DB.RemoveNotifications(ctx, e.ContextID, e.Account, e.IDs)
		if err != nil {
			return relaychat.EventResult{}, err
		}
		if len(removed) == 0 {
			return relaychat.EventResult{}, errSkip
		}
		e.IDs = removed
		return relaychat.EventResult{IDs: removed}, nil
	case *relaychat.UpdateNotification:
		n, err := m.pctx.Client.DB.UpdateNotification(ctx, e.ContextID, e.Account, e.Query, e.Updates)
		if err != nil {
			return relaychat.EventResult{}, err
		}
		if n == 0 {
			return relaychat.EventResult{}, errSkip
		}
		return relaychat.EventResult{}, nil
	case *relaychat.CreateNotificationContext:
		id, err := m.pctx.Client.DB.CreateContext(ctx, relaychat.NotificationContext{
			ID:         e.ContextID,
			Account:    e.Account,
			CardID:     e.CardID,
			LastView:   e.LastView,
			LastUpdate: e.LastUpdate,
			LastNotify: e.LastNotify,
		})
		if err != nil {
			return relaychat.EventResult{}, err
		}
		e.ContextID = id
		return relaychat.EventResult{ID: id}, nil
	case *relaychat.RemoveNotificationContext:
		return relaychat.EventResult{}, m.removeContext(ctx, e)
	case *relaychat.UpdateNotificationContext:
		err := m.pctx.Client.DB.UpdateContext(ctx, e.ContextID, e.Account, e.Updates)
		if errors.Is(err, relaychat.ErrNotFound) {
			return relaychat.EventResult{}, errSkip
		}
		return relaychat.EventResult{}, err
	case *relaychat.AddCollaborators:
		added, err := m.pctx.Client.DB.AddCollaborators(ctx, e.CardID, e.CardType, e.Collaborators, e.Date)
		if err != nil {
			return relaychat.EventResult{}, err
		}
		if len(added) == 0 {
			return relaychat.EventResult{}, errSkip
		}
		e.Collaborators = added
		return relaychat.EventResult{}, nil
	case *relaychat.RemoveCollaborators:
		return relaychat.EventResult{}, m.removeCollaborators(ctx, e)

	case *relaychat.CreateLabel:
		return relaychat.EventResult{}, m.pctx.Client.DB.CreateLabel(ctx, relaychat.Label{
			LabelID:  e.LabelID,
			CardID:   e.CardID,
			CardType: e.CardType,
			Account:  e.Account,
			Created:  e.Date,
		})
	case *relaychat.RemoveLabel:
		return relaychat.EventResult{}, m.pctx.Client.DB.RemoveLabels(ctx, relaychat.FindLabelsParams{
			LabelID: e.LabelID,
			CardID:  e.CardID,
			Account: e.Account,
		})

	case *relaychat.CreatePeer:
		return relaychat.EventResult{}, m.pctx.Client.DB.CreatePeer(ctx, relaychat.Peer{
			WorkspaceID: e.WorkspaceID,
			CardID:      e.CardID,
			Kind:        e.Kind,
			Value:       e.Value,
			Extra:       e.Extra,
			Created:     e.Date,
		})
	case *relaychat.RemovePeer:
		return relaychat.EventResult{}, m.pctx.Client.DB.RemovePeer(ctx, e.WorkspaceID, e.CardID, e.Kind, e.Value)

	case *relaychat.UpdateCardType:
		// Collaborators, labels and threads follow through triggers.
		return relaychat.EventResult{}, nil
	case *relaychat.RemoveCard:
		return relaychat.EventResult{}, m.removeCard(ctx, e)
	}
	return relaychat.EventResult{}, relaychat.BadRequest("unsupported event %s", ev.Type())
}

func (m *StorageMiddleware) createMessage(ctx context.Context, e *relaychat.CreateMessage) (relaychat.EventResult, error) {
	if e.MessageID == "" {
		return relaychat.EventResult{}, relaychat.BadRequest("message id is required")
	}
	reservation, err := m.pctx.Client.Blob.ReserveGroup(ctx, e.CardID, e.Date)
	if err != nil {
		return relaychat.EventResult{}, fmt.Errorf("cannot create message %s: %w", e.MessageID, err)
	}
	defer reservation.Release()
	group := reservation.Group

	created, err := m.pctx.Client.DB.CreateMessageMeta(ctx, relaychat.MessageMeta{
		CardID:    e.CardID,
		MessageID: e.MessageID,
		BlobID:    group.BlobID,
		Creator:   e.SocialID,
		CreatedOn: e.Date,
	})
	if err != nil {
		return relaychat.EventResult{}, err
	}
	if !created {
		return relaychat.EventResult{}, errSkip
	}

	err = m.pctx.Client.Blob.InsertMessage(ctx, reservation, relaychat.Message{
		ID:       e.MessageID,
		CardID:   e.CardID,
		Type:     e.MessageType,
		Content:  e.Content,
		Extra:    e.Extra,
		Language: e.Language,
		Creator:  e.SocialID,
		Created:  e.Date,
	})
	if err != nil {
		if rmErr := m.pctx.Client.RemoveMessageMeta(ctx, e.CardID, e.MessageID); rmErr != nil {
			m.pctx.Logger.Warn("failed to drop message meta", zap.String("messageId", e.MessageID), zap.Error(rmErr))
		}
		return relaychat.EventResult{}, err
	}

	e.BlobID = group.BlobID
	date := e.Date
	return relaychat.EventResult{MessageID: e.MessageID, Created: &date, BlobID: group.BlobID}, nil
}

// meta returns errSkip for messages the metadata store does not know.
func (m *StorageMiddleware) meta(ctx context.Context, cardID, messageID string) (*relaychat.MessageMeta, error) {
	meta, err := m.pctx.Client.GetMessageMeta(ctx, cardID, messageID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errSkip
	}
	return meta, nil
}

func (m *StorageMiddleware) updateMessage(ctx context.Context, e *relaychat.UpdatePatch) error {
	meta, err := m.meta(ctx, e.CardID, e.MessageID)
	if err != nil {
		return err
	}
	return m.pctx.Client.Blob.UpdateMessage(ctx, e.CardID, meta.BlobID, e.MessageID, blob.MessageUpdate{
		Content:  e.Content,
		Extra:    e.Extra,
		Language: e.Language,
	}, e.Date)
}

func (m *StorageMiddleware) removeMessage(ctx context.Context, e *relaychat.RemovePatch) error {
	meta, err := m.meta(ctx, e.CardID, e.MessageID)
	if err != nil {
		return err
	}
	if err := m.pctx.Client.Blob.RemoveMessage(ctx, e.CardID, meta.BlobID, e.MessageID); err != nil {
		return err
	}
	return m.pctx.Client.RemoveMessageMeta(ctx, e.CardID, e.MessageID)
}

func (m *StorageMiddleware) reaction(ctx context.Context, e *relaychat.ReactionPatch) error {
	person := e.EventExtra.PersonUUID
	if person == "" {
		return errSkip
	}
	meta, err := m.meta(ctx, e.CardID, e.MessageID)
	if err != nil {
		return err
	}
	switch e.Operation.Opcode {
	case relaychat.OpAdd:
		return m.pctx.Client.Blob.AddReaction(ctx, e.CardID, meta.BlobID, e.MessageID, e.Operation.Reaction, person, e.Date)
	case relaychat.OpRemove:
		message, err := m.pctx.Client.Blob.GetMessage(ctx, e.CardID, meta.BlobID, e.MessageID)
		if err != nil {
			return err
		}
		if message == nil {
			return errSkip
		}
		if _, ok := message.Reactions[e.Operation.Reaction][person]; !ok {
			return errSkip
		}
		return m.pctx.Client.Blob.RemoveReaction(ctx, e.CardID, meta.BlobID, e.MessageID, e.Operation.Reaction, person)
	}
	return relaychat.BadRequest("unknown reaction opcode %q", e.Operation.Opcode)
}

func (m *StorageMiddleware) attachments(ctx context.Context, cardID, messageID, socialID string, date time.Time, ops []relaychat.AttachmentOperation) error {
	meta, err := m.meta(ctx, cardID, messageID)
	if err != nil {
		return err
	}
	store := m.pctx.Client.Blob
	for _, op := range ops {
		switch op.Opcode {
		case relaychat.OpAdd:
			err = store.AddAttachments(ctx, cardID, meta.BlobID, messageID, toAttachments(op.Attachments, socialID, date))
		case relaychat.OpRemove:
			err = store.RemoveAttachments(ctx, cardID, meta.BlobID, messageID, op.IDs)
		case relaychat.OpSet:
			err = store.SetAttachments(ctx, cardID, meta.BlobID, messageID, toAttachments(op.Attachments, socialID, date))
		case relaychat.OpUpdate:
			err = store.UpdateAttachments(ctx, cardID, meta.BlobID, messageID, op.Updates, date)
		default:
			err = relaychat.BadRequest("unknown attachment opcode %q", op.Opcode)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func toAttachments(data []relaychat.AttachmentData, creator string, date time.Time) []relaychat.Attachment {
	out := make([]relaychat.Attachment, 0, len(data))
	for _, d := range data {
		out = append(out, relaychat.Attachment{
			ID:       d.ID,
			MimeType: d.MimeType,
			Params:   d.Params,
			Creator:  creator,
			Created:  date,
		})
	}
	return out
}

// BlobOperationsToAttachments maps the deprecated blob operations onto
// attachment operations keyed by blob id.
func BlobOperationsToAttachments(ops []relaychat.BlobOperation) []relaychat.AttachmentOperation {
	var out []relaychat.AttachmentOperation
	for _, op := range ops {
		switch op.Opcode {
		case relaychat.OpAttach, relaychat.OpSet:
			if len(op.Blobs) == 0 && op.Opcode == relaychat.OpAttach {
				continue
			}
			data := make([]relaychat.AttachmentData, 0, len(op.Blobs))
			for _, b := range op.Blobs {
				params := map[string]any{"blobId": b.BlobID, "fileName": b.FileName, "size": b.Size}
				if b.Metadata != nil {
					params["metadata"] = b.Metadata
				}
				data = append(data, relaychat.AttachmentData{ID: b.BlobID, MimeType: b.MimeType, Params: params})
			}
			opcode := relaychat.OpAdd
			if op.Opcode == relaychat.OpSet {
				opcode = relaychat.OpSet
			}
			out = append(out, relaychat.AttachmentOperation{Opcode: opcode, Attachments: data})
		case relaychat.OpDetach:
			if len(op.BlobIDs) > 0 {
				out = append(out, relaychat.AttachmentOperation{Opcode: relaychat.OpRemove, IDs: op.BlobIDs})
			}
		case relaychat.OpUpdate:
			updates := make([]relaychat.AttachmentUpdate, 0, len(op.Updates))
			for _, u := range op.Updates {
				params := map[string]any{}
				if u.FileName != "" {
					params["fileName"] = u.FileName
				}
				if u.Metadata != nil {
					params["metadata"] = u.Metadata
				}
				if len(params) > 0 {
					updates = append(updates, relaychat.AttachmentUpdate{ID: u.BlobID, Params: params})
				}
			}
			if len(updates) > 0 {
				out = append(out, relaychat.AttachmentOperation{Opcode: relaychat.OpUpdate, Updates: updates})
			}
		}
	}
	return out
}

func (m *StorageMiddleware) thread(ctx context.Context, e *relaychat.ThreadPatch) error {
	person := e.EventExtra.PersonUUID
	if person == "" {
		return errSkip
	}
	meta, err := m.meta(ctx, e.CardID, e.MessageID)
	if err != nil {
		return err
	}
	op := e.Operation
	store, db := m.pctx.Client.Blob, m.pctx.Client.DB
	switch op.Opcode {
	case relaychat.OpAttach:
		if err := db.AttachThreadMeta(ctx, relaychat.ThreadMeta{
			CardID:     e.CardID,
			MessageID:  e.MessageID,
			ThreadID:   op.ThreadID,
			ThreadType: op.ThreadType,
			Created:    e.Date,
		}); err != nil {
			return err
		}
		return store.AttachThread(ctx, e.CardID, meta.BlobID, e.MessageID, relaychat.Thread{
			ThreadID:   op.ThreadID,
			ThreadType: op.ThreadType,
		})
	case relaychat.OpUpdate:
		if err := store.UpdateThread(ctx, e.CardID, meta.BlobID, e.MessageID, op.ThreadID, op.ThreadType); err != nil {
			return err
		}
		return db.UpdateThreadMeta(ctx, op.ThreadID, relaychat.ThreadUpdates{ThreadType: op.ThreadType})
	case relaychat.OpAddReply:
		return store.AddThreadReply(ctx, e.CardID, meta.BlobID, e.MessageID, op.ThreadID, person, e.Date)
	case relaychat.OpRemoveReply:
		return store.RemoveThreadReply(ctx, e.CardID, meta.BlobID, e.MessageID, op.ThreadID, person)
	}
	return relaychat.BadRequest("unknown thread opcode %q", op.Opcode)
}

func (m *StorageMiddleware) removeMessagesGroup(ctx context.Context, e *relaychat.RemoveMessagesGroup) error {
	metas, err := m.pctx.Client.DB.FindMessagesMeta(ctx, relaychat.FindMessagesMetaParams{CardID: e.CardID, BlobID: e.BlobID})
	if err != nil {
		return err
	}
	if err := m.pctx.Client.Blob.RemoveGroup(ctx, e.CardID, e.BlobID); err != nil {
		return err
	}
	for _, meta := range metas {
		if err := m.pctx.Client.RemoveMessageMeta(ctx, meta.CardID, meta.MessageID); err != nil {
			return err
		}
	}
	return nil
}

func (m *StorageMiddleware) createNotification(ctx context.Context, e *relaychat.CreateNotification) (relaychat.EventResult, error) {
	id, err := m.pctx.Client.DB.CreateNotification(ctx, relaychat.Notification{
		ID:        e.NotificationID,
		ContextID: e.ContextID,
		Account:   e.Account,
		CardID:    e.CardID,
		MessageID: e.MessageID,
		BlobID:    e.BlobID,
		Type:      e.NotificationType,
		Content:   e.Content,
		Creator:   e.Creator,
		Created:   e.Date,
		Read:      e.Read,
	})
	if err != nil {
		return relaychat.EventResult{}, err
	}
	e.NotificationID = id
	return relaychat.EventResult{ID: id}, nil
}

func (m *StorageMiddleware) removeContext(ctx context.Context, e *relaychat.RemoveNotificationContext) error {
	if e.CardID == "" {
		found, err := m.pctx.Client.DB.FindNotificationContexts(ctx, relaychat.FindNotificationContextParams{
			FindParams: relaychat.FindParams{Limit: 1},
			ID:         e.ContextID,
			Account:    []string{e.Account},
		})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return errSkip
		}
		e.CardID = found[0].CardID
	}
	removed, err := m.pctx.Client.DB.RemoveContext(ctx, e.ContextID, e.Account)
	if err != nil {
		return err
	}
	if removed == "" {
		return errSkip
	}
	return nil
}

func (m *StorageMiddleware) removeCollaborators(ctx context.Context, e *relaychat.RemoveCollaborators) error {
	if len(e.Collaborators) == 0 {
		return errSkip
	}
	existing, err := m.pctx.Client.DB.FindCollaborators(ctx, relaychat.FindCollaboratorsParams{CardID: e.CardID, Account: e.Collaborators})
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return errSkip
	}
	accounts := make([]string, 0, len(existing))
	for _, c := range existing {
		accounts = append(accounts, c.Account)
	}
	if err := m.pctx.Client.DB.RemoveCollaborators(ctx, e.CardID, accounts); err != nil {
		return err
	}
	e.Collaborators = accounts
	return nil
}

func (m *StorageMiddleware) removeCard(ctx context.Context, e *relaychat.RemoveCard) error {
	m.pctx.Client.ForgetCard(e.CardID)
	if err := m.pctx.Client.Blob.RemoveCardGroups(ctx, e.CardID); err != nil {
		return err
	}
	return m.pctx.Client.DB.RemoveCardMessagesMeta(ctx, e.CardID)
}

func (m *StorageMiddleware) FindMessages(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesParams, queryID string) ([]relaychat.Message, error) {
	if params.ID == "" {
		return m.pctx.Client.Blob.FindMessages(ctx, params)
	}
	meta, err := m.pctx.Client.GetMessageMeta(ctx, params.CardID, params.ID)
	if err != nil || meta == nil {
		return nil, err
	}
	message, err := m.pctx.Client.Blob.GetMessage(ctx, params.CardID, meta.BlobID, params.ID)
	if err != nil || message == nil {
		return nil, err
	}
	if !params.Created.Match(message.Created) {
		return nil, nil
	}
	return []relaychat.Message{*message}, nil
}

func (m *StorageMiddleware) FindMessagesGroups(ctx context.Context, session *relaychat.Session, params relaychat.FindMessagesGroupsParams, queryID string) ([]relaychat.MessagesGroup, error) {
	if params.MessageID != "" {
		meta, err := m.pctx.Client.GetMessageMeta(ctx, params.CardID, params.MessageID)
		if err != nil || meta == nil {
			return nil, err
		}
		params.BlobID = meta.BlobID
	}
	return m.pctx.Client.Blob.FindMessagesGroups(ctx, params)
}

func (m *StorageMiddleware) FindNotificationContexts(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationContextParams, queryID string) ([]relaychat.NotificationContext, error) {
	return m.pctx.Client.DB.FindNotificationContexts(ctx, params)
}

func (m *StorageMiddleware) FindNotifications(ctx context.Context, session *relaychat.Session, params relaychat.FindNotificationsParams, queryID string) ([]relaychat.Notification, error) {
	return m.pctx.Client.DB.FindNotifications(ctx, params)
}

func (m *StorageMiddleware) FindLabels(ctx context.Context, session *relaychat.Session, params relaychat.FindLabelsParams, queryID string) ([]relaychat.Label, error) {
	return m.pctx.Client.DB.FindLabels(ctx, params)
}

func (m *StorageMiddleware) FindCollaborators(ctx context.Context, session *relaychat.Session, params relaychat.FindCollaboratorsParams, queryID string) ([]relaychat.Collaborator, error) {
	return m.pctx.Client.DB.FindCollaborators(ctx, params)
}

func (m *StorageMiddleware) FindPeers(ctx context.Context, session *relaychat.Session, params relaychat.FindPeersParams, queryID string) ([]relaychat.Peer, error) {
	return m.pctx.Client.DB.FindPeers(ctx, params)
}

func (m *StorageMiddleware) FindThreads(ctx context.Context, session *relaychat.Session, params relaychat.FindThreadsParams, queryID string) ([]relaychat.ThreadMeta, error) {
	return m.pctx.Client.DB.FindThreadMeta(ctx, params)
}

func (m *StorageMiddleware) Close() error {
	err := m.Base.Close()
	if cerr := m.pctx.Client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
