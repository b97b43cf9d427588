package blob

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/docstore"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type MessageUpdate struct {
	Content  *string
	Extra    map[string]any
	Language *string
}

func (s *Store) patchBucket(ctx context.Context, cardID, blobID string, ops []docstore.PatchOp) error {
	return s.patch(ctx, bucketPath(cardID, blobID), ops)
}

func messagePath(messageID string, tokens ...string) string {
	return docstore.Pointer(append([]string{"messages", messageID}, tokens...)...)
}

// InsertMessage writes the message into the reserved bucket and consumes
// the reservation. Bucket and index bounds are written from the cached
// group while holding the bucket lock, so a writer holding an older
// snapshot never narrows them.
func (s *Store) InsertMessage(ctx context.Context, reservation *Reservation, message relaychat.Message) error {
	if message.Extra == nil {
		message.Extra = map[string]any{}
	}
	message.Reactions = map[string]map[string]relaychat.Reaction{}
	message.Attachments = map[string]relaychat.Attachment{}
	message.Threads = map[string]relaychat.Thread{}

	group := reservation.Group
	lock := s.bucketLock(group.BlobID)
	lock.Lock()
	defer lock.Unlock()

	bounds := s.widenCached(group, message.Created)
	if err := s.patchBucket(ctx, group.CardID, group.BlobID, []docstore.PatchOp{
		docstore.SafeAdd(messagePath(message.ID), message),
		docstore.Replace("/fromDate", bounds.FromDate),
		docstore.Replace("/toDate", bounds.ToDate),
	}); err != nil {
		return err
	}
	reservation.consumed = true

	if err := s.patch(ctx, groupsPath(group.CardID), []docstore.PatchOp{
		docstore.Inc(docstore.Pointer(group.BlobID, "count"), 1),
		docstore.Replace(docstore.Pointer(group.BlobID, "fromDate"), bounds.FromDate),
		docstore.Replace(docstore.Pointer(group.BlobID, "toDate"), bounds.ToDate),
	}); err != nil {
		s.logger.Warn("failed to update groups index", zap.String("cardId", group.CardID), zap.String("blobId", group.BlobID), zap.Error(err))
	}
	return nil
}

// UpdateMessage replaces the given fields. modified moves only when content
// or extra change.
func (s *Store) UpdateMessage(ctx context.Context, cardID, blobID, messageID string, update MessageUpdate, date time.Time) error {
	var ops []docstore.PatchOp
	if update.Content != nil {
		ops = append(ops, docstore.Replace(messagePath(messageID, "content"), *update.Content))
	}
	if update.Extra != nil {
		ops = append(ops, docstore.Replace(messagePath(messageID, "extra"), update.Extra))
	}
	if update.Language != nil {
		ops = append(ops, docstore.Replace(messagePath(messageID, "language"), *update.Language))
	}
	if len(ops) == 0 {
		return nil
	}
	if update.Content != nil || update.Extra != nil {
		ops = append(ops, docstore.Add(messagePath(messageID, "modified"), date))
	}
	return s.patchBucket(ctx, cardID, blobID, ops)
}

func (s *Store) RemoveMessage(ctx context.Context, cardID, blobID, messageID string) error {
	if err := s.patchBucket(ctx, cardID, blobID, []docstore.PatchOp{docstore.SafeRemove(messagePath(messageID))}); err != nil {
		return err
	}
	if err := s.adjustGroup(ctx, cardID, blobID, -1); err != nil {
		s.logger.Warn("failed to update groups index", zap.String("cardId", cardID), zap.String("blobId", blobID), zap.Error(err))
	}
	return nil
}

func (s *Store) AddReaction(ctx context.Context, cardID, blobID, messageID, emoji, person string, date time.Time) error {
	return s.patchBucket(ctx, cardID, blobID, []docstore.PatchOp{
		docstore.SafeAdd(messagePath(messageID, "reactions", emoji), map[string]any{}),
		docstore.SafeAdd(messagePath(messageID, "reactions", emoji, person), relaychat.Reaction{Count: 1, Date: date}),
	})
}

func (s *Store) RemoveReaction(ctx context.Context, cardID, blobID, messageID, emoji, person string) error {
	return s.patchBucket(ctx, cardID, blobID, []docstore.PatchOp{
		docstore.SafeRemove(messagePath(messageID, "reactions", emoji, person)),
	})
}

func attachmentOps(messageID string, attachments []relaychat.Attachment) []docstore.PatchOp {
	ops := make([]docstore.PatchOp, 0, len(attachments))
	for _, attachment := range attachments {
		if attachment.Params == nil {
			attachment.Params = map[string]any{}
		}
		ops = append(ops, docstore.Add(messagePath(messageID, "attachments", attachment.ID), attachment))
	}
	return ops
}

func (s *Store) AddAttachments(ctx context.Context, cardID, blobID, messageID string, attachments []relaychat.Attachment) error {
	ops := []docstore.PatchOp{docstore.SafeAdd(messagePath(messageID, "attachments"), map[string]any{})}
	return s.patchBucket(ctx, cardID, blobID, append(ops, attachmentOps(messageID, attachments)...))
}

func (s *Store) RemoveAttachments(ctx context.Context, cardID, blobID, messageID string, ids []string) error {
	ops := make([]docstore.PatchOp, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, docstore.SafeRemove(messagePath(messageID, "attachments", id)))
	}
	return s.patchBucket(ctx, cardID, blobID, ops)
}

// SetAttachments replaces the whole attachment map of a message.
func (s *Store) SetAttachments(ctx context.Context, cardID, blobID, messageID string, attachments []relaychat.Attachment) error {
	ops := []docstore.PatchOp{docstore.Replace(messagePath(messageID, "attachments"), map[string]any{})}
	return s.patchBucket(ctx, cardID, blobID, append(ops, attachmentOps(messageID, attachments)...))
}

func (s *Store) UpdateAttachments(ctx context.Context, cardID, blobID, messageID string, updates []relaychat.AttachmentUpdate, date time.Time) error {
	var ops []docstore.PatchOp
	for _, update := range updates {
		if len(update.Params) == 0 {
			continue
		}
		for key, value := range update.Params {
			ops = append(ops, docstore.Add(messagePath(messageID, "attachments", update.ID, "params", key), value))
		}
		ops = append(ops, docstore.Add(messagePath(messageID, "attachments", update.ID, "modified"), date))
	}
	return s.patchBucket(ctx, cardID, blobID, ops)
}

func (s *Store) AttachThread(ctx context.Context, cardID, blobID, messageID string, thread relaychat.Thread) error {
	if thread.RepliedPersons == nil {
		thread.RepliedPersons = map[string]int{}
	}
	return s.patchBucket(ctx, cardID, blobID, []docstore.PatchOp{
		docstore.SafeAdd(messagePath(messageID, "threads"), map[string]any{}),
		docstore.Add(messagePath(messageID, "threads", thread.ThreadID), thread),
	})
}

func (s *Store) UpdateThread(ctx context.Context, cardID, blobID, messageID, threadID, threadType string) error {
	return s.patchBucket(ctx, cardID, blobID, []docstore.PatchOp{
		docstore.Add(messagePath(messageID, "threads", threadID, "threadType"), threadType),
	})
}

func (s *Store) AddThreadReply(ctx context.Context, cardID, blobID, messageID, threadID, person string, date time.Time) error {
	return s.patchBucket(ctx, cardID, blobID, []docstore.PatchOp{
		docstore.Inc(messagePath(messageID, "threads", threadID, "repliesCount"), 1),
		docstore.Add(messagePath(messageID, "threads", threadID, "lastReply"), date),
		docstore.Inc(messagePath(messageID, "threads", threadID, "repliedPersons", person), 1),
	})
}

func (s *Store) RemoveThreadReply(ctx context.Context, cardID, blobID, messageID, threadID, person string) error {
	return s.patchBucket(ctx, cardID, blobID, []docstore.PatchOp{
		docstore.Inc(messagePath(messageID, "threads", threadID, "repliesCount"), -1),
		docstore.Inc(messagePath(messageID, "threads", threadID, "repliedPersons", person), -1),
	})
}

func (s *Store) RemoveThread(ctx context.Context, cardID, blobID, messageID, threadID string) error {
	return s.patchBucket(ctx, cardID, blobID, []docstore.PatchOp{
		docstore.SafeRemove(messagePath(messageID, "threads", threadID)),
	})
}
