package blob

import (
	"context"
	"errors"
	"sort"

	"github.com/agentworkforce/relaychat/internal/docstore"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func (s *Store) loadBucket(ctx context.Context, cardID, blobID string) (*relaychat.GroupDocument, error) {
	var doc relaychat.GroupDocument
	err := s.retry(ctx, func() error { return s.docs.GetJSON(ctx, bucketPath(cardID, blobID), &doc) })
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetMessage returns nil when the bucket or the message does not exist.
func (s *Store) GetMessage(ctx context.Context, cardID, blobID, messageID string) (*relaychat.Message, error) {
	doc, err := s.loadBucket(ctx, cardID, blobID)
	if err != nil || doc == nil {
		return nil, err
	}
	message, ok := doc.Messages[messageID]
	if !ok {
		return nil, nil
	}
	normalizeMessage(&message, cardID, messageID)
	return &message, nil
}

func normalizeMessage(message *relaychat.Message, cardID, messageID string) {
	if message.ID == "" {
		message.ID = messageID
	}
	if message.CardID == "" {
		message.CardID = cardID
	}
}

// FindMessages reads buckets in date order until the limit is reached.
// Lookups by id go through message meta in the client instead.
func (s *Store) FindMessages(ctx context.Context, params relaychat.FindMessagesParams) ([]relaychat.Message, error) {
	groups, err := s.Groups(ctx, params.CardID)
	if err != nil {
		return nil, err
	}
	if params.Order == relaychat.Descending {
		sort.SliceStable(groups, func(i, j int) bool { return groups[i].FromDate.After(groups[j].FromDate) })
	}

	var out []relaychat.Message
	for _, group := range groups {
		if !groupMayMatch(group, params.Created) {
			continue
		}
		doc, err := s.loadBucket(ctx, params.CardID, group.BlobID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		batch := make([]relaychat.Message, 0, len(doc.Messages))
		for id, message := range doc.Messages {
			normalizeMessage(&message, params.CardID, id)
			if params.ID != "" && message.ID != params.ID {
				continue
			}
			if !params.Created.Match(message.Created) {
				continue
			}
			batch = append(batch, message)
		}
		sort.Slice(batch, func(i, j int) bool {
			if batch[i].Created.Equal(batch[j].Created) {
				return batch[i].ID < batch[j].ID
			}
			return batch[i].Created.Before(batch[j].Created)
		})
		if params.Order == relaychat.Descending {
			for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
				batch[i], batch[j] = batch[j], batch[i]
			}
		}
		out = append(out, batch...)
		if params.Limit > 0 && len(out) >= params.Limit {
			return out[:params.Limit], nil
		}
	}
	return out, nil
}

// groupMayMatch skips buckets whose whole range lies outside the filter.
func groupMayMatch(group relaychat.MessagesGroup, filter *relaychat.DateFilter) bool {
	if filter == nil {
		return true
	}
	switch {
	case filter.Equal != nil && !group.Contains(*filter.Equal):
		return false
	case filter.Greater != nil && !group.ToDate.After(*filter.Greater):
		return false
	case filter.GreaterOrEqual != nil && group.ToDate.Before(*filter.GreaterOrEqual):
		return false
	case filter.Less != nil && !group.FromDate.Before(*filter.Less):
		return false
	case filter.LessOrEqual != nil && group.FromDate.After(*filter.LessOrEqual):
		return false
	}
	return true
}

// FindMessagesGroups filters the cached group list. orderBy selects the
// sort key ("fromDate" by default, or "toDate").
func (s *Store) FindMessagesGroups(ctx context.Context, params relaychat.FindMessagesGroupsParams) ([]relaychat.MessagesGroup, error) {
	groups, err := s.Groups(ctx, params.CardID)
	if err != nil {
		return nil, err
	}
	key := func(g relaychat.MessagesGroup) int64 { return g.FromDate.UnixNano() }
	if params.OrderBy == "toDate" {
		key = func(g relaychat.MessagesGroup) int64 { return g.ToDate.UnixNano() }
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if params.Order == relaychat.Descending {
			return key(groups[i]) > key(groups[j])
		}
		return key(groups[i]) < key(groups[j])
	})

	out := make([]relaychat.MessagesGroup, 0, len(groups))
	for _, g := range groups {
		if params.BlobID != "" && g.BlobID != params.BlobID {
			continue
		}
		if !params.FromDate.Match(g.FromDate) || !params.ToDate.Match(g.ToDate) {
			continue
		}
		out = append(out, g)
		if params.Limit > 0 && len(out) >= params.Limit {
			break
		}
	}
	return out, nil
}
