package triggers

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentworkforce/relaychat/internal/eventqueue"
)

// Indexer tells the search indexer which cards have new content.
type Indexer interface {
	Register(ctx context.Context, cardID string) error
	// Forget makes the next Register for the card publish again.
	Forget(cardID string)
}

type CardIndexerOptions struct {
	Size int
	TTL  time.Duration
}

// CardIndexer publishes a card once and remembers it until the card gets a
// new messages group or the entry expires.
type CardIndexer struct {
	queue      eventqueue.Queue
	workspace  string
	registered *expirable.LRU[string, struct{}]
}

func NewCardIndexer(queue eventqueue.Queue, workspace string, opts CardIndexerOptions) *CardIndexer {
	if opts.Size <= 0 {
		opts.Size = 10000
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &CardIndexer{
		queue:      queue,
		workspace:  workspace,
		registered: expirable.NewLRU[string, struct{}](opts.Size, nil, opts.TTL),
	}
}

func (i *CardIndexer) Register(ctx context.Context, cardID string) error {
	if cardID == "" || i.registered.Contains(cardID) {
		return nil
	}
	if err := i.queue.Publish(ctx, eventqueue.CardRecord(i.workspace, cardID)); err != nil {
		return err
	}
	i.registered.Add(cardID, struct{}{})
	return nil
}

func (i *CardIndexer) Forget(cardID string) {
	i.registered.Remove(cardID)
}
