// Package client is the low level client every pipeline stage shares: the
// grouped message store, the metadata adapter and identity lookups behind
// bounded TTL caches.
package client

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentworkforce/relaychat/internal/accounts"
	"github.com/agentworkforce/relaychat/internal/blob"
	"github.com/agentworkforce/relaychat/internal/metadata"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const (
	DefaultCacheSize = 10000
	DefaultCacheTTL  = 10 * time.Minute
)

type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

type personKey struct {
	socialID       string
	requireAccount bool
}

type Client struct {
	Blob     *blob.Store
	DB       metadata.Adapter
	Accounts accounts.Resolver

	meta    *expirable.LRU[string, relaychat.MessageMeta]
	persons *expirable.LRU[personKey, string]
	names   *expirable.LRU[string, string]
}

func New(store *blob.Store, db metadata.Adapter, resolver accounts.Resolver, opts Options) *Client {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Client{
		Blob:     store,
		DB:       db,
		Accounts: resolver,
		meta:     expirable.NewLRU[string, relaychat.MessageMeta](size, nil, ttl),
		persons:  expirable.NewLRU[personKey, string](size, nil, ttl),
		names:    expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func metaKey(cardID, messageID string) string {
	return cardID + "\x00" + messageID
}

// GetMessageMeta returns nil when the message is unknown.
func (c *Client) GetMessageMeta(ctx context.Context, cardID, messageID string) (*relaychat.MessageMeta, error) {
	key := metaKey(cardID, messageID)
	if meta, ok := c.meta.Get(key); ok {
		return &meta, nil
	}
	found, err := c.DB.FindMessagesMeta(ctx, relaychat.FindMessagesMetaParams{CardID: cardID, MessageID: messageID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	c.meta.Add(key, found[0])
	return &found[0], nil
}

func (c *Client) RemoveMessageMeta(ctx context.Context, cardID, messageID string) error {
	c.meta.Remove(metaKey(cardID, messageID))
	return c.DB.RemoveMessageMeta(ctx, cardID, messageID)
}

// ForgetCard drops cached message meta of a removed card.
func (c *Client) ForgetCard(cardID string) {
	prefix := cardID + "\x00"
	for _, key := range c.meta.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.meta.Remove(key)
		}
	}
}

// FindPersonUUID returns "" when the social id is unknown. Only hits are
// cached so a person registered later is found on the next call.
func (c *Client) FindPersonUUID(ctx context.Context, socialID string, requireAccount bool) (string, error) {
	if socialID == "" || c.Accounts == nil {
		return "", nil
	}
	key := personKey{socialID: socialID, requireAccount: requireAccount}
	if uuid, ok := c.persons.Get(key); ok {
		return uuid, nil
	}
	uuid, err := c.Accounts.FindPersonUUID(ctx, socialID, requireAccount)
	if err != nil || uuid == "" {
		return "", err
	}
	c.persons.Add(key, uuid)
	return uuid, nil
}

// FindAccount returns the account owning socialID, or "".
func (c *Client) FindAccount(ctx context.Context, socialID string) (string, error) {
	return c.FindPersonUUID(ctx, socialID, true)
}

func (c *Client) FindName(ctx context.Context, socialID string) (string, error) {
	if socialID == "" || c.Accounts == nil {
		return "", nil
	}
	if name, ok := c.names.Get(socialID); ok {
		return name, nil
	}
	name, err := c.Accounts.FindName(ctx, socialID)
	if err != nil || name == "" {
		return "", err
	}
	c.names.Add(socialID, name)
	return name, nil
}

func (c *Client) Close() error {
	c.meta.Purge()
	c.persons.Purge()
	c.names.Purge()
	return c.DB.Close()
}
