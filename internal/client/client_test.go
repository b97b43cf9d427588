package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaychat/internal/accounts"
	"github.com/agentworkforce/relaychat/internal/blob"
	"github.com/agentworkforce/relaychat/internal/docstore"
	"github.com/agentworkforce/relaychat/internal/metadata"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type countingResolver struct {
	accounts.Resolver
	lookups int
}

func (r *countingResolver) FindPersonUUID(ctx context.Context, socialID string, requireAccount bool) (string, error) {
	r.lookups++
	return r.Resolver.FindPersonUUID(ctx, socialID, requireAccount)
}

func newTestClient(t *testing.T) (*Client, *metadata.MemoryAdapter, *countingResolver) {
	t.Helper()
	db := metadata.NewMemoryAdapter()
	static := accounts.NewStaticResolver(false)
	static.Add("s1", accounts.Person{UUID: "p1", Name: "Ann", HasAccount: true})
	resolver := &countingResolver{Resolver: static}
	store := blob.NewStore(docstore.NewMemoryClient(), blob.Options{RetryDelay: -1})
	return New(store, db, resolver, Options{CacheSize: 16, CacheTTL: time.Minute}), db, resolver
}

func TestGetMessageMetaIsCachedAndInvalidated(t *testing.T) {
	c, db, _ := newTestClient(t)
	ctx := context.Background()

	meta, err := c.GetMessageMeta(ctx, "card", "m1")
	require.NoError(t, err)
	assert.Nil(t, meta)

	_, err = db.CreateMessageMeta(ctx, relaychat.MessageMeta{CardID: "card", MessageID: "m1", BlobID: "b1", Creator: "s1", CreatedOn: time.Now()})
	require.NoError(t, err)

	meta, err = c.GetMessageMeta(ctx, "card", "m1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "b1", meta.BlobID)

	require.NoError(t, db.RemoveMessageMeta(ctx, "card", "m1"))
	meta, err = c.GetMessageMeta(ctx, "card", "m1")
	require.NoError(t, err)
	require.NotNil(t, meta, "cached meta survives a direct adapter delete")

	require.NoError(t, c.RemoveMessageMeta(ctx, "card", "m1"))
	meta, err = c.GetMessageMeta(ctx, "card", "m1")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestForgetCard(t *testing.T) {
	c, db, _ := newTestClient(t)
	ctx := context.Background()
	for _, id := range []string{"m1", "m2"} {
		_, err := db.CreateMessageMeta(ctx, relaychat.MessageMeta{CardID: "card", MessageID: id, BlobID: "b1"})
		require.NoError(t, err)
		_, err = c.GetMessageMeta(ctx, "card", id)
		require.NoError(t, err)
	}
	require.NoError(t, db.RemoveCardMessagesMeta(ctx, "card"))
	c.ForgetCard("card")

	meta, err := c.GetMessageMeta(ctx, "card", "m2")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestPersonLookupsCacheHitsOnly(t *testing.T) {
	c, _, resolver := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		account, err := c.FindAccount(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "p1", account)
	}
	assert.Equal(t, 1, resolver.lookups)

	for i := 0; i < 2; i++ {
		account, err := c.FindAccount(ctx, "ghost")
		require.NoError(t, err)
		assert.Empty(t, account)
	}
	assert.Equal(t, 3, resolver.lookups)

	name, err := c.FindName(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", name)
}
