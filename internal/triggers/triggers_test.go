package triggers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentworkforce/relaychat/internal/accounts"
	"github.com/agentworkforce/relaychat/internal/blob"
	"github.com/agentworkforce/relaychat/internal/client"
	"github.com/agentworkforce/relaychat/internal/docstore"
	"github.com/agentworkforce/relaychat/internal/eventqueue"
	"github.com/agentworkforce/relaychat/internal/metadata"
	"github.com/agentworkforce/relaychat/internal/metrics"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

type fixture struct {
	db       *metadata.MemoryAdapter
	store    *blob.Store
	resolver *accounts.StaticResolver
	client   *client.Client
	tc       *Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:       metadata.NewMemoryAdapter(),
		store:    blob.NewStore(docstore.NewMemoryClient(), blob.Options{RetryDelay: -1}),
		resolver: accounts.NewStaticResolver(false),
	}
	f.resolver.Add("s-alice", accounts.Person{UUID: "alice", Name: "Alice", HasAccount: true})
	f.resolver.Add("s-bob", accounts.Person{UUID: "bob", Name: "Bob", HasAccount: true})
	f.client = client.New(f.store, f.db, f.resolver, client.Options{})
	f.tc = &Context{Client: f.client, Logger: zap.NewNop(), Workspace: "ws-1"}
	return f
}

func (f *fixture) insertMessage(t *testing.T, cardID, messageID, socialID string, created time.Time) relaychat.MessagesGroup {
	t.Helper()
	ctx := context.Background()
	reservation, err := f.store.ReserveGroup(ctx, cardID, created)
	require.NoError(t, err)
	require.NoError(t, f.store.InsertMessage(ctx, reservation, relaychat.Message{
		ID: messageID, CardID: cardID, Type: relaychat.MessageTypeMessage, Content: "root", Creator: socialID, Created: created,
	}))
	_, err = f.db.CreateMessageMeta(ctx, relaychat.MessageMeta{CardID: cardID, MessageID: messageID, BlobID: reservation.Group.BlobID, Creator: socialID, CreatedOn: created})
	require.NoError(t, err)
	return reservation.Group
}

func TestEngineIsolatesFailingTriggers(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	pipeline := metrics.New()
	engine := NewEngine(Options{
		Logger:  zap.New(core),
		Metrics: pipeline,
		Triggers: []Trigger{
			{Name: "broken", Type: relaychat.EventRemoveCard, Handler: func(context.Context, *Context, relaychat.Event) ([]relaychat.Event, error) {
				return nil, errors.New("boom")
			}},
			{Name: "label", Type: relaychat.EventRemoveCard, Handler: func(_ context.Context, _ *Context, ev relaychat.Event) ([]relaychat.Event, error) {
				return []relaychat.Event{&relaychat.RemoveLabel{CardID: relaychat.CardOf(ev)}}, nil
			}},
			{Name: "other", Type: relaychat.EventCreateMessage, Handler: func(context.Context, *Context, relaychat.Event) ([]relaychat.Event, error) {
				t.Fatal("trigger for another type ran")
				return nil, nil
			}},
		},
	})

	out := engine.Process(context.Background(), relaychat.NewSession("s1", relaychat.Account{UUID: "alice"}), nil, &relaychat.RemoveCard{CardID: "card-1"})
	require.Len(t, out, 1)
	assert.Equal(t, "card-1", out[0].(*relaychat.RemoveLabel).CardID)

	require.Equal(t, 1, logs.FilterMessage("trigger failed").Len())
	assert.Equal(t, "broken", logs.All()[0].ContextMap()["trigger"])
	assert.Equal(t, 1.0, testutil.ToFloat64(pipeline.TriggerErrors.WithLabelValues("broken")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pipeline.Triggers.WithLabelValues("label")))
}

func TestMentions(t *testing.T) {
	markdown := "ping [@Ann](ref://?_class=contact:class:Person&_id=ann-1&label=Ann) and " +
		"[@Bo](ref://?_id=bo-2) again [@Ann](ref://?_class=x&_id=ann-1)"
	assert.Equal(t, []string{"ann-1", "bo-2"}, Mentions(markdown))
	assert.Empty(t, Mentions("no refs [here](https://example.com?_id=nope)"))
}

func TestAddMessageCollaborators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.AddCardSpaceMembers(ctx, "card-1", []string{"alice", "bob", "carol"}))
	_, err := f.db.AddCollaborators(ctx, "card-1", "chat", []string{"carol"}, at(0))
	require.NoError(t, err)

	msg := &relaychat.CreateMessage{
		Base:        relaychat.Base{Date: at(5)},
		CardID:      "card-1",
		CardType:    "chat",
		MessageID:   "m1",
		MessageType: relaychat.MessageTypeMessage,
		Content:     "[@Bob](ref://?_id=bob) [@Carol](ref://?_id=carol) [@Eve](ref://?_id=eve)",
		SocialID:    "s-alice",
	}
	out, err := addMessageCollaborators(ctx, f.tc, msg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	add := out[0].(*relaychat.AddCollaborators)
	assert.Equal(t, []string{"alice", "bob"}, add.Collaborators)
	assert.Equal(t, at(5), add.Date)

	_, err = f.db.AddCollaborators(ctx, "card-1", "chat", add.Collaborators, at(5))
	require.NoError(t, err)
	out, err = addMessageCollaborators(ctx, f.tc, msg)
	require.NoError(t, err)
	assert.Empty(t, out)
}

type unreachableResolver struct{}

func (unreachableResolver) FindPersonUUID(context.Context, string, bool) (string, error) {
	return "", errors.New("accounts unavailable")
}

func (unreachableResolver) FindName(context.Context, string) (string, error) {
	return "", errors.New("accounts unavailable")
}

func TestAddMessageCollaboratorsWithoutAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	f.tc.Logger = zap.New(core)
	f.client.Accounts = unreachableResolver{}

	out, err := addMessageCollaborators(ctx, f.tc, &relaychat.CreateMessage{
		Base:        relaychat.Base{Date: at(5)},
		CardID:      "card-1",
		CardType:    "chat",
		MessageID:   "m1",
		MessageType: relaychat.MessageTypeMessage,
		Content:     "[@Bob](ref://?_id=bob)",
		SocialID:    "s-alice",
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"bob"}, out[0].(*relaychat.AddCollaborators).Collaborators)
	assert.Equal(t, 1, logs.FilterMessage("failed to resolve message author").Len())
}

func TestThreadReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.AttachThreadMeta(ctx, relaychat.ThreadMeta{CardID: "card-1", MessageID: "root", ThreadID: "thread-1", ThreadType: "chat"}))

	reply := &relaychat.CreateMessage{Base: relaychat.Base{Date: at(3)}, CardID: "thread-1", MessageID: "r1", SocialID: "s-bob"}
	out, err := addThreadReply(ctx, f.tc, reply)
	require.NoError(t, err)
	require.Len(t, out, 1)
	patch := out[0].(*relaychat.ThreadPatch)
	assert.Equal(t, "card-1", patch.CardID)
	assert.Equal(t, "root", patch.MessageID)
	assert.Equal(t, relaychat.ThreadOperation{Opcode: relaychat.OpAddReply, ThreadID: "thread-1"}, patch.Operation)

	rootCopy := &relaychat.CreateMessage{Base: relaychat.Base{Date: at(0)}, CardID: "thread-1", MessageID: "root", SocialID: "s-alice"}
	out, err = addThreadReply(ctx, f.tc, rootCopy)
	require.NoError(t, err)
	assert.Empty(t, out)

	activity := &relaychat.CreateMessage{Base: relaychat.Base{Date: at(4)}, CardID: "thread-1", MessageID: "a1", MessageType: relaychat.MessageTypeActivity}
	out, err = addThreadReply(ctx, f.tc, activity)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = removeThreadReply(ctx, f.tc, &relaychat.RemovePatch{Base: relaychat.Base{Date: at(6)}, CardID: "thread-1", MessageID: "r1", SocialID: "s-bob"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, relaychat.OpRemoveReply, out[0].(*relaychat.ThreadPatch).Operation.Opcode)

	out, err = removeThreadReply(ctx, f.tc, &relaychat.RemovePatch{CardID: "card-1", MessageID: "root"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBackfillThreadCopiesRootMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.insertMessage(t, "card-1", "root", "s-alice", at(1))
	require.NoError(t, f.store.AddAttachments(ctx, "card-1", group.BlobID, "root", []relaychat.Attachment{{ID: "file-1", MimeType: "image/png", Params: map[string]any{"size": 10.0}}}))
	require.NoError(t, f.store.AddReaction(ctx, "card-1", group.BlobID, "root", "👍", "bob", at(2)))

	out, err := backfillThread(ctx, f.tc, &relaychat.ThreadPatch{
		Base:      relaychat.Base{Date: at(3)},
		CardID:    "card-1",
		MessageID: "root",
		SocialID:  "s-bob",
		Operation: relaychat.ThreadOperation{Opcode: relaychat.OpAttach, ThreadID: "thread-1", ThreadType: "chat"},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	copied := out[0].(*relaychat.CreateMessage)
	assert.Equal(t, "thread-1", copied.CardID)
	assert.Equal(t, "root", copied.MessageID)
	assert.Equal(t, "root", copied.Content)
	assert.Equal(t, "s-alice", copied.SocialID)
	assert.True(t, copied.Date.Equal(at(1)))
	require.NotNil(t, copied.Options)
	assert.True(t, copied.Options.NoNotify)

	attachments := out[1].(*relaychat.AttachmentPatch)
	require.Len(t, attachments.Operations, 1)
	assert.Equal(t, "file-1", attachments.Operations[0].Attachments[0].ID)

	reaction := out[2].(*relaychat.ReactionPatch)
	assert.Equal(t, "bob", reaction.Person)
	assert.Equal(t, "👍", reaction.Operation.Reaction)
	assert.Equal(t, "thread-1", reaction.CardID)

	out, err = backfillThread(ctx, f.tc, &relaychat.ThreadPatch{CardID: "card-1", MessageID: "root", Operation: relaychat.ThreadOperation{Opcode: relaychat.OpUpdate, ThreadID: "thread-1"}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUpdateCardTypePropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.db.AddCollaborators(ctx, "thread-1", "chat", []string{"alice"}, at(0))
	require.NoError(t, err)
	require.NoError(t, f.db.AttachThreadMeta(ctx, relaychat.ThreadMeta{CardID: "card-1", MessageID: "root", ThreadID: "thread-1", ThreadType: "chat"}))

	out, err := updateCardType(ctx, f.tc, &relaychat.UpdateCardType{Base: relaychat.Base{Date: at(1)}, CardID: "thread-1", CardType: "task", SocialID: "s-alice"})
	require.NoError(t, err)

	collaborators, err := f.db.FindCollaborators(ctx, relaychat.FindCollaboratorsParams{CardID: "thread-1"})
	require.NoError(t, err)
	require.Len(t, collaborators, 1)
	assert.Equal(t, "task", collaborators[0].CardType)

	require.Len(t, out, 1)
	patch := out[0].(*relaychat.ThreadPatch)
	assert.Equal(t, relaychat.ThreadOperation{Opcode: relaychat.OpUpdate, ThreadID: "thread-1", ThreadType: "task"}, patch.Operation)
}

func TestRemoveCardCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertMessage(t, "card-1", "root", "s-alice", at(0))
	require.NoError(t, f.db.AttachThreadMeta(ctx, relaychat.ThreadMeta{CardID: "card-1", MessageID: "root", ThreadID: "thread-1", ThreadType: "chat"}))
	_, err := f.db.AddCollaborators(ctx, "thread-1", "chat", []string{"alice"}, at(0))
	require.NoError(t, err)
	require.NoError(t, f.db.CreateLabel(ctx, relaychat.Label{LabelID: relaychat.SubscriptionLabelID, CardID: "thread-1", Account: "alice"}))
	require.NoError(t, f.db.CreateLabel(ctx, relaychat.Label{LabelID: relaychat.NewMessageLabelID, CardID: "thread-1", Account: "bob"}))
	orphan, err := f.db.CreateContext(ctx, relaychat.NotificationContext{Account: "bob", CardID: "thread-1"})
	require.NoError(t, err)
	_, err = f.db.CreateContext(ctx, relaychat.NotificationContext{Account: "alice", CardID: "thread-1"})
	require.NoError(t, err)

	out, err := removeCard(ctx, f.tc, &relaychat.RemoveCard{Base: relaychat.Base{Date: at(9)}, CardID: "thread-1", SocialID: "s-alice"})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, []string{"alice"}, out[0].(*relaychat.RemoveCollaborators).Collaborators)
	label := out[1].(*relaychat.RemoveLabel)
	assert.Equal(t, relaychat.NewMessageLabelID, label.LabelID)
	assert.Equal(t, "bob", label.Account)
	assert.Equal(t, orphan, out[2].(*relaychat.RemoveNotificationContext).ContextID)

	threads, err := f.db.FindThreadMeta(ctx, relaychat.FindThreadsParams{ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestCollaboratorSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.db.CreateContext(ctx, relaychat.NotificationContext{Account: "bob", CardID: "card-1"})
	require.NoError(t, err)

	out, err := subscribeCollaborators(ctx, f.tc, &relaychat.AddCollaborators{CardID: "card-1", CardType: "chat", Collaborators: []string{"alice", "bob"}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, ev := range out {
		assert.Equal(t, relaychat.SubscriptionLabelID, ev.(*relaychat.CreateLabel).LabelID)
	}

	out, err = unsubscribeCollaborators(ctx, f.tc, &relaychat.RemoveCollaborators{CardID: "card-1", Collaborators: []string{"bob"}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, relaychat.SubscriptionLabelID, out[0].(*relaychat.RemoveLabel).LabelID)
	assert.Equal(t, id, out[1].(*relaychat.RemoveNotificationContext).ContextID)
}

func TestClearReadContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.db.CreateContext(ctx, relaychat.NotificationContext{Account: "bob", CardID: "card-1", LastView: at(1), LastUpdate: at(5)})
	require.NoError(t, err)

	update := &relaychat.UpdateNotificationContext{ContextID: id, Account: "bob", Updates: relaychat.NotificationContextUpdates{LastView: ptr(at(3))}}
	out, err := clearReadContext(ctx, f.tc, update)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, f.db.UpdateContext(ctx, id, "bob", relaychat.NotificationContextUpdates{LastView: ptr(at(5))}))
	update.Updates.LastView = ptr(at(5))
	out, err = clearReadContext(ctx, f.tc, update)
	require.NoError(t, err)
	require.Len(t, out, 1)
	label := out[0].(*relaychat.RemoveLabel)
	assert.Equal(t, relaychat.NewMessageLabelID, label.LabelID)
	assert.Equal(t, "card-1", label.CardID)

	out, err = clearRemovedContext(ctx, f.tc, &relaychat.RemoveNotificationContext{ContextID: id, Account: "bob", CardID: "card-1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestCardIndexerPublishesOncePerCard(t *testing.T) {
	queue := eventqueue.NewMemoryQueue(10)
	indexer := NewCardIndexer(queue, "ws-1", CardIndexerOptions{})
	ctx := context.Background()

	require.NoError(t, indexer.Register(ctx, "card-1"))
	require.NoError(t, indexer.Register(ctx, "card-1"))
	assert.Equal(t, 1, queue.Depth())

	indexer.Forget("card-1")
	require.NoError(t, indexer.Register(ctx, "card-1"))
	assert.Equal(t, 2, queue.Depth())
	assert.Equal(t, "card-1", queue.Snapshot()[0].Key)
}

func ptr[T any](v T) *T {
	return &v
}
