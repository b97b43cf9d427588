package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentworkforce/relaychat/internal/accounts"
	"github.com/agentworkforce/relaychat/internal/blob"
	"github.com/agentworkforce/relaychat/internal/broadcast"
	"github.com/agentworkforce/relaychat/internal/client"
	"github.com/agentworkforce/relaychat/internal/docstore"
	"github.com/agentworkforce/relaychat/internal/metadata"
	"github.com/agentworkforce/relaychat/internal/metrics"
	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/triggers"
)

var base = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

var (
	alice  = relaychat.NewSession("sess-alice", relaychat.Account{UUID: "alice", SocialIDs: []string{"s-alice"}})
	bob    = relaychat.NewSession("sess-bob", relaychat.Account{UUID: "bob", SocialIDs: []string{"s-bob"}})
	system = relaychat.NewSession("sess-system", relaychat.Account{UUID: relaychat.SystemAccount})
	guest  = relaychat.NewSession("sess-guest", relaychat.Account{UUID: relaychat.GuestAccount, SocialIDs: []string{"s-guest"}})
)

type fixtureOptions struct {
	async      bool
	engine     func(*client.Client) *triggers.Engine
	maxDerived int
}

type fixture struct {
	db       *metadata.MemoryAdapter
	store    *blob.Store
	client   *client.Client
	metrics  *metrics.Pipeline
	logs     *observer.ObservedLogs
	pipeline *Pipeline

	mu        sync.Mutex
	delivered []map[string][]relaychat.Event
	async     []func(ctx context.Context) error
	clock     time.Time
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	resolver := accounts.NewStaticResolver(false)
	resolver.Add("s-alice", accounts.Person{UUID: "alice", Name: "Alice", HasAccount: true})
	resolver.Add("s-bob", accounts.Person{UUID: "bob", Name: "Bob", HasAccount: true})

	f := &fixture{
		db:      metadata.NewMemoryAdapter(),
		store:   blob.NewStore(docstore.NewMemoryClient(), blob.Options{RetryDelay: -1}),
		metrics: metrics.New(),
		logs:    logs,
		clock:   at(10),
	}
	f.client = client.New(f.store, f.db, resolver, client.Options{})

	callbacks := Callbacks{
		Broadcast: func(_ context.Context, events map[string][]relaychat.Event) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.delivered = append(f.delivered, events)
			return nil
		},
	}
	if opts.async {
		callbacks.RegisterAsyncRequest = func(_ context.Context, fn func(ctx context.Context) error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.async = append(f.async, fn)
		}
	}
	var engine *triggers.Engine
	if opts.engine != nil {
		engine = opts.engine(f.client)
	}

	p, err := NewPipeline(PipelineOptions{
		Logger:           zap.New(core),
		Metrics:          f.metrics,
		Workspace:        "ws-1",
		Client:           f.client,
		Registry:         broadcast.NewRegistry(),
		Callbacks:        callbacks,
		Triggers:         engine,
		MaxDerivedEvents: opts.maxDerived,
		Now:              f.now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	f.pipeline = p
	return f
}

// now advances one second per call so request events stay ordered.
func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) received(sessionID string) []relaychat.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []relaychat.Event
	for _, batch := range f.delivered {
		out = append(out, batch[sessionID]...)
	}
	return out
}

func (f *fixture) batches() []map[string][]relaychat.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string][]relaychat.Event(nil), f.delivered...)
}

func decode(t *testing.T, payload string) relaychat.Event {
	t.Helper()
	ev, err := relaychat.Decode([]byte(payload))
	require.NoError(t, err)
	return ev
}

func ofType[T relaychat.Event](events []relaychat.Event) []T {
	var out []T
	for _, ev := range events {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func TestValidateRejectsEmptyAttachmentOperations(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ev := decode(t, `{"type":"attachmentPatch","cardId":"card-1","messageId":"m1","socialId":"s-alice","operations":[]}`)

	_, err := f.pipeline.Event(context.Background(), alice, ev, false)
	require.ErrorIs(t, err, relaychat.ErrInvalidInput)
	assert.NotEmpty(t, relaychat.AsAPIError(err).Message)

	logged := f.logs.FilterMessage("invalid request").All()
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0].ContextMap()["payload"], `"operations":[]`)
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ev := decode(t, `{"type":"createMessage","cardId":"card-1","cardType":"chat","content":"hi","socialId":"s-alice","color":"red"}`)

	_, err := f.pipeline.Event(context.Background(), alice, ev, false)
	require.ErrorIs(t, err, relaychat.ErrInvalidInput)
}

func TestValidateFindParams(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.pipeline.FindMessages(ctx, alice, relaychat.FindMessagesParams{}, "")
	require.ErrorIs(t, err, relaychat.ErrInvalidInput)

	_, err = f.pipeline.FindMessages(ctx, alice, relaychat.FindMessagesParams{CardID: "card-1"}, "")
	require.NoError(t, err)
}

func TestValidateChecksDateFormat(t *testing.T) {
	schemas, err := CompileSchemas()
	require.NoError(t, err)

	err = schemas.Validate("updateNotificationContext", []byte(`{"type":"updateNotificationContext","contextId":"ctx-1","account":"alice","updates":{"lastView":"yesterday"}}`))
	require.ErrorIs(t, err, relaychat.ErrInvalidInput)
	err = schemas.Validate("updateNotificationContext", []byte(`{"type":"updateNotificationContext","contextId":"ctx-1","account":"alice","updates":{"lastView":"2026-05-04T08:00:00.250Z"}}`))
	require.NoError(t, err)
}

func TestValidatedEventsRoundTrip(t *testing.T) {
	schemas, err := CompileSchemas()
	require.NoError(t, err)

	payloads := []string{
		`{"type":"createMessage","cardId":"card-1","cardType":"chat","messageType":"message","content":"hi","socialId":"s-alice","options":{"noNotify":true}}`,
		`{"type":"reactionPatch","cardId":"card-1","messageId":"m1","socialId":"s-alice","operation":{"opcode":"add","reaction":"+1"}}`,
		`{"type":"attachmentPatch","cardId":"card-1","messageId":"m1","socialId":"s-alice","operations":[{"opcode":"remove","ids":["a1"]}]}`,
		`{"type":"updateNotificationContext","contextId":"ctx-1","account":"alice","updates":{"lastView":"2026-05-04T08:00:00Z"}}`,
	}
	for _, payload := range payloads {
		ev := decode(t, payload)
		require.NoError(t, schemas.Validate(string(ev.Type()), []byte(payload)), payload)

		encoded, err := relaychat.Marshal(ev)
		require.NoError(t, err)
		again, err := relaychat.Decode(encoded)
		require.NoError(t, err)
		reencoded, err := relaychat.Marshal(again)
		require.NoError(t, err)
		assert.JSONEq(t, string(encoded), string(reencoded))
	}
}

func TestDerivedEventsSkipValidationAndPermissions(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	ev := &relaychat.AttachmentPatch{CardID: "card-1", MessageID: "missing", SocialID: "s-bob"}
	_, err := f.pipeline.Event(ctx, guest, ev, true)
	require.NoError(t, err)
	assert.True(t, ev.SkipPropagate)

	_, err = f.pipeline.Event(ctx, guest, &relaychat.AttachmentPatch{CardID: "card-1", MessageID: "missing", SocialID: "s-bob"}, false)
	require.ErrorIs(t, err, relaychat.ErrInvalidInput)
}

// recorder is a tail stage that accepts everything.
type recorder struct {
	Base
	events []relaychat.Event
}

func (r *recorder) Event(_ context.Context, _ *relaychat.Session, ev relaychat.Event, _ bool) (relaychat.EventResult, error) {
	r.events = append(r.events, ev)
	return relaychat.EventResult{}, nil
}

// unreachableResolver fails every lookup, as an accounts service that is down.
type unreachableResolver struct{}

func (unreachableResolver) FindPersonUUID(context.Context, string, bool) (string, error) {
	return "", errors.New("accounts unavailable")
}

func (unreachableResolver) FindName(context.Context, string) (string, error) {
	return "", errors.New("accounts unavailable")
}

func TestIdentityFailureLeavesPersonEmpty(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	tail := &recorder{}
	head, err := Build(&Context{Logger: zap.New(core), Client: client.New(nil, metadata.NewMemoryAdapter(), unreachableResolver{}, client.Options{})},
		NewIdentity(),
		func(*Context, Middleware) (Middleware, error) { return tail, nil },
	)
	require.NoError(t, err)

	reaction := &relaychat.ReactionPatch{CardID: "card-1", MessageID: "m1", SocialID: "s-bob", Operation: relaychat.ReactionOperation{Opcode: relaychat.OpAdd, Reaction: "+1"}}
	_, err = head.Event(ctx, bob, reaction, false)
	require.NoError(t, err)
	thread := &relaychat.ThreadPatch{CardID: "card-1", MessageID: "m1", SocialID: "s-bob"}
	_, err = head.Event(ctx, bob, thread, false)
	require.NoError(t, err)

	require.Len(t, tail.events, 2)
	assert.Empty(t, reaction.EventExtra.PersonUUID)
	assert.Empty(t, thread.EventExtra.PersonUUID)
	assert.Equal(t, 2, logs.FilterMessage("failed to resolve person").Len())
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	db := metadata.NewMemoryAdapter()
	_, err := db.CreateMessageMeta(ctx, relaychat.MessageMeta{CardID: "card-1", MessageID: "m1", BlobID: "b1", Creator: "s-alice", CreatedOn: at(1)})
	require.NoError(t, err)

	tail := &recorder{}
	head, err := Build(&Context{Client: client.New(nil, db, nil, client.Options{})},
		NewPermissions(),
		func(*Context, Middleware) (Middleware, error) { return tail, nil },
	)
	require.NoError(t, err)

	tests := []struct {
		name    string
		session *relaychat.Session
		event   relaychat.Event
		want    error
	}{
		{"own social id", alice, &relaychat.CreateMessage{CardID: "card-1", SocialID: "s-alice"}, nil},
		{"foreign social id", alice, &relaychat.CreateMessage{CardID: "card-1", SocialID: "s-bob"}, relaychat.ErrPermissionDenied},
		{"author edits", alice, &relaychat.UpdatePatch{CardID: "card-1", MessageID: "m1", SocialID: "s-alice"}, nil},
		{"non author edits", bob, &relaychat.UpdatePatch{CardID: "card-1", MessageID: "m1", SocialID: "s-bob"}, relaychat.ErrPermissionDenied},
		{"non author removes", bob, &relaychat.RemovePatch{CardID: "card-1", MessageID: "m1", SocialID: "s-bob"}, relaychat.ErrPermissionDenied},
		{"unknown message", alice, &relaychat.AttachmentPatch{CardID: "card-1", MessageID: "m2", SocialID: "s-alice"}, relaychat.ErrNotFound},
		{"reaction on any message", bob, &relaychat.ReactionPatch{CardID: "card-1", MessageID: "m1", SocialID: "s-bob"}, nil},
		{"reaction as someone else", bob, &relaychat.ReactionPatch{CardID: "card-1", MessageID: "m1", SocialID: "s-alice"}, relaychat.ErrPermissionDenied},
		{"own context", alice, &relaychat.UpdateNotificationContext{ContextID: "c1", Account: "alice"}, nil},
		{"other context", alice, &relaychat.UpdateNotificationContext{ContextID: "c1", Account: "bob"}, relaychat.ErrPermissionDenied},
		{"other notifications", alice, &relaychat.RemoveNotifications{ContextID: "c1", Account: "bob", IDs: []string{"n1"}}, relaychat.ErrPermissionDenied},
		{"label for other account", alice, &relaychat.CreateLabel{LabelID: "l", CardID: "card-1", Account: "bob", SocialID: "s-alice"}, relaychat.ErrPermissionDenied},
		{"peer by user", alice, &relaychat.CreatePeer{CardID: "card-1", SocialID: "s-alice"}, relaychat.ErrPermissionDenied},
		{"peer by system", system, &relaychat.CreatePeer{CardID: "card-1", SocialID: "s-system"}, nil},
		{"messages group by user", alice, &relaychat.RemoveMessagesGroup{CardID: "card-1", BlobID: "b1", SocialID: "s-alice"}, relaychat.ErrPermissionDenied},
		{"collaborators", alice, &relaychat.AddCollaborators{CardID: "card-1", SocialID: "s-alice"}, nil},
		{"guest writes", guest, &relaychat.CreateMessage{CardID: "card-1", SocialID: "s-guest"}, relaychat.ErrPermissionDenied},
		{"guest views own context", guest, &relaychat.UpdateNotificationContext{ContextID: "c1", Account: relaychat.GuestAccount}, nil},
		{"derived from guest", guest, &relaychat.RemoveCard{CardID: "card-1"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := head.Event(ctx, tt.session, tt.event, tt.name == "derived from guest")
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPermissionsMessages(t *testing.T) {
	ctx := context.Background()
	db := metadata.NewMemoryAdapter()
	_, err := db.CreateMessageMeta(ctx, relaychat.MessageMeta{CardID: "card-1", MessageID: "m1", BlobID: "b1", Creator: "s-alice", CreatedOn: at(1)})
	require.NoError(t, err)
	head, err := Build(&Context{Client: client.New(nil, db, nil, client.Options{})}, NewPermissions())
	require.NoError(t, err)

	_, err = head.Event(ctx, bob, &relaychat.UpdatePatch{CardID: "card-1", MessageID: "m1", SocialID: "s-bob"}, false)
	assert.EqualError(t, err, "forbidden: message author is not allowed")
	_, err = head.Event(ctx, bob, &relaychat.RemovePatch{CardID: "card-1", MessageID: "m9", SocialID: "s-bob"}, false)
	assert.EqualError(t, err, "not_found: message not found")

	userMessage := &relaychat.CreateMessage{CardID: "card-1", SocialID: "s-alice", Options: &relaychat.MessageOptions{NoNotify: true}}
	_, err = head.Event(ctx, alice, userMessage, false)
	require.NoError(t, err)
	assert.False(t, userMessage.Options.NoNotify)

	systemMessage := &relaychat.CreateMessage{CardID: "card-1", SocialID: "s-system", Options: &relaychat.MessageOptions{NoNotify: true}}
	_, err = head.Event(ctx, system, systemMessage, false)
	require.NoError(t, err)
	assert.True(t, systemMessage.Options.NoNotify)
}

func TestMessageNotifiesCollaborators(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	_, err := f.db.AddCollaborators(ctx, "card-1", "chat", []string{"bob"}, at(0))
	require.NoError(t, err)
	f.pipeline.SubscribeCard(bob, "card-1", "sub-1")

	msg := &relaychat.CreateMessage{
		CardID:      "card-1",
		CardType:    "chat",
		MessageType: relaychat.MessageTypeMessage,
		Content:     "Hello **Bob**",
		SocialID:    "s-alice",
	}
	result, err := f.pipeline.Event(ctx, alice, msg, false)
	require.NoError(t, err)
	require.NotEmpty(t, result.MessageID)
	require.NotEmpty(t, result.BlobID)
	assert.Equal(t, at(10).Add(time.Second), *result.Created)

	bobEvents := f.received(bob.ID)
	require.NotEmpty(t, ofType[*relaychat.CreateMessage](bobEvents))
	notifications := ofType[*relaychat.CreateNotification](bobEvents)
	require.Len(t, notifications, 1)
	assert.Equal(t, "Alice", notifications[0].Content.SenderName)
	assert.Equal(t, "Hello Bob", notifications[0].Content.ShortText)
	assert.NotEmpty(t, notifications[0].NotificationID)

	contexts, err := f.db.FindNotificationContexts(ctx, relaychat.FindNotificationContextParams{CardID: "card-1", Account: []string{"bob"}})
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.False(t, contexts[0].IsRead())

	subscribed, err := f.db.FindLabels(ctx, relaychat.FindLabelsParams{LabelID: relaychat.SubscriptionLabelID, Account: "alice"})
	require.NoError(t, err)
	assert.Len(t, subscribed, 1)

	messages, err := f.pipeline.FindMessages(ctx, bob, relaychat.FindMessagesParams{CardID: "card-1", ID: result.MessageID}, "")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Hello **Bob**", messages[0].Content)

	reaction := &relaychat.ReactionPatch{
		CardID:    "card-1",
		MessageID: result.MessageID,
		SocialID:  "s-bob",
		Operation: relaychat.ReactionOperation{Opcode: relaychat.OpAdd, Reaction: "+1"},
	}
	_, err = f.pipeline.Event(ctx, bob, reaction, false)
	require.NoError(t, err)

	stored, err := f.store.GetMessage(ctx, "card-1", result.BlobID, result.MessageID)
	require.NoError(t, err)
	assert.Contains(t, stored.Reactions["+1"], "bob")

	reacted, err := f.db.FindNotifications(ctx, relaychat.FindNotificationsParams{Account: []string{"alice"}, Type: relaychat.NotificationTypeReaction})
	require.NoError(t, err)
	require.Len(t, reacted, 1)
	assert.Equal(t, "+1", reacted[0].Content.Emoji)

	_, err = f.pipeline.Event(ctx, bob, &relaychat.RemovePatch{CardID: "card-1", MessageID: result.MessageID, SocialID: "s-bob"}, false)
	require.ErrorIs(t, err, relaychat.ErrPermissionDenied)
}

func TestDuplicateMessageSkipsPropagation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.pipeline.SubscribeCard(alice, "card-1", "sub-1")

	first := &relaychat.CreateMessage{Base: relaychat.Base{Date: at(5)}, CardID: "card-1", CardType: "chat", MessageID: "m-dup", MessageType: relaychat.MessageTypeMessage, Content: "one", SocialID: "s-system"}
	result, err := f.pipeline.Event(ctx, system, first, false)
	require.NoError(t, err)
	assert.Equal(t, "m-dup", result.MessageID)
	assert.Equal(t, at(5), *result.Created)

	second := &relaychat.CreateMessage{Base: relaychat.Base{Date: at(6)}, CardID: "card-1", CardType: "chat", MessageID: "m-dup", MessageType: relaychat.MessageTypeMessage, Content: "two", SocialID: "s-system"}
	result, err = f.pipeline.Event(ctx, system, second, false)
	require.NoError(t, err)
	assert.Empty(t, result.MessageID)
	assert.True(t, second.SkipPropagate)

	assert.Len(t, ofType[*relaychat.CreateMessage](f.received(alice.ID)), 1)
}

// labelEngine runs handler for every committed CreateLabel.
func labelEngine(handler triggers.Handler) func(*client.Client) *triggers.Engine {
	return func(c *client.Client) *triggers.Engine {
		return triggers.NewEngine(triggers.Options{
			Client:   c,
			Triggers: []triggers.Trigger{{Name: "label", Type: relaychat.EventCreateLabel, Handler: handler}},
		})
	}
}

func label(id string, date time.Time) *relaychat.CreateLabel {
	return &relaychat.CreateLabel{
		Base:     relaychat.Base{Date: date},
		LabelID:  id,
		CardID:   "card-1",
		CardType: "chat",
		Account:  "alice",
		SocialID: "s-alice",
	}
}

func TestCascadeStopsAtLimit(t *testing.T) {
	var n atomic.Int32
	f := newFixture(t, fixtureOptions{
		maxDerived: 5,
		engine: labelEngine(func(_ context.Context, _ *triggers.Context, ev relaychat.Event) ([]relaychat.Event, error) {
			next := n.Add(1)
			return []relaychat.Event{label(fmt.Sprintf("l-%d", next), ev.Header().Date.Add(time.Second))}, nil
		}),
	})
	ctx := context.Background()

	_, err := f.pipeline.Event(ctx, system, label("root", at(1)), false)
	require.NoError(t, err)

	stored, err := f.db.FindLabels(ctx, relaychat.FindLabelsParams{CardID: "card-1"})
	require.NoError(t, err)
	assert.Len(t, stored, 6)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CascadeAborts))
	assert.Equal(t, 1, f.logs.FilterMessage("trigger cascade aborted").Len())
}

func TestAsyncCascadeBroadcastsByDate(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		async: true,
		engine: labelEngine(func(_ context.Context, _ *triggers.Context, ev relaychat.Event) ([]relaychat.Event, error) {
			if ev.(*relaychat.CreateLabel).LabelID != "root" {
				return nil, nil
			}
			return []relaychat.Event{label("late", at(3)), label("early", at(1))}, nil
		}),
	})
	ctx := context.Background()

	_, err := f.pipeline.Event(ctx, alice, label("root", time.Time{}), false)
	require.NoError(t, err)
	require.Len(t, f.async, 1)
	assert.True(t, alice.AsyncActive())
	require.Len(t, f.batches(), 1)

	// A second request while the first cascade is pending runs inline.
	_, err = f.pipeline.Event(ctx, alice, label("other", time.Time{}), false)
	require.NoError(t, err)
	require.Len(t, f.async, 1)

	require.NoError(t, f.async[0](ctx))
	assert.False(t, alice.AsyncActive())

	batches := f.batches()
	last := ofType[*relaychat.CreateLabel](batches[len(batches)-1][alice.ID])
	require.Len(t, last, 2)
	assert.Equal(t, "early", last[0].LabelID)
	assert.Equal(t, "late", last[1].LabelID)
}

func TestContextQuerySubscribesCards(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	_, err := f.db.CreateContext(ctx, relaychat.NotificationContext{Account: "bob", CardID: "card-7", LastView: at(0), LastUpdate: at(0)})
	require.NoError(t, err)

	contexts, err := f.pipeline.FindNotificationContexts(ctx, bob, relaychat.FindNotificationContextParams{Account: []string{"bob"}}, "q-1")
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, "bob", contexts[0].Account)

	msg := &relaychat.CreateMessage{Base: relaychat.Base{Date: at(2)}, CardID: "card-7", CardType: "chat", MessageID: "m7", MessageType: relaychat.MessageTypeMessage, Content: "ping", SocialID: "s-system"}
	_, err = f.pipeline.Event(ctx, system, msg, false)
	require.NoError(t, err)
	assert.Len(t, ofType[*relaychat.CreateMessage](f.received(bob.ID)), 1)

	f.pipeline.UnsubscribeQuery(bob, "q-1")
	msg = &relaychat.CreateMessage{Base: relaychat.Base{Date: at(3)}, CardID: "card-7", CardType: "chat", MessageID: "m8", MessageType: relaychat.MessageTypeMessage, Content: "pong", SocialID: "s-system"}
	_, err = f.pipeline.Event(ctx, system, msg, false)
	require.NoError(t, err)
	assert.Len(t, ofType[*relaychat.CreateMessage](f.received(bob.ID)), 1)
}

func TestPeersAttachedToMessageEvents(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.pipeline.SubscribeCard(alice, "card-p", "sub-1")

	peer := &relaychat.CreatePeer{WorkspaceID: "ws-1", CardID: "card-p", Kind: "card", Value: "remote-1", SocialID: "s-system"}
	_, err := f.pipeline.Event(ctx, system, peer, false)
	require.NoError(t, err)
	assert.True(t, f.pipeline.Context.CardsWithPeers.Has("card-p"))

	msg := &relaychat.CreateMessage{Base: relaychat.Base{Date: at(2)}, CardID: "card-p", CardType: "chat", MessageID: "m1", MessageType: relaychat.MessageTypeMessage, Content: "mirror me", SocialID: "s-system"}
	_, err = f.pipeline.Event(ctx, system, msg, false)
	require.NoError(t, err)
	delivered := ofType[*relaychat.CreateMessage](f.received(alice.ID))
	require.Len(t, delivered, 1)
	require.Len(t, delivered[0].EventExtra.Peers, 1)
	assert.Equal(t, "remote-1", delivered[0].EventExtra.Peers[0].Value)

	_, err = f.pipeline.Event(ctx, system, &relaychat.RemovePeer{WorkspaceID: "ws-1", CardID: "card-p", Kind: "card", Value: "remote-1", SocialID: "s-system"}, false)
	require.NoError(t, err)
	assert.False(t, f.pipeline.Context.CardsWithPeers.Has("card-p"))
}

func TestBlobOperationsToAttachments(t *testing.T) {
	tests := []struct {
		name string
		in   []relaychat.BlobOperation
		want []relaychat.AttachmentOperation
	}{
		{
			name: "attach",
			in:   []relaychat.BlobOperation{{Opcode: relaychat.OpAttach, Blobs: []relaychat.BlobData{{BlobID: "b1", MimeType: "image/png", FileName: "a.png", Size: 10}}}},
			want: []relaychat.AttachmentOperation{{Opcode: relaychat.OpAdd, Attachments: []relaychat.AttachmentData{{
				ID: "b1", MimeType: "image/png", Params: map[string]any{"blobId": "b1", "fileName": "a.png", "size": int64(10)},
			}}}},
		},
		{
			name: "detach",
			in:   []relaychat.BlobOperation{{Opcode: relaychat.OpDetach, BlobIDs: []string{"b1", "b2"}}},
			want: []relaychat.AttachmentOperation{{Opcode: relaychat.OpRemove, IDs: []string{"b1", "b2"}}},
		},
		{
			name: "update without changes",
			in:   []relaychat.BlobOperation{{Opcode: relaychat.OpUpdate, Updates: []relaychat.BlobUpdate{{BlobID: "b1"}}}},
			want: nil,
		},
		{
			name: "empty detach",
			in:   []relaychat.BlobOperation{{Opcode: relaychat.OpDetach}},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BlobOperationsToAttachments(tt.in))
		})
	}
}

func TestEventResultJSON(t *testing.T) {
	created := at(1)
	data, err := json.Marshal(relaychat.EventResult{MessageID: "m1", Created: &created, BlobID: "b1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"messageId":"m1","created":"2026-05-04T08:01:00Z","blobId":"b1"}`, string(data))
}
