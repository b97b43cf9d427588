package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func sessions() (*relaychat.Session, *relaychat.Session) {
	return relaychat.NewSession("s1", relaychat.Account{UUID: "acc-1"}),
		relaychat.NewSession("s2", relaychat.Account{UUID: "acc-2"})
}

func TestCardSubscriptionFiltersMessageEvents(t *testing.T) {
	r := NewRegistry()
	one, two := sessions()
	r.SubscribeCard(one, "card-1", "sub")
	r.Touch(two)

	subscribed := &relaychat.CreateMessage{CardID: "card-1", MessageID: "m1"}
	other := &relaychat.CreateMessage{CardID: "card-2", MessageID: "m2"}

	got := r.Recipients([]relaychat.Event{subscribed, other})
	assert.Equal(t, map[string][]relaychat.Event{"s1": {subscribed}}, got)
}

func TestMessageQueryMatchesCardAndMessage(t *testing.T) {
	r := NewRegistry()
	one, two := sessions()
	r.SubscribeMessages(one, "q1", MessageQuery{CardID: "card-1", MessageID: "m1"})
	r.SubscribeMessages(two, "q2", MessageQuery{})

	patch := &relaychat.ReactionPatch{CardID: "card-1", MessageID: "m2"}
	got := r.Recipients([]relaychat.Event{patch})
	assert.NotContains(t, got, "s1")
	assert.Equal(t, []relaychat.Event{patch}, got["s2"])

	group := &relaychat.CreateMessagesGroup{Group: relaychat.MessagesGroup{CardID: "card-1"}}
	got = r.Recipients([]relaychat.Event{group})
	assert.Len(t, got, 2)
}

func TestContextQueryCardsReceiveMessages(t *testing.T) {
	r := NewRegistry()
	one, _ := sessions()
	r.SubscribeContexts(one, "ctx", []string{"card-7"})

	ev := &relaychat.CreateMessage{CardID: "card-7"}
	assert.Contains(t, r.Recipients([]relaychat.Event{ev}), "s1")

	r.UnsubscribeQuery(one, "ctx")
	assert.Empty(t, r.Recipients([]relaychat.Event{ev}))
}

func TestAccountAddressedEvents(t *testing.T) {
	r := NewRegistry()
	one, two := sessions()
	r.Touch(one)
	r.Touch(two)

	for _, ev := range []relaychat.Event{
		&relaychat.CreateNotification{Account: "acc-1"},
		&relaychat.RemoveNotifications{Account: "acc-1"},
		&relaychat.UpdateNotification{Account: "acc-1"},
		&relaychat.CreateNotificationContext{Account: "acc-1"},
		&relaychat.UpdateNotificationContext{Account: "acc-1"},
		&relaychat.RemoveNotificationContext{Account: "acc-1"},
		&relaychat.CreateLabel{Account: "acc-1"},
		&relaychat.RemoveLabel{Account: "acc-1"},
	} {
		got := r.Recipients([]relaychat.Event{ev})
		assert.Equal(t, []string{"s1"}, keys(got), "%s", ev.Type())
	}
}

func TestGlobalAndSilentEvents(t *testing.T) {
	r := NewRegistry()
	one, two := sessions()
	r.Touch(one)
	r.Touch(two)

	for _, ev := range []relaychat.Event{
		&relaychat.AddCollaborators{}, &relaychat.RemoveCollaborators{},
		&relaychat.UpdateCardType{}, &relaychat.RemoveCard{},
	} {
		assert.Len(t, r.Recipients([]relaychat.Event{ev}), 2, "%s", ev.Type())
	}
	for _, ev := range []relaychat.Event{&relaychat.CreatePeer{}, &relaychat.RemovePeer{}} {
		assert.Empty(t, r.Recipients([]relaychat.Event{ev}), "%s", ev.Type())
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	r := NewRegistry()
	one, two := sessions()
	r.SubscribeCard(one, "card-1", "a")
	r.SubscribeCard(one, "card-1", "b")
	r.SubscribeCard(two, "card-1", "c")

	ev := &relaychat.CreateMessage{CardID: "card-1"}
	r.UnsubscribeCard(one, "card-1", "a")
	assert.Contains(t, r.Recipients([]relaychat.Event{ev}), "s1")
	r.UnsubscribeCard(one, "card-1", "b")
	assert.NotContains(t, r.Recipients([]relaychat.Event{ev}), "s1")

	r.UnsubscribeCard(one, "missing", "x")
	r.CloseSession("s2")
	require.Equal(t, 1, r.Len())
	r.Close()
	assert.Zero(t, r.Len())
}

func keys(m map[string][]relaychat.Event) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
