package relaychat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBuildsTypedEvent(t *testing.T) {
	raw := []byte(`{"type":"reactionPatch","cardId":"card-1","messageId":"m-1","socialId":"s-1","operation":{"opcode":"add","reaction":"👍"}}`)

	ev, err := Decode(raw)
	require.NoError(t, err)

	patch, ok := ev.(*ReactionPatch)
	require.True(t, ok, "expected *ReactionPatch, got %T", ev)
	assert.Equal(t, "card-1", patch.CardID)
	assert.Equal(t, OpAdd, patch.Operation.Opcode)
	assert.Equal(t, "👍", patch.Operation.Reaction)
	assert.JSONEq(t, string(raw), string(patch.Raw()))
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"launchRocket"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"cardId":"c"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestMarshalAddsDiscriminatorAndDecodesBack(t *testing.T) {
	date := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	original := &CreateMessage{
		Base:        Base{Date: date, EventExtra: Extra{PersonUUID: "ignored"}},
		CardID:      "card-1",
		CardType:    "chat:Channel",
		MessageID:   "m-1",
		MessageType: MessageTypeMessage,
		Content:     "hello",
		SocialID:    "social-1",
		Options:     &MessageOptions{NoNotify: true},
	}

	data, err := Marshal(original)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "createMessage", fields["type"])
	assert.NotContains(t, fields, "EventExtra")

	decoded, err := Decode(data)
	require.NoError(t, err)
	msg := decoded.(*CreateMessage)
	assert.Equal(t, original.CardID, msg.CardID)
	assert.True(t, msg.Date.Equal(date))
	assert.True(t, msg.Options.NoNotify)
	assert.Empty(t, msg.EventExtra.PersonUUID)
}

func TestWireEventEmbedsInDocuments(t *testing.T) {
	doc := struct {
		Events []WireEvent `json:"events"`
	}{Events: []WireEvent{{Event: &RemoveCard{CardID: "card-9"}}}}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var back struct {
		Events []WireEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.Events, 1)
	assert.Equal(t, EventRemoveCard, back.Events[0].Event.Type())
	assert.Equal(t, "card-9", CardOf(back.Events[0].Event))
}

func TestEveryEventTypeHasConstructor(t *testing.T) {
	for _, eventType := range EventTypes() {
		ev, err := NewEvent(eventType)
		require.NoError(t, err)
		assert.Equal(t, eventType, ev.Type())
		assert.NotNil(t, ev.Header())
	}
	assert.Len(t, EventTypes(), 23)
}

func TestDateFilterMatch(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	before := base.Add(-time.Hour)
	after := base.Add(time.Hour)

	cases := []struct {
		name   string
		filter *DateFilter
		value  time.Time
		want   bool
	}{
		{"nil filter", nil, base, true},
		{"greater excludes equal", &DateFilter{Greater: &base}, base, false},
		{"greaterOrEqual includes equal", &DateFilter{GreaterOrEqual: &base}, base, true},
		{"less", &DateFilter{Less: &base}, before, true},
		{"lessOrEqual rejects after", &DateFilter{LessOrEqual: &base}, after, false},
		{"notEqual", &DateFilter{NotEqual: &base}, base, false},
		{"range", &DateFilter{Greater: &before, Less: &after}, base, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(tc.value))
		})
	}
}

func TestAPIErrorMapping(t *testing.T) {
	assert.True(t, errors.Is(BadRequest("x"), ErrInvalidInput))
	assert.True(t, errors.Is(Forbidden("x"), ErrPermissionDenied))
	assert.True(t, errors.Is(NotFound("x"), ErrNotFound))

	internal := AsAPIError(errors.New("disk on fire"))
	assert.Equal(t, "internal_error", internal.Code)
	assert.Equal(t, "internal error", internal.Message)

	wrapped := AsAPIError(errors.Join(errors.New("ctx"), ErrPermissionDenied))
	assert.Equal(t, "forbidden", wrapped.Code)
}

func TestAccountRoles(t *testing.T) {
	assert.True(t, Account{UUID: SystemAccount}.IsSystem())
	assert.True(t, Account{UUID: GuestAccount}.IsGuest())
	assert.True(t, Account{UUID: "a", Role: RoleReadOnlyGuest}.IsGuest())
	assert.True(t, Account{}.IsGuest())
	assert.False(t, Account{UUID: "a"}.IsGuest())
	assert.True(t, Account{UUID: "a", SocialIDs: []string{"s1"}}.OwnsSocialID("s1"))
	assert.False(t, Account{UUID: "a", SocialIDs: []string{"s1"}}.OwnsSocialID(""))
}

func TestSessionAsyncGuard(t *testing.T) {
	s := NewSession("s", Account{UUID: "a"})
	require.True(t, s.TryBeginAsync())
	assert.False(t, s.TryBeginAsync())
	s.EndAsync()
	assert.True(t, s.TryBeginAsync())
}
