package relaychat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var eventConstructors = map[EventType]func() Event{
	EventCreateMessage:             func() Event { return &CreateMessage{} },
	EventUpdatePatch:               func() Event { return &UpdatePatch{} },
	EventRemovePatch:               func() Event { return &RemovePatch{} },
	EventReactionPatch:             func() Event { return &ReactionPatch{} },
	EventAttachmentPatch:           func() Event { return &AttachmentPatch{} },
	EventBlobPatch:                 func() Event { return &BlobPatch{} },
	EventThreadPatch:               func() Event { return &ThreadPatch{} },
	EventCreateMessagesGroup:       func() Event { return &CreateMessagesGroup{} },
	EventRemoveMessagesGroup:       func() Event { return &RemoveMessagesGroup{} },
	EventCreateNotification:        func() Event { return &CreateNotification{} },
	EventRemoveNotifications:       func() Event { return &RemoveNotifications{} },
	EventUpdateNotification:        func() Event { return &UpdateNotification{} },
	EventCreateNotificationContext: func() Event { return &CreateNotificationContext{} },
	EventRemoveNotificationContext: func() Event { return &RemoveNotificationContext{} },
	EventUpdateNotificationContext: func() Event { return &UpdateNotificationContext{} },
	EventAddCollaborators:          func() Event { return &AddCollaborators{} },
	EventRemoveCollaborators:       func() Event { return &RemoveCollaborators{} },
	EventCreateLabel:               func() Event { return &CreateLabel{} },
	EventRemoveLabel:               func() Event { return &RemoveLabel{} },
	EventCreatePeer:                func() Event { return &CreatePeer{} },
	EventRemovePeer:                func() Event { return &RemovePeer{} },
	EventUpdateCardType:            func() Event { return &UpdateCardType{} },
	EventRemoveCard:                func() Event { return &RemoveCard{} },
}

// EventTypes lists every known variant.
func EventTypes() []EventType {
	types := make([]EventType, 0, len(eventConstructors))
	for t := range eventConstructors {
		types = append(types, t)
	}
	return types
}

// NewEvent returns an empty event of the given type.
func NewEvent(t EventType) (Event, error) {
	ctor, ok := eventConstructors[t]
	if !ok {
		return nil, BadRequest("unknown event type %q", t)
	}
	return ctor(), nil
}

// Decode parses a wire event. Unknown fields are kept in the raw payload
// for validation rather than rejected here.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, BadRequest("malformed event: %v", err)
	}
	if head.Type == "" {
		return nil, BadRequest("event type is required")
	}
	ev, err := NewEvent(head.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, BadRequest("malformed %s event: %v", head.Type, err)
	}
	ev.Header().raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

// Marshal encodes an event with its type discriminator.
func Marshal(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidInput)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	typeField, err := json.Marshal(ev.Type())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(typeField) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typeField)
	inner := bytes.TrimSpace(body[1 : len(body)-1])
	if len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// WireEvent wraps an event so it can be embedded in other JSON documents.
type WireEvent struct {
	Event Event
}

func (w WireEvent) MarshalJSON() ([]byte, error) {
	return Marshal(w.Event)
}

func (w *WireEvent) UnmarshalJSON(data []byte) error {
	ev, err := Decode(data)
	if err != nil {
		return err
	}
	w.Event = ev
	return nil
}
