package relaychat

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventCreateMessage       EventType = "createMessage"
	EventUpdatePatch         EventType = "updatePatch"
	EventRemovePatch         EventType = "removePatch"
	EventReactionPatch       EventType = "reactionPatch"
	EventAttachmentPatch     EventType = "attachmentPatch"
	EventBlobPatch           EventType = "blobPatch"
	EventThreadPatch         EventType = "threadPatch"
	EventCreateMessagesGroup EventType = "createMessagesGroup"
	EventRemoveMessagesGroup EventType = "removeMessagesGroup"

	EventCreateNotification        EventType = "createNotification"
	EventRemoveNotifications       EventType = "removeNotifications"
	EventUpdateNotification        EventType = "updateNotification"
	EventCreateNotificationContext EventType = "createNotificationContext"
	EventRemoveNotificationContext EventType = "removeNotificationContext"
	EventUpdateNotificationContext EventType = "updateNotificationContext"
	EventAddCollaborators          EventType = "addCollaborators"
	EventRemoveCollaborators       EventType = "removeCollaborators"

	EventCreateLabel EventType = "createLabel"
	EventRemoveLabel EventType = "removeLabel"

	EventCreatePeer EventType = "createPeer"
	EventRemovePeer EventType = "removePeer"

	EventUpdateCardType EventType = "updateCardType"
	EventRemoveCard     EventType = "removeCard"
)

// Event is the closed set of pipeline mutations. Implementations are the
// pointer types declared in this file.
type Event interface {
	Type() EventType
	Header() *Base
}

// Extra is pipeline scratch state; it is never serialized.
type Extra struct {
	Peers      []Peer
	PersonUUID string
}

// Base is embedded by every event.
type Base struct {
	RequestID string    `json:"_id,omitempty"`
	Date      time.Time `json:"date"`

	EventExtra    Extra `json:"-"`
	SkipPropagate bool  `json:"-"`

	raw json.RawMessage
}

func (b *Base) Header() *Base { return b }

// Raw returns the request body the event was decoded from, if any.
func (b *Base) Raw() json.RawMessage { return b.raw }

type EventResult struct {
	MessageID string     `json:"messageId,omitempty"`
	Created   *time.Time `json:"created,omitempty"`
	BlobID    string     `json:"blobId,omitempty"`
	ID        string     `json:"id,omitempty"`
	IDs       []string   `json:"ids,omitempty"`
}

// Messages

type MessageOptions struct {
	NoNotify bool `json:"noNotify,omitempty"`
}

type CreateMessage struct {
	Base
	CardID      string          `json:"cardId"`
	CardType    string          `json:"cardType"`
	MessageID   string          `json:"messageId,omitempty"`
	MessageType string          `json:"messageType"`
	Content     string          `json:"content"`
	Extra       map[string]any  `json:"extra,omitempty"`
	Language    string          `json:"language,omitempty"`
	SocialID    string          `json:"socialId"`
	Options     *MessageOptions `json:"options,omitempty"`
	BlobID      string          `json:"blobId,omitempty"`
}

type UpdatePatch struct {
	Base
	CardID    string         `json:"cardId"`
	MessageID string         `json:"messageId"`
	SocialID  string         `json:"socialId"`
	Content   *string        `json:"content,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Language  *string        `json:"language,omitempty"`
}

type RemovePatch struct {
	Base
	CardID    string `json:"cardId"`
	MessageID string `json:"messageId"`
	SocialID  string `json:"socialId"`
}

const (
	OpAdd    = "add"
	OpRemove = "remove"
	OpSet    = "set"
	OpUpdate = "update"

	OpAttach = "attach"
	OpDetach = "detach"

	OpAddReply    = "addReply"
	OpRemoveReply = "removeReply"
)

type ReactionOperation struct {
	Opcode   string `json:"opcode"`
	Reaction string `json:"reaction"`
}

type ReactionPatch struct {
	Base
	CardID    string            `json:"cardId"`
	MessageID string            `json:"messageId"`
	SocialID  string            `json:"socialId"`
	Operation ReactionOperation `json:"operation"`
	// Person is only honoured on derived events, which copy reactions whose
	// social id is no longer known.
	Person string `json:"person,omitempty"`
}

type AttachmentData struct {
	ID       string         `json:"id"`
	MimeType string         `json:"mimeType"`
	Params   map[string]any `json:"params"`
}

type AttachmentUpdate struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params"`
}

type AttachmentOperation struct {
	Opcode      string             `json:"opcode"`
	Attachments []AttachmentData   `json:"attachments,omitempty"`
	IDs         []string           `json:"ids,omitempty"`
	Updates     []AttachmentUpdate `json:"updates,omitempty"`
}

type AttachmentPatch struct {
	Base
	CardID     string                `json:"cardId"`
	MessageID  string                `json:"messageId"`
	SocialID   string                `json:"socialId"`
	Operations []AttachmentOperation `json:"operations"`
}

type BlobData struct {
	BlobID   string         `json:"blobId"`
	MimeType string         `json:"mimeType"`
	FileName string         `json:"fileName"`
	Size     int64          `json:"size"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type BlobUpdate struct {
	BlobID   string         `json:"blobId"`
	FileName string         `json:"fileName,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type BlobOperation struct {
	Opcode  string       `json:"opcode"`
	Blobs   []BlobData   `json:"blobs,omitempty"`
	BlobIDs []string     `json:"blobIds,omitempty"`
	Updates []BlobUpdate `json:"updates,omitempty"`
}

// BlobPatch is the deprecated form of AttachmentPatch.
type BlobPatch struct {
	Base
	CardID     string          `json:"cardId"`
	MessageID  string          `json:"messageId"`
	SocialID   string          `json:"socialId"`
	Operations []BlobOperation `json:"operations"`
}

type ThreadOperation struct {
	Opcode     string `json:"opcode"`
	ThreadID   string `json:"threadId"`
	ThreadType string `json:"threadType,omitempty"`
}

type ThreadPatch struct {
	Base
	CardID    string          `json:"cardId"`
	MessageID string          `json:"messageId"`
	SocialID  string          `json:"socialId"`
	Operation ThreadOperation `json:"operation"`
}

type CreateMessagesGroup struct {
	Base
	SocialID string        `json:"socialId"`
	Group    MessagesGroup `json:"group"`
}

type RemoveMessagesGroup struct {
	Base
	CardID   string `json:"cardId"`
	BlobID   string `json:"blobId"`
	SocialID string `json:"socialId"`
}

// Notifications

type CreateNotification struct {
	Base
	NotificationID   string              `json:"notificationId,omitempty"`
	ContextID        string              `json:"contextId"`
	Account          string              `json:"account"`
	CardID           string              `json:"cardId"`
	MessageID        string              `json:"messageId"`
	BlobID           string              `json:"blobId,omitempty"`
	NotificationType string              `json:"notificationType"`
	Read             bool                `json:"read,omitempty"`
	Content          NotificationContent `json:"content"`
	Creator          string              `json:"creator"`
	MessageCreated   time.Time           `json:"messageCreated"`
}

type RemoveNotifications struct {
	Base
	ContextID string   `json:"contextId"`
	Account   string   `json:"account"`
	IDs       []string `json:"ids"`
}

type UpdateNotification struct {
	Base
	ContextID string              `json:"contextId"`
	Account   string              `json:"account"`
	Query     NotificationQuery   `json:"query"`
	Updates   NotificationUpdates `json:"updates"`
}

type CreateNotificationContext struct {
	Base
	ContextID  string     `json:"contextId,omitempty"`
	CardID     string     `json:"cardId"`
	Account    string     `json:"account"`
	LastView   time.Time  `json:"lastView"`
	LastUpdate time.Time  `json:"lastUpdate"`
	LastNotify *time.Time `json:"lastNotify,omitempty"`
}

type RemoveNotificationContext struct {
	Base
	ContextID string `json:"contextId"`
	Account   string `json:"account"`
	CardID    string `json:"cardId,omitempty"`
}

type UpdateNotificationContext struct {
	Base
	ContextID string                     `json:"contextId"`
	Account   string                     `json:"account"`
	Updates   NotificationContextUpdates `json:"updates"`
}

type AddCollaborators struct {
	Base
	CardID        string   `json:"cardId"`
	CardType      string   `json:"cardType"`
	Collaborators []string `json:"collaborators"`
	SocialID      string   `json:"socialId"`
}

type RemoveCollaborators struct {
	Base
	CardID        string   `json:"cardId"`
	CardType      string   `json:"cardType"`
	Collaborators []string `json:"collaborators"`
	SocialID      string   `json:"socialId"`
}

// Labels

type CreateLabel struct {
	Base
	LabelID  string `json:"labelId"`
	CardID   string `json:"cardId"`
	CardType string `json:"cardType"`
	Account  string `json:"account"`
	SocialID string `json:"socialId"`
}

type RemoveLabel struct {
	Base
	LabelID  string `json:"labelId"`
	CardID   string `json:"cardId"`
	Account  string `json:"account"`
	SocialID string `json:"socialId"`
}

// Peers

type CreatePeer struct {
	Base
	WorkspaceID string         `json:"workspaceId"`
	CardID      string         `json:"cardId"`
	Kind        string         `json:"kind"`
	Value       string         `json:"value"`
	Extra       map[string]any `json:"extra,omitempty"`
	SocialID    string         `json:"socialId"`
}

type RemovePeer struct {
	Base
	WorkspaceID string `json:"workspaceId"`
	CardID      string `json:"cardId"`
	Kind        string `json:"kind"`
	Value       string `json:"value"`
	SocialID    string `json:"socialId"`
}

// Cards

type UpdateCardType struct {
	Base
	CardID   string `json:"cardId"`
	CardType string `json:"cardType"`
	SocialID string `json:"socialId"`
}

type RemoveCard struct {
	Base
	CardID   string `json:"cardId"`
	SocialID string `json:"socialId"`
}

func (*CreateMessage) Type() EventType       { return EventCreateMessage }
func (*UpdatePatch) Type() EventType         { return EventUpdatePatch }
func (*RemovePatch) Type() EventType         { return EventRemovePatch }
func (*ReactionPatch) Type() EventType       { return EventReactionPatch }
func (*AttachmentPatch) Type() EventType     { return EventAttachmentPatch }
func (*BlobPatch) Type() EventType           { return EventBlobPatch }
func (*ThreadPatch) Type() EventType         { return EventThreadPatch }
func (*CreateMessagesGroup) Type() EventType { return EventCreateMessagesGroup }
func (*RemoveMessagesGroup) Type() EventType { return EventRemoveMessagesGroup }

func (*CreateNotification) Type() EventType        { return EventCreateNotification }
func (*RemoveNotifications) Type() EventType       { return EventRemoveNotifications }
func (*UpdateNotification) Type() EventType        { return EventUpdateNotification }
func (*CreateNotificationContext) Type() EventType { return EventCreateNotificationContext }
func (*RemoveNotificationContext) Type() EventType { return EventRemoveNotificationContext }
func (*UpdateNotificationContext) Type() EventType { return EventUpdateNotificationContext }
func (*AddCollaborators) Type() EventType          { return EventAddCollaborators }
func (*RemoveCollaborators) Type() EventType       { return EventRemoveCollaborators }

func (*CreateLabel) Type() EventType    { return EventCreateLabel }
func (*RemoveLabel) Type() EventType    { return EventRemoveLabel }
func (*CreatePeer) Type() EventType     { return EventCreatePeer }
func (*RemovePeer) Type() EventType     { return EventRemovePeer }
func (*UpdateCardType) Type() EventType { return EventUpdateCardType }
func (*RemoveCard) Type() EventType     { return EventRemoveCard }

// CardOf returns the conversation an event belongs to, or "" for events
// addressed by notification context only.
func CardOf(ev Event) string {
	switch e := ev.(type) {
	case *CreateMessage:
		return e.CardID
	case *UpdatePatch:
		return e.CardID
	case *RemovePatch:
		return e.CardID
	case *ReactionPatch:
		return e.CardID
	case *AttachmentPatch:
		return e.CardID
	case *BlobPatch:
		return e.CardID
	case *ThreadPatch:
		return e.CardID
	case *CreateMessagesGroup:
		return e.Group.CardID
	case *RemoveMessagesGroup:
		return e.CardID
	case *CreateNotification:
		return e.CardID
	case *CreateNotificationContext:
		return e.CardID
	case *RemoveNotificationContext:
		return e.CardID
	case *AddCollaborators:
		return e.CardID
	case *RemoveCollaborators:
		return e.CardID
	case *CreateLabel:
		return e.CardID
	case *RemoveLabel:
		return e.CardID
	case *CreatePeer:
		return e.CardID
	case *RemovePeer:
		return e.CardID
	case *UpdateCardType:
		return e.CardID
	case *RemoveCard:
		return e.CardID
	}
	return ""
}

// SocialIDOf returns the acting social identity, or "" for account-addressed
// events.
func SocialIDOf(ev Event) string {
	switch e := ev.(type) {
	case *CreateMessage:
		return e.SocialID
	case *UpdatePatch:
		return e.SocialID
	case *RemovePatch:
		return e.SocialID
	case *ReactionPatch:
		return e.SocialID
	case *AttachmentPatch:
		return e.SocialID
	case *BlobPatch:
		return e.SocialID
	case *ThreadPatch:
		return e.SocialID
	case *CreateMessagesGroup:
		return e.SocialID
	case *RemoveMessagesGroup:
		return e.SocialID
	case *AddCollaborators:
		return e.SocialID
	case *RemoveCollaborators:
		return e.SocialID
	case *CreateLabel:
		return e.SocialID
	case *RemoveLabel:
		return e.SocialID
	case *CreatePeer:
		return e.SocialID
	case *RemovePeer:
		return e.SocialID
	case *UpdateCardType:
		return e.SocialID
	case *RemoveCard:
		return e.SocialID
	}
	return ""
}
