package relaychat

import (
	"slices"
	"time"
)

const (
	SystemAccount = "1749089e-22e6-48de-af4e-165e18fbd2f9"
	GuestAccount  = "b6996120-416f-49cd-841e-e4a5d2e49c9b"

	RoleReadOnlyGuest = "READONLYGUEST"
)

const (
	MessageTypeMessage  = "message"
	MessageTypeActivity = "activity"

	NotificationTypeMessage  = "message"
	NotificationTypeReaction = "reaction"

	NewMessageLabelID   = "chat:label:NewMessage"
	SubscriptionLabelID = "chat:label:Subscription"

	DefaultLanguage = "original"
)

type Account struct {
	UUID      string   `json:"uuid"`
	SocialIDs []string `json:"socialIds"`
	Role      string   `json:"role,omitempty"`
}

func (a Account) IsSystem() bool {
	return a.UUID == SystemAccount
}

// IsGuest reports whether the account is anonymous or a read-only guest.
func (a Account) IsGuest() bool {
	return a.UUID == "" || a.UUID == GuestAccount || a.Role == RoleReadOnlyGuest
}

func (a Account) OwnsSocialID(socialID string) bool {
	return socialID != "" && slices.Contains(a.SocialIDs, socialID)
}

type MessageMeta struct {
	CardID    string    `json:"cardId"`
	MessageID string    `json:"messageId"`
	BlobID    string    `json:"blobId"`
	Creator   string    `json:"creator"`
	CreatedOn time.Time `json:"createdOn"`
}

type MessagesGroup struct {
	CardID   string    `json:"cardId"`
	BlobID   string    `json:"blobId"`
	FromDate time.Time `json:"fromDate"`
	ToDate   time.Time `json:"toDate"`
	Count    int       `json:"count"`
}

// Contains reports whether date lies inside the group's closed interval.
func (g MessagesGroup) Contains(date time.Time) bool {
	return !date.Before(g.FromDate) && !date.After(g.ToDate)
}

type Reaction struct {
	Count int       `json:"count"`
	Date  time.Time `json:"date"`
}

type Attachment struct {
	ID       string         `json:"id"`
	MimeType string         `json:"mimeType"`
	Params   map[string]any `json:"params"`
	Creator  string         `json:"creator"`
	Created  time.Time      `json:"created"`
	Modified *time.Time     `json:"modified,omitempty"`
}

type Thread struct {
	ThreadID       string         `json:"threadId"`
	ThreadType     string         `json:"threadType"`
	RepliesCount   int            `json:"repliesCount"`
	LastReply      *time.Time     `json:"lastReply,omitempty"`
	RepliedPersons map[string]int `json:"repliedPersons"`
}

// Message is the body stored under messages/{id} of a bucket document.
// Reactions are keyed by emoji, then by person uuid.
type Message struct {
	ID          string                         `json:"id"`
	CardID      string                         `json:"cardId"`
	Type        string                         `json:"type"`
	Content     string                         `json:"content"`
	Extra       map[string]any                 `json:"extra"`
	Language    string                         `json:"language"`
	Creator     string                         `json:"creator"`
	Created     time.Time                      `json:"created"`
	Modified    *time.Time                     `json:"modified,omitempty"`
	Reactions   map[string]map[string]Reaction `json:"reactions"`
	Attachments map[string]Attachment          `json:"attachments"`
	Threads     map[string]Thread              `json:"threads"`
}

// GroupDocument is the persisted shape of one bucket.
type GroupDocument struct {
	CardID   string             `json:"cardId"`
	FromDate time.Time          `json:"fromDate"`
	ToDate   time.Time          `json:"toDate"`
	Language string             `json:"language"`
	Messages map[string]Message `json:"messages"`
}

type NotificationContext struct {
	ID            string         `json:"id"`
	Account       string         `json:"account"`
	CardID        string         `json:"cardId"`
	LastView      time.Time      `json:"lastView"`
	LastUpdate    time.Time      `json:"lastUpdate"`
	LastNotify    *time.Time     `json:"lastNotify,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
}

// IsRead reports whether the account has seen everything up to lastUpdate.
func (c NotificationContext) IsRead() bool {
	return !c.LastView.Before(c.LastUpdate)
}

type NotificationContent struct {
	Title      string `json:"title,omitempty"`
	ShortText  string `json:"shortText,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Emoji      string `json:"emoji,omitempty"`
	Creator    string `json:"creator,omitempty"`
}

type Notification struct {
	ID        string              `json:"id"`
	ContextID string              `json:"contextId"`
	Account   string              `json:"account"`
	CardID    string              `json:"cardId"`
	MessageID string              `json:"messageId,omitempty"`
	BlobID    string              `json:"blobId,omitempty"`
	Type      string              `json:"type"`
	Content   NotificationContent `json:"content"`
	Creator   string              `json:"creator"`
	Created   time.Time           `json:"created"`
	Read      bool                `json:"read"`
}

type Collaborator struct {
	CardID   string    `json:"cardId"`
	Account  string    `json:"account"`
	CardType string    `json:"cardType"`
	Date     time.Time `json:"date"`
}

type Label struct {
	LabelID  string    `json:"labelId"`
	CardID   string    `json:"cardId"`
	CardType string    `json:"cardType"`
	Account  string    `json:"account"`
	Created  time.Time `json:"created"`
}

type Peer struct {
	WorkspaceID string         `json:"workspaceId"`
	CardID      string         `json:"cardId"`
	Kind        string         `json:"kind"`
	Value       string         `json:"value"`
	Extra       map[string]any `json:"extra,omitempty"`
	Created     time.Time      `json:"created"`
}

// ThreadMeta links a thread card to the message it was started from.
type ThreadMeta struct {
	CardID     string    `json:"cardId"`
	MessageID  string    `json:"messageId"`
	ThreadID   string    `json:"threadId"`
	ThreadType string    `json:"threadType"`
	Created    time.Time `json:"created"`
}
