package relaychat

import (
	"slices"
	"time"
)

type SortOrder int

const (
	Ascending  SortOrder = 1
	Descending SortOrder = -1
)

type FindParams struct {
	Order SortOrder `json:"order,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

// DateFilter combines comparison operators; every set operator must hold.
type DateFilter struct {
	Equal          *time.Time `json:"equal,omitempty"`
	NotEqual       *time.Time `json:"notEqual,omitempty"`
	Greater        *time.Time `json:"greater,omitempty"`
	GreaterOrEqual *time.Time `json:"greaterOrEqual,omitempty"`
	Less           *time.Time `json:"less,omitempty"`
	LessOrEqual    *time.Time `json:"lessOrEqual,omitempty"`
}

func (f *DateFilter) Match(t time.Time) bool {
	if f == nil {
		return true
	}
	if f.Equal != nil && !t.Equal(*f.Equal) {
		return false
	}
	if f.NotEqual != nil && t.Equal(*f.NotEqual) {
		return false
	}
	if f.Greater != nil && !t.After(*f.Greater) {
		return false
	}
	if f.GreaterOrEqual != nil && t.Before(*f.GreaterOrEqual) {
		return false
	}
	if f.Less != nil && !t.Before(*f.Less) {
		return false
	}
	if f.LessOrEqual != nil && t.After(*f.LessOrEqual) {
		return false
	}
	return true
}

type FindMessagesParams struct {
	FindParams
	CardID  string      `json:"cardId"`
	ID      string      `json:"id,omitempty"`
	Created *DateFilter `json:"created,omitempty"`
}

type FindMessagesGroupsParams struct {
	FindParams
	CardID    string      `json:"cardId"`
	MessageID string      `json:"messageId,omitempty"`
	BlobID    string      `json:"blobId,omitempty"`
	FromDate  *DateFilter `json:"fromDate,omitempty"`
	ToDate    *DateFilter `json:"toDate,omitempty"`
	OrderBy   string      `json:"orderBy,omitempty"`
}

type FindMessagesMetaParams struct {
	CardID    string `json:"cardId"`
	MessageID string `json:"messageId,omitempty"`
	BlobID    string `json:"blobId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type NotificationsQuery struct {
	Limit int       `json:"limit"`
	Order SortOrder `json:"order,omitempty"`
	Read  *bool     `json:"read,omitempty"`
}

type FindNotificationContextParams struct {
	FindParams
	ID            string              `json:"id,omitempty"`
	CardID        string              `json:"cardId,omitempty"`
	Cards         []string            `json:"cards,omitempty"`
	Account       []string            `json:"account,omitempty"`
	LastUpdate    *DateFilter         `json:"lastUpdate,omitempty"`
	LastNotify    *DateFilter         `json:"lastNotify,omitempty"`
	Notifications *NotificationsQuery `json:"notifications,omitempty"`
}

func (p FindNotificationContextParams) MatchesCard(cardID string) bool {
	if p.CardID != "" && p.CardID != cardID {
		return false
	}
	if len(p.Cards) > 0 && !slices.Contains(p.Cards, cardID) {
		return false
	}
	return true
}

type FindNotificationsParams struct {
	FindParams
	ID        string      `json:"id,omitempty"`
	ContextID string      `json:"contextId,omitempty"`
	CardID    string      `json:"cardId,omitempty"`
	MessageID string      `json:"messageId,omitempty"`
	Type      string      `json:"type,omitempty"`
	Creator   string      `json:"creator,omitempty"`
	Read      *bool       `json:"read,omitempty"`
	Created   *DateFilter `json:"created,omitempty"`
	Account   []string    `json:"account,omitempty"`
}

type FindLabelsParams struct {
	FindParams
	LabelID  string `json:"labelId,omitempty"`
	CardID   string `json:"cardId,omitempty"`
	CardType string `json:"cardType,omitempty"`
	Account  string `json:"account,omitempty"`
}

type FindCollaboratorsParams struct {
	FindParams
	CardID  string   `json:"cardId,omitempty"`
	Account []string `json:"account,omitempty"`
}

type FindPeersParams struct {
	FindParams
	WorkspaceID string `json:"workspaceId,omitempty"`
	CardID      string `json:"cardId,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Value       string `json:"value,omitempty"`
}

type FindThreadsParams struct {
	FindParams
	CardID    string `json:"cardId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

type NotificationContextUpdates struct {
	LastView   *time.Time `json:"lastView,omitempty"`
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`
	LastNotify *time.Time `json:"lastNotify,omitempty"`
}

type NotificationQuery struct {
	ID        string     `json:"id,omitempty"`
	Type      string     `json:"type,omitempty"`
	UntilDate *time.Time `json:"untilDate,omitempty"`
}

type NotificationUpdates struct {
	Read bool `json:"read"`
}

type ThreadUpdates struct {
	ThreadType string `json:"threadType,omitempty"`
}

// Page applies order and limit to an already filtered slice sorted ascending.
func Page[T any](items []T, params FindParams) []T {
	if params.Order == Descending {
		slices.Reverse(items)
	}
	if params.Limit > 0 && len(items) > params.Limit {
		items = items[:params.Limit]
	}
	return items
}
