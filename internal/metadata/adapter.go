// Package metadata holds the relational side of the messaging core:
// message pointers, threads, collaborators, labels, notifications,
// notification contexts and peers. Every adapter is scoped to one
// workspace.
package metadata

import (
	"context"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// DefaultCollaboratorBatch is the page size used when walking a card's
// collaborators.
const DefaultCollaboratorBatch = 500

type Adapter interface {
	// CreateMessageMeta returns false when the message already exists.
	CreateMessageMeta(ctx context.Context, meta relaychat.MessageMeta) (bool, error)
	FindMessagesMeta(ctx context.Context, params relaychat.FindMessagesMetaParams) ([]relaychat.MessageMeta, error)
	RemoveMessageMeta(ctx context.Context, cardID, messageID string) error
	RemoveCardMessagesMeta(ctx context.Context, cardID string) error

	AttachThreadMeta(ctx context.Context, thread relaychat.ThreadMeta) error
	FindThreadMeta(ctx context.Context, params relaychat.FindThreadsParams) ([]relaychat.ThreadMeta, error)
	UpdateThreadMeta(ctx context.Context, threadID string, updates relaychat.ThreadUpdates) error
	RemoveThreadMeta(ctx context.Context, threadID string) error

	// AddCollaborators returns the accounts that were not collaborators yet.
	AddCollaborators(ctx context.Context, cardID, cardType string, accounts []string, date time.Time) ([]string, error)
	RemoveCollaborators(ctx context.Context, cardID string, accounts []string) error
	FindCollaborators(ctx context.Context, params relaychat.FindCollaboratorsParams) ([]relaychat.Collaborator, error)
	UpdateCollaborators(ctx context.Context, cardID, cardType string) error
	// GetCollaboratorsCursor walks the collaborators that joined the card at or
	// before until.
	GetCollaboratorsCursor(ctx context.Context, cardID string, until time.Time, batchSize int) CollaboratorsCursor
	AddCardSpaceMembers(ctx context.Context, cardID string, accounts []string) error
	GetCardSpaceMembers(ctx context.Context, cardID string) ([]string, error)

	CreateLabel(ctx context.Context, label relaychat.Label) error
	RemoveLabels(ctx context.Context, params relaychat.FindLabelsParams) error
	FindLabels(ctx context.Context, params relaychat.FindLabelsParams) ([]relaychat.Label, error)
	UpdateLabels(ctx context.Context, cardID, cardType string) error

	// GetCardTitle returns "" for cards the platform has not named.
	GetCardTitle(ctx context.Context, cardID string) (string, error)

	CreateNotification(ctx context.Context, notification relaychat.Notification) (string, error)
	// RemoveNotifications returns the ids that were actually removed.
	RemoveNotifications(ctx context.Context, contextID, account string, ids []string) ([]string, error)
	// UpdateNotification returns the number of notifications changed.
	UpdateNotification(ctx context.Context, contextID, account string, query relaychat.NotificationQuery, updates relaychat.NotificationUpdates) (int, error)
	FindNotifications(ctx context.Context, params relaychat.FindNotificationsParams) ([]relaychat.Notification, error)

	// CreateContext fails with relaychat.ErrConflict when the account already
	// has a context for the card.
	CreateContext(ctx context.Context, nc relaychat.NotificationContext) (string, error)
	// RemoveContext returns "" when nothing was removed.
	RemoveContext(ctx context.Context, contextID, account string) (string, error)
	// UpdateContext only moves lastView and lastUpdate forward.
	UpdateContext(ctx context.Context, contextID, account string, updates relaychat.NotificationContextUpdates) error
	FindNotificationContexts(ctx context.Context, params relaychat.FindNotificationContextParams) ([]relaychat.NotificationContext, error)

	CreatePeer(ctx context.Context, peer relaychat.Peer) error
	RemovePeer(ctx context.Context, workspaceID, cardID, kind, value string) error
	FindPeers(ctx context.Context, params relaychat.FindPeersParams) ([]relaychat.Peer, error)

	Close() error
}

// CollaboratorsCursor pages through a card's collaborators ordered by the
// date they were added. Next returns an empty slice once exhausted.
type CollaboratorsCursor interface {
	Next(ctx context.Context) ([]relaychat.Collaborator, error)
}

func laterOf(current time.Time, next *time.Time) time.Time {
	if next == nil || next.Before(current) {
		return current
	}
	return *next
}
