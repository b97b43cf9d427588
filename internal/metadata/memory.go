package metadata

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type collaboratorKey struct {
	cardID  string
	account string
}

type labelKey struct {
	labelID string
	cardID  string
	account string
}

type peerKey struct {
	workspaceID string
	cardID      string
	kind        string
	value       string
}

// MemoryAdapter keeps every table in process memory. It backs tests and
// single-node development setups.
type MemoryAdapter struct {
	mu            sync.RWMutex
	messages      map[string]map[string]relaychat.MessageMeta
	threads       map[string]relaychat.ThreadMeta
	collaborators map[collaboratorKey]relaychat.Collaborator
	spaceMembers  map[string][]string
	labels        map[labelKey]relaychat.Label
	notifications map[string]relaychat.Notification
	contexts      map[string]relaychat.NotificationContext
	peers         map[peerKey]relaychat.Peer
	titles        map[string]string
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		messages:      map[string]map[string]relaychat.MessageMeta{},
		threads:       map[string]relaychat.ThreadMeta{},
		collaborators: map[collaboratorKey]relaychat.Collaborator{},
		spaceMembers:  map[string][]string{},
		labels:        map[labelKey]relaychat.Label{},
		notifications: map[string]relaychat.Notification{},
		contexts:      map[string]relaychat.NotificationContext{},
		peers:         map[peerKey]relaychat.Peer{},
		titles:        map[string]string{},
	}
}

func (m *MemoryAdapter) CreateMessageMeta(ctx context.Context, meta relaychat.MessageMeta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card := m.messages[meta.CardID]
	if card == nil {
		card = map[string]relaychat.MessageMeta{}
		m.messages[meta.CardID] = card
	}
	if _, exists := card[meta.MessageID]; exists {
		return false, nil
	}
	card[meta.MessageID] = meta
	return true, nil
}

func (m *MemoryAdapter) FindMessagesMeta(ctx context.Context, params relaychat.FindMessagesMetaParams) ([]relaychat.MessageMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []relaychat.MessageMeta
	for _, meta := range m.messages[params.CardID] {
		if params.MessageID != "" && meta.MessageID != params.MessageID {
			continue
		}
		if params.BlobID != "" && meta.BlobID != params.BlobID {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedOn.Equal(out[j].CreatedOn) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].CreatedOn.Before(out[j].CreatedOn)
	})
	return relaychat.Page(out, relaychat.FindParams{Limit: params.Limit}), nil
}

func (m *MemoryAdapter) RemoveMessageMeta(ctx context.Context, cardID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages[cardID], messageID)
	return nil
}

func (m *MemoryAdapter) RemoveCardMessagesMeta(ctx context.Context, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, cardID)
	return nil
}

func (m *MemoryAdapter) AttachThreadMeta(ctx context.Context, thread relaychat.ThreadMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.threads[thread.ThreadID]; exists {
		return relaychat.ErrConflict
	}
	m.threads[thread.ThreadID] = thread
	return nil
}

func (m *MemoryAdapter) FindThreadMeta(ctx context.Context, params relaychat.FindThreadsParams) ([]relaychat.ThreadMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []relaychat.ThreadMeta
	for _, thread := range m.threads {
		if params.CardID != "" && thread.CardID != params.CardID {
			continue
		}
		if params.MessageID != "" && thread.MessageID != params.MessageID {
			continue
		}
		if params.ThreadID != "" && thread.ThreadID != params.ThreadID {
			continue
		}
		out = append(out, thread)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return relaychat.Page(out, params.FindParams), nil
}

func (m *MemoryAdapter) UpdateThreadMeta(ctx context.Context, threadID string, updates relaychat.ThreadUpdates) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return relaychat.ErrNotFound
	}
	if updates.ThreadType != "" {
		thread.ThreadType = updates.ThreadType
	}
	m.threads[threadID] = thread
	return nil
}

func (m *MemoryAdapter) RemoveThreadMeta(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	return nil
}

func (m *MemoryAdapter) AddCollaborators(ctx context.Context, cardID, cardType string, accounts []string, date time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var added []string
	for _, account := range accounts {
		key := collaboratorKey{cardID: cardID, account: account}
		if _, exists := m.collaborators[key]; exists || account == "" {
			continue
		}
		m.collaborators[key] = relaychat.Collaborator{CardID: cardID, Account: account, CardType: cardType, Date: date}
		added = append(added, account)
	}
	return added, nil
}

func (m *MemoryAdapter) RemoveCollaborators(ctx context.Context, cardID string, accounts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.collaborators {
		if key.cardID != cardID {
			continue
		}
		if accounts == nil || slices.Contains(accounts, key.account) {
			delete(m.collaborators, key)
		}
	}
	return nil
}

func (m *MemoryAdapter) FindCollaborators(ctx context.Context, params relaychat.FindCollaboratorsParams) ([]relaychat.Collaborator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []relaychat.Collaborator
	for _, collaborator := range m.collaborators {
		if params.CardID != "" && collaborator.CardID != params.CardID {
			continue
		}
		if len(params.Account) > 0 && !slices.Contains(params.Account, collaborator.Account) {
			continue
		}
		out = append(out, collaborator)
	}
	sortCollaborators(out)
	return relaychat.Page(out, params.FindParams), nil
}

func (m *MemoryAdapter) UpdateCollaborators(ctx context.Context, cardID, cardType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, collaborator := range m.collaborators {
		if key.cardID == cardID {
			collaborator.CardType = cardType
			m.collaborators[key] = collaborator
		}
	}
	return nil
}

func (m *MemoryAdapter) GetCollaboratorsCursor(ctx context.Context, cardID string, until time.Time, batchSize int) CollaboratorsCursor {
	if batchSize <= 0 {
		batchSize = DefaultCollaboratorBatch
	}
	return &memoryCursor{adapter: m, cardID: cardID, until: until, batchSize: batchSize}
}

type memoryCursor struct {
	adapter   *MemoryAdapter
	cardID    string
	until     time.Time
	batchSize int
	last      *relaychat.Collaborator
}

func (c *memoryCursor) Next(ctx context.Context) ([]relaychat.Collaborator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.adapter.mu.RLock()
	var all []relaychat.Collaborator
	for _, collaborator := range c.adapter.collaborators {
		if collaborator.CardID != c.cardID || collaborator.Date.After(c.until) {
			continue
		}
		if c.last != nil && !collaboratorAfter(collaborator, *c.last) {
			continue
		}
		all = append(all, collaborator)
	}
	c.adapter.mu.RUnlock()

	sortCollaborators(all)
	if len(all) > c.batchSize {
		all = all[:c.batchSize]
	}
	if len(all) > 0 {
		last := all[len(all)-1]
		c.last = &last
	}
	return all, nil
}

func collaboratorAfter(a, b relaychat.Collaborator) bool {
	if a.Date.Equal(b.Date) {
		return a.Account > b.Account
	}
	return a.Date.After(b.Date)
}

func sortCollaborators(items []relaychat.Collaborator) {
	sort.Slice(items, func(i, j int) bool { return collaboratorAfter(items[j], items[i]) })
}

func (m *MemoryAdapter) AddCardSpaceMembers(ctx context.Context, cardID string, accounts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.spaceMembers[cardID]
	for _, account := range accounts {
		if !slices.Contains(members, account) {
			members = append(members, account)
		}
	}
	m.spaceMembers[cardID] = members
	return nil
}

func (m *MemoryAdapter) GetCardSpaceMembers(ctx context.Context, cardID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.spaceMembers[cardID]), nil
}

func (m *MemoryAdapter) CreateLabel(ctx context.Context, label relaychat.Label) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := labelKey{labelID: label.LabelID, cardID: label.CardID, account: label.Account}
	if _, exists := m.labels[key]; exists {
		return nil
	}
	m.labels[key] = label
	return nil
}

func (m *MemoryAdapter) RemoveLabels(ctx context.Context, params relaychat.FindLabelsParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, label := range m.labels {
		if labelMatches(label, params) {
			delete(m.labels, key)
		}
	}
	return nil
}

func (m *MemoryAdapter) FindLabels(ctx context.Context, params relaychat.FindLabelsParams) ([]relaychat.Label, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []relaychat.Label
	for _, label := range m.labels {
		if labelMatches(label, params) {
			out = append(out, label)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].CardID+out[i].Account < out[j].CardID+out[j].Account
		}
		return out[i].Created.Before(out[j].Created)
	})
	return relaychat.Page(out, params.FindParams), nil
}

func labelMatches(label relaychat.Label, params relaychat.FindLabelsParams) bool {
	return (params.LabelID == "" || label.LabelID == params.LabelID) &&
		(params.CardID == "" || label.CardID == params.CardID) &&
		(params.CardType == "" || label.CardType == params.CardType) &&
		(params.Account == "" || label.Account == params.Account)
}

func (m *MemoryAdapter) UpdateLabels(ctx context.Context, cardID, cardType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, label := range m.labels {
		if key.cardID == cardID {
			label.CardType = cardType
			m.labels[key] = label
		}
	}
	return nil
}

func (m *MemoryAdapter) GetCardTitle(ctx context.Context, cardID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.titles[cardID], nil
}

// SetCardTitle stands in for the platform that owns card documents.
func (m *MemoryAdapter) SetCardTitle(cardID, title string) {
	m.mu.Lock()
	m.titles[cardID] = title
	m.mu.Unlock()
}

func (m *MemoryAdapter) CreateNotification(ctx context.Context, notification relaychat.Notification) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[notification.ContextID]; !ok {
		return "", relaychat.NotFound("notification context %s not found", notification.ContextID)
	}
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if _, exists := m.notifications[notification.ID]; exists {
		return "", relaychat.ErrConflict
	}
	m.notifications[notification.ID] = notification
	return notification.ID, nil
}

func (m *MemoryAdapter) RemoveNotifications(ctx context.Context, contextID, account string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for _, id := range ids {
		notification, ok := m.notifications[id]
		if !ok || notification.ContextID != contextID || notification.Account != account {
			continue
		}
		delete(m.notifications, id)
		removed = append(removed, id)
	}
	return removed, nil
}

func (m *MemoryAdapter) UpdateNotification(ctx context.Context, contextID, account string, query relaychat.NotificationQuery, updates relaychat.NotificationUpdates) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := 0
	for id, notification := range m.notifications {
		if notification.ContextID != contextID || notification.Account != account {
			continue
		}
		if query.ID != "" && notification.ID != query.ID {
			continue
		}
		if query.Type != "" && notification.Type != query.Type {
			continue
		}
		if query.UntilDate != nil && notification.Created.After(*query.UntilDate) {
			continue
		}
		if notification.Read == updates.Read {
			continue
		}
		notification.Read = updates.Read
		m.notifications[id] = notification
		updated++
	}
	return updated, nil
}

func (m *MemoryAdapter) FindNotifications(ctx context.Context, params relaychat.FindNotificationsParams) ([]relaychat.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findNotificationsLocked(params), nil
}

func (m *MemoryAdapter) findNotificationsLocked(params relaychat.FindNotificationsParams) []relaychat.Notification {
	var out []relaychat.Notification
	for _, n := range m.notifications {
		if params.ID != "" && n.ID != params.ID {
			continue
		}
		if params.ContextID != "" && n.ContextID != params.ContextID {
			continue
		}
		if params.CardID != "" && n.CardID != params.CardID {
			continue
		}
		if params.MessageID != "" && n.MessageID != params.MessageID {
			continue
		}
		if params.Type != "" && n.Type != params.Type {
			continue
		}
		if params.Creator != "" && n.Creator != params.Creator {
			continue
		}
		if params.Read != nil && n.Read != *params.Read {
			continue
		}
		if len(params.Account) > 0 && !slices.Contains(params.Account, n.Account) {
			continue
		}
		if !params.Created.Match(n.Created) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return relaychat.Page(out, params.FindParams)
}

func (m *MemoryAdapter) CreateContext(ctx context.Context, nc relaychat.NotificationContext) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.contexts {
		if existing.Account == nc.Account && existing.CardID == nc.CardID {
			return "", relaychat.ErrConflict
		}
	}
	if nc.ID == "" {
		nc.ID = uuid.NewString()
	}
	nc.Notifications = nil
	m.contexts[nc.ID] = nc
	return nc.ID, nil
}

func (m *MemoryAdapter) RemoveContext(ctx context.Context, contextID, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.contexts[contextID]
	if !ok || existing.Account != account {
		return "", nil
	}
	delete(m.contexts, contextID)
	for id, notification := range m.notifications {
		if notification.ContextID == contextID {
			delete(m.notifications, id)
		}
	}
	return contextID, nil
}

func (m *MemoryAdapter) UpdateContext(ctx context.Context, contextID, account string, updates relaychat.NotificationContextUpdates) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.contexts[contextID]
	if !ok || existing.Account != account {
		return relaychat.ErrNotFound
	}
	existing.LastView = laterOf(existing.LastView, updates.LastView)
	existing.LastUpdate = laterOf(existing.LastUpdate, updates.LastUpdate)
	if updates.LastNotify != nil {
		lastNotify := *updates.LastNotify
		existing.LastNotify = &lastNotify
	}
	m.contexts[contextID] = existing
	return nil
}

func (m *MemoryAdapter) FindNotificationContexts(ctx context.Context, params relaychat.FindNotificationContextParams) ([]relaychat.NotificationContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []relaychat.NotificationContext
	for _, nc := range m.contexts {
		if params.ID != "" && nc.ID != params.ID {
			continue
		}
		if !params.MatchesCard(nc.CardID) {
			continue
		}
		if len(params.Account) > 0 && !slices.Contains(params.Account, nc.Account) {
			continue
		}
		if !params.LastUpdate.Match(nc.LastUpdate) {
			continue
		}
		if params.LastNotify != nil && (nc.LastNotify == nil || !params.LastNotify.Match(*nc.LastNotify)) {
			continue
		}
		out = append(out, nc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastUpdate.Before(out[j].LastUpdate)
	})
	out = relaychat.Page(out, params.FindParams)
	if params.Notifications != nil {
		for i := range out {
			out[i].Notifications = m.findNotificationsLocked(relaychat.FindNotificationsParams{
				FindParams: relaychat.FindParams{Order: params.Notifications.Order, Limit: params.Notifications.Limit},
				ContextID:  out[i].ID,
				Read:       params.Notifications.Read,
			})
		}
	}
	return out, nil
}

func (m *MemoryAdapter) CreatePeer(ctx context.Context, peer relaychat.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := peerKey{workspaceID: peer.WorkspaceID, cardID: peer.CardID, kind: peer.Kind, value: peer.Value}
	m.peers[key] = peer
	return nil
}

func (m *MemoryAdapter) RemovePeer(ctx context.Context, workspaceID, cardID, kind, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerKey{workspaceID: workspaceID, cardID: cardID, kind: kind, value: value})
	return nil
}

func (m *MemoryAdapter) FindPeers(ctx context.Context, params relaychat.FindPeersParams) ([]relaychat.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []relaychat.Peer
	for _, peer := range m.peers {
		if params.WorkspaceID != "" && peer.WorkspaceID != params.WorkspaceID {
			continue
		}
		if params.CardID != "" && peer.CardID != params.CardID {
			continue
		}
		if params.Kind != "" && peer.Kind != params.Kind {
			continue
		}
		if params.Value != "" && peer.Value != params.Value {
			continue
		}
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].CardID+out[i].Value < out[j].CardID+out[j].Value
		}
		return out[i].Created.Before(out[j].Created)
	})
	return relaychat.Page(out, params.FindParams), nil
}

func (m *MemoryAdapter) Close() error {
	return nil
}
