// Package broadcast tracks what every connected session is watching and
// computes which sessions receive a committed event.
package broadcast

import (
	"sort"
	"sync"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// MessageQuery is the filter of a live message query. Empty fields match
// everything.
type MessageQuery struct {
	CardID    string
	MessageID string
}

type sessionState struct {
	account        string
	messageQueries map[string]MessageQuery
	contextQueries map[string]map[string]struct{}
	cards          map[string]map[string]struct{}
}

func newSessionState(account string) *sessionState {
	return &sessionState{
		account:        account,
		messageQueries: map[string]MessageQuery{},
		contextQueries: map[string]map[string]struct{}{},
		cards:          map[string]map[string]struct{}{},
	}
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*sessionState{}}
}

func (r *Registry) stateLocked(session *relaychat.Session) *sessionState {
	state, ok := r.sessions[session.ID]
	if !ok {
		state = newSessionState(session.Account.UUID)
		r.sessions[session.ID] = state
	}
	return state
}

// Touch registers the session so account addressed events reach it.
func (r *Registry) Touch(session *relaychat.Session) {
	if session == nil || session.ID == "" {
		return
	}
	r.mu.Lock()
	r.stateLocked(session)
	r.mu.Unlock()
}

func (r *Registry) SubscribeMessages(session *relaychat.Session, queryID string, query MessageQuery) {
	if session == nil || session.ID == "" || queryID == "" {
		return
	}
	r.mu.Lock()
	r.stateLocked(session).messageQueries[queryID] = query
	r.mu.Unlock()
}

// SubscribeContexts replaces the card set of a context query.
func (r *Registry) SubscribeContexts(session *relaychat.Session, queryID string, cards []string) {
	if session == nil || session.ID == "" || queryID == "" {
		return
	}
	set := make(map[string]struct{}, len(cards))
	for _, card := range cards {
		set[card] = struct{}{}
	}
	r.mu.Lock()
	r.stateLocked(session).contextQueries[queryID] = set
	r.mu.Unlock()
}

func (r *Registry) SubscribeCard(session *relaychat.Session, cardID, subscriptionID string) {
	if session == nil || session.ID == "" || cardID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.stateLocked(session)
	subs, ok := state.cards[cardID]
	if !ok {
		subs = map[string]struct{}{}
		state.cards[cardID] = subs
	}
	subs[subscriptionID] = struct{}{}
}

func (r *Registry) UnsubscribeCard(session *relaychat.Session, cardID, subscriptionID string) {
	if session == nil || session.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[session.ID]
	if !ok {
		return
	}
	subs, ok := state.cards[cardID]
	if !ok {
		return
	}
	delete(subs, subscriptionID)
	if len(subs) == 0 {
		delete(state.cards, cardID)
	}
}

func (r *Registry) UnsubscribeQuery(session *relaychat.Session, queryID string) {
	if session == nil || session.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.sessions[session.ID]; ok {
		delete(state.messageQueries, queryID)
		delete(state.contextQueries, queryID)
	}
}

func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Registry) Close() {
	r.mu.Lock()
	r.sessions = map[string]*sessionState{}
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Recipients groups events by the sessions that should receive them,
// keeping the input order per session.
func (r *Registry) Recipients(events []relaychat.Event) map[string][]relaychat.Event {
	out := map[string][]relaychat.Event{}
	if len(events) == 0 {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, ev := range events {
		for _, id := range ids {
			if r.sessions[id].matches(ev) {
				out[id] = append(out[id], ev)
			}
		}
	}
	return out
}

func (s *sessionState) matches(ev relaychat.Event) bool {
	switch e := ev.(type) {
	case *relaychat.CreateMessage:
		return s.watchesMessage(e.CardID, e.MessageID)
	case *relaychat.UpdatePatch:
		return s.watchesMessage(e.CardID, e.MessageID)
	case *relaychat.RemovePatch:
		return s.watchesMessage(e.CardID, e.MessageID)
	case *relaychat.ReactionPatch:
		return s.watchesMessage(e.CardID, e.MessageID)
	case *relaychat.AttachmentPatch:
		return s.watchesMessage(e.CardID, e.MessageID)
	case *relaychat.BlobPatch:
		return s.watchesMessage(e.CardID, e.MessageID)
	case *relaychat.ThreadPatch:
		return s.watchesMessage(e.CardID, e.MessageID)
	case *relaychat.CreateMessagesGroup:
		return s.watchesMessage(e.Group.CardID, "")
	case *relaychat.RemoveMessagesGroup:
		return s.watchesMessage(e.CardID, "")

	case *relaychat.CreateNotification:
		return s.account == e.Account
	case *relaychat.RemoveNotifications:
		return s.account == e.Account
	case *relaychat.UpdateNotification:
		return s.account == e.Account
	case *relaychat.CreateNotificationContext:
		return s.account == e.Account
	case *relaychat.RemoveNotificationContext:
		return s.account == e.Account
	case *relaychat.UpdateNotificationContext:
		return s.account == e.Account
	case *relaychat.CreateLabel:
		return s.account == e.Account
	case *relaychat.RemoveLabel:
		return s.account == e.Account

	case *relaychat.AddCollaborators, *relaychat.RemoveCollaborators,
		*relaychat.UpdateCardType, *relaychat.RemoveCard:
		return true

	case *relaychat.CreatePeer, *relaychat.RemovePeer:
		return false
	}
	return false
}

// watchesMessage reports whether a message of cardID is visible to one of
// the session's live queries. An empty messageID matches any query on the
// card.
func (s *sessionState) watchesMessage(cardID, messageID string) bool {
	if _, ok := s.cards[cardID]; ok {
		return true
	}
	for _, cards := range s.contextQueries {
		if _, ok := cards[cardID]; ok {
			return true
		}
	}
	for _, q := range s.messageQueries {
		if q.CardID != "" && q.CardID != cardID {
			continue
		}
		if q.MessageID != "" && messageID != "" && q.MessageID != messageID {
			continue
		}
		return true
	}
	return false
}
