package relaychat

import "sync"

// Session is one authenticated connection.
type Session struct {
	ID      string
	Account Account

	mu          sync.Mutex
	asyncActive bool
}

func NewSession(id string, account Account) *Session {
	return &Session{ID: id, Account: account}
}

// TryBeginAsync marks the session as running a deferred trigger cascade.
// It returns false when one is already scheduled.
func (s *Session) TryBeginAsync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.asyncActive {
		return false
	}
	s.asyncActive = true
	return true
}

func (s *Session) EndAsync() {
	s.mu.Lock()
	s.asyncActive = false
	s.mu.Unlock()
}

func (s *Session) AsyncActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asyncActive
}
