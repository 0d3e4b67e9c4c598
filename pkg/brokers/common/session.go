package common

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle of a broker session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Session tracks connectivity for one (venue, credentials) pair.
type Session struct {
	mu        sync.RWMutex
	state     ConnectionState
	token     string
	accountID string
	expiresAt time.Time
	lastUsed  time.Time
}

// NewSession returns a disconnected session.
func NewSession() *Session {
	return &Session{state: StateDisconnected}
}

func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Begin marks a login attempt in flight.
func (s *Session) Begin() {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()
}

// Established stores the session token and account. A zero expiresAt means the
// token does not expire.
func (s *Session) Established(token, accountID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
	s.token = token
	if accountID != "" {
		s.accountID = accountID
	}
	s.expiresAt = expiresAt
	s.lastUsed = time.Now()
}

// SetAccount records the venue account chosen after login.
func (s *Session) SetAccount(accountID string) {
	s.mu.Lock()
	s.accountID = accountID
	s.mu.Unlock()
}

// Renewed replaces the token without changing account or state.
func (s *Session) Renewed(token string, expiresAt time.Time) {
	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	s.mu.Unlock()
}

// Fail drops back to disconnected and forgets the token.
func (s *Session) Fail() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// Reset is Fail plus forgetting the account id.
func (s *Session) Reset() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.token = ""
	s.accountID = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) AccountID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID
}

// ExpiresWithin reports whether the token expires in less than d.
func (s *Session) ExpiresWithin(d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.expiresAt.IsZero() {
		return false
	}
	return time.Until(s.expiresAt) < d
}

// Touch records use.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastUsed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}
