package orchestrator

import (
	"sync"
	"time"

	"github.com/aslishyi/anima/internal/proactive"
)

// sessionState is everything the orchestrator tracks per session
// outside a pipeline run
type sessionState struct {
	mu           sync.Mutex // serializes pipeline runs for this session
	sessionID    string
	isGroup      bool
	userID       string
	userName     string
	lastActivity time.Time

	// awaitingReply is set after a proactive opener until the user's
	// next message, for feedback scoring
	awaitingReply bool
}

// sessions is the registry of known sessions. Entry creation goes
// through its own mutex so two first-contact messages cannot race a
// lazily built per-session lock.
type sessions struct {
	mu      sync.Mutex
	entries map[string]*sessionState
}

func newSessions() *sessions {
	return &sessions{entries: make(map[string]*sessionState)}
}

func (s *sessions) get(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[sessionID]
	if !ok {
		st = &sessionState{sessionID: sessionID}
		s.entries[sessionID] = st
	}
	return st
}

func (s *sessions) touch(sessionID string, isGroup bool, userID, userName string, at time.Time) {
	st := s.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.isGroup = isGroup
	if userID != "" {
		st.userID = userID
	}
	if userName != "" {
		st.userName = userName
	}
	if at.After(st.lastActivity) {
		st.lastActivity = at
	}
}

// markProactive flags a session as waiting for a reaction to a
// proactive opener
func (s *sessions) markProactive(sessionID string) {
	st := s.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.awaitingReply = true
}

// consumeProactive clears the awaiting flag and reports whether it was set
func (s *sessions) consumeProactive(sessionID string) bool {
	st := s.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	was := st.awaitingReply
	st.awaitingReply = false
	return was
}

// recent lists sessions active within the horizon, for the proactive
// scheduler
func (s *sessions) recent(within time.Duration) []proactive.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-within)
	var out []proactive.Session
	for _, st := range s.entries {
		if st.lastActivity.After(cutoff) {
			out = append(out, proactive.Session{
				SessionID:    st.sessionID,
				IsGroup:      st.isGroup,
				UserID:       st.userID,
				UserName:     st.userName,
				LastActivity: st.lastActivity,
			})
		}
	}
	return out
}

// lastActivityAcross returns the newest activity timestamp of any
// session; the dream cycle uses it as its quiet check
func (s *sessions) lastActivityAcross() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest time.Time
	for _, st := range s.entries {
		if st.lastActivity.After(newest) {
			newest = st.lastActivity
		}
	}
	return newest
}
