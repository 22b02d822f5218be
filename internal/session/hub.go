package session

import (
	"context"
	"sync"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/notify"
)

// Hub tracks the live sessions of the process and routes inbox updates, which the
// aggregator emits process-wide, to the sessions of their recipient
type Hub struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]map[string]*Session // user id -> session id -> session

	unsubscribe func()
}

// NewHub creates a Hub
func NewHub(deps Deps) *Hub {
	h := &Hub{deps: deps, sessions: make(map[string]map[string]*Session)}
	if deps.Inbox != nil {
		h.unsubscribe = deps.Inbox.Subscribe(h.onInbox)
	}
	return h
}

// Open creates and starts a session for userId
func (h *Hub) Open(ctx context.Context, sessionId, userId string, pusher Pusher) (*Session, error) {
	s := New(sessionId, userId, h.deps, pusher)

	h.mu.Lock()
	byId, ok := h.sessions[userId]
	if !ok {
		byId = make(map[string]*Session)
		h.sessions[userId] = byId
	}
	if prev, ok := byId[sessionId]; ok {
		defer func() {
			prev.Close()
			h.deps.Metrics.SessionClosed()
		}()
	}
	byId[sessionId] = s
	h.mu.Unlock()

	h.deps.Metrics.SessionOpened()
	if err := s.Start(ctx); err != nil {
		h.Close(s)
		return nil, err
	}
	log.CtxInfo(ctx, "session opened: user_id=%s, session_id=%s", userId, sessionId)
	return s, nil
}

// Close ends a session. The user's inbox leaves memory with their last session.
func (h *Hub) Close(s *Session) {
	h.mu.Lock()
	last := false
	removed := false
	if byId, ok := h.sessions[s.userId]; ok && byId[s.id] == s {
		delete(byId, s.id)
		removed = true
		if len(byId) == 0 {
			delete(h.sessions, s.userId)
			last = true
		}
	}
	h.mu.Unlock()

	s.Close()
	if !removed {
		return
	}
	h.deps.Metrics.SessionClosed()
	if last && h.deps.Inbox != nil {
		h.deps.Inbox.Unload(s.userId)
	}
	log.Info("session closed: user_id=%s, session_id=%s", s.userId, s.id)
}

// Sessions returns the live sessions of userId
func (h *Hub) Sessions(userId string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions[userId]))
	for _, s := range h.sessions[userId] {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, byId := range h.sessions {
		n += len(byId)
	}
	return n
}

// Shutdown closes every session
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var all []*Session
	for _, byId := range h.sessions {
		for _, s := range byId {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range all {
		h.Close(s)
	}
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

func (h *Hub) onInbox(u notify.Update) {
	for _, s := range h.Sessions(u.RecipientId) {
		s.pusher.Push(PushNotification, u)
	}
}
