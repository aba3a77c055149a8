package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/PillPipe/internal/flow"
	"github.com/BTreeMap/PillPipe/internal/metrics"
)

// ErrSessionNotFound is returned for unknown or expired session IDs.
var ErrSessionNotFound = errors.New("session not found")

type session struct {
	id       string
	ctrl     *flow.Controller
	lastSeen time.Time
}

// sessionManager owns one flow controller per presentation-layer session.
type sessionManager struct {
	newController func() *flow.Controller
	ttl           time.Duration
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionManager(newController func() *flow.Controller, ttl time.Duration) *sessionManager {
	return &sessionManager{
		newController: newController,
		ttl:           ttl,
		now:           time.Now,
		sessions:      make(map[string]*session),
	}
}

func (m *sessionManager) create() *session {
	sess := &session{id: uuid.NewString(), ctrl: m.newController()}
	m.mu.Lock()
	sess.lastSeen = m.now()
	m.sessions[sess.id] = sess
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.SetActiveSessions(n)
	slog.Debug("sessionManager.create: session created", "session_id", sess.id, "active", n)
	return sess
}

// get returns the session and refreshes its idle timer.
func (m *sessionManager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.lastSeen = m.now()
	return sess, nil
}

func (m *sessionManager) remove(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	metrics.SetActiveSessions(n)
	sess.ctrl.Close()
	slog.Debug("sessionManager.remove: session closed", "session_id", id, "active", n)
	return nil
}

// reap closes sessions idle for longer than the TTL and returns how many were closed.
func (m *sessionManager) reap() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*session
	for id, sess := range m.sessions {
		if sess.lastSeen.Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for _, sess := range expired {
		sess.ctrl.Close()
	}
	if len(expired) > 0 {
		metrics.SetActiveSessions(n)
		slog.Info("sessionManager.reap: closed idle sessions", "count", len(expired), "active", n)
	}
	return len(expired)
}

// runJanitor reaps idle sessions until ctx is cancelled.
func (m *sessionManager) runJanitor(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *sessionManager) closeAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		all = append(all, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range all {
		sess.ctrl.Close()
	}
	metrics.SetActiveSessions(0)
}

func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
