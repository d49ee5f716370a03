package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"alfred/internal/domain"
)

// SessionRequest identifies the session a run works on. TeamID,
// ConversationID and AgentID are only used when the session is created.
type SessionRequest struct {
	SessionID      string
	TeamID         string
	ConversationID string
	AgentID        string
}

// SessionManager loads, creates and saves agent sessions.
type SessionManager struct {
	store  domain.SessionStore
	logger *slog.Logger
	mu     sync.Mutex // serializes creation so one process never double-inserts an id
	now    func() time.Time
}

func NewSessionManager(store domain.SessionStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{store: store, logger: logger, now: time.Now}
}

// EnsureSession returns the stored session for req.SessionID, creating it
// when absent. An existing session is returned as stored.
func (sm *SessionManager) EnsureSession(ctx context.Context, req SessionRequest) (*domain.Session, error) {
	if req.SessionID == "" {
		return sm.create(ctx, req)
	}

	// Fast path: the session exists.
	sess, err := sm.store.GetSession(ctx, req.SessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, asStoreError("select", "agent_sessions", err)
	}

	// Slow path: lock and double-check before inserting with the explicit id.
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, err = sm.store.GetSession(ctx, req.SessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, asStoreError("select", "agent_sessions", err)
	}
	return sm.create(ctx, req)
}

func (sm *SessionManager) create(ctx context.Context, req SessionRequest) (*domain.Session, error) {
	sess, err := sm.store.CreateSession(ctx, domain.Session{
		ID:             req.SessionID,
		TeamID:         req.TeamID,
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		LastEvent:      sm.now(),
	})
	if err != nil {
		return nil, asStoreError("insert", "agent_sessions", err)
	}
	sm.logger.Info("created agent session",
		"session", sess.ID,
		"team", sess.TeamID,
		"conversation", sess.ConversationID,
		"agent", sess.AgentID,
	)
	return sess, nil
}

// UpdateSessionState overwrites a session's state and agent and refreshes
// its last event time. It is a no-op without a session id.
func (sm *SessionManager) UpdateSessionState(ctx context.Context, sessionID string, state domain.SessionState, agentID string) error {
	if sessionID == "" {
		return nil
	}
	if err := sm.store.UpdateSession(ctx, sessionID, state, agentID, sm.now()); err != nil {
		return asStoreError("update", "agent_sessions", err)
	}
	return nil
}

// Get returns the stored session, or domain.ErrNotFound.
func (sm *SessionManager) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return sm.store.GetSession(ctx, sessionID)
}
