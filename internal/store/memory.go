package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"alfred/internal/domain"
)

var errDuplicateKey = errors.New("duplicate key")

// MemoryStore is an in-process domain.RecordStore for tests and the
// single-shot CLI. It does not survive restarts.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]domain.Session
	plugins       []domain.Plugin
	traces        []domain.TraceRecord
	conversations map[string]domain.ConversationRef
}

var _ domain.RecordStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]domain.Session),
		conversations: make(map[string]domain.ConversationRef),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &sess, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, sess domain.Session) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if _, exists := m.sessions[sess.ID]; exists {
		return nil, storeErr("insert", tableSessions, errDuplicateKey)
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastEvent.IsZero() {
		sess.LastEvent = now
	}
	m.sessions[sess.ID] = sess
	return &sess, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, id string, state domain.SessionState, agentID string, lastEvent time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		// Matches SQL UPDATE semantics: zero rows touched is not an error.
		return nil
	}
	sess.State = state
	sess.AgentID = agentID
	sess.LastEvent = lastEvent
	m.sessions[id] = sess
	return nil
}

func (m *MemoryStore) ListActivePlugins(_ context.Context, teamID string) ([]domain.Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Plugin
	for _, p := range m.plugins {
		if p.TeamID == teamID && p.Active {
			p.Tools = slices.Clone(p.Tools)
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreatePlugin(_ context.Context, p domain.Plugin) (*domain.Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Tools == nil {
		p.Tools = []domain.ToolKind{}
	}
	p.Tools = slices.Clone(p.Tools)
	m.plugins = append(m.plugins, p)
	return &p, nil
}

func (m *MemoryStore) InsertTrace(_ context.Context, rec domain.TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.traces = append(m.traces, rec)
	return nil
}

func (m *MemoryStore) ListTraces(_ context.Context, sessionID string, limit int) ([]domain.TraceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.TraceRecord
	for _, rec := range m.traces {
		if rec.SessionID != sessionID {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListColdLeads(_ context.Context, teamID string, createdBefore time.Time) ([]domain.ConversationRef, error) {
	return m.filterConversations(func(c domain.ConversationRef) bool {
		return c.TeamID == teamID && c.Status == "lead" && c.CreatedAt.Before(createdBefore)
	}), nil
}

func (m *MemoryStore) ListNegativeSentiment(_ context.Context, teamID string, scoreBelow int) ([]domain.ConversationRef, error) {
	return m.filterConversations(func(c domain.ConversationRef) bool {
		return c.TeamID == teamID && c.Score < scoreBelow
	}), nil
}

func (m *MemoryStore) filterConversations(match func(domain.ConversationRef) bool) []domain.ConversationRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ConversationRef
	for _, c := range m.conversations {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) UpsertConversation(_ context.Context, c domain.ConversationRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if prev, ok := m.conversations[c.ID]; ok && c.CreatedAt.IsZero() {
		c.CreatedAt = prev.CreatedAt
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = "open"
	}
	m.conversations[c.ID] = c
	return nil
}
