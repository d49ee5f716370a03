package domain

import (
	"context"
	"time"
)

// SessionStore persists agent sessions. GetSession returns ErrNotFound when
// the id does not exist.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	CreateSession(ctx context.Context, sess Session) (*Session, error)
	UpdateSession(ctx context.Context, id string, state SessionState, agentID string, lastEvent time.Time) error
}

// PluginStore persists team plugins.
type PluginStore interface {
	ListActivePlugins(ctx context.Context, teamID string) ([]Plugin, error)
	CreatePlugin(ctx context.Context, p Plugin) (*Plugin, error)
}

// TraceStore is the append-only trace log.
type TraceStore interface {
	InsertTrace(ctx context.Context, rec TraceRecord) error
	ListTraces(ctx context.Context, sessionID string, limit int) ([]TraceRecord, error)
}

// ConversationStore reads the CRM conversation read model used by cron triggers.
type ConversationStore interface {
	ListColdLeads(ctx context.Context, teamID string, createdBefore time.Time) ([]ConversationRef, error)
	ListNegativeSentiment(ctx context.Context, teamID string, scoreBelow int) ([]ConversationRef, error)
	UpsertConversation(ctx context.Context, conv ConversationRef) error
}

// RecordStore is everything the engine needs from persistence.
type RecordStore interface {
	SessionStore
	PluginStore
	TraceStore
	ConversationStore
	Close() error
}
