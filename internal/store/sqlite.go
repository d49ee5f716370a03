package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"alfred/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	tableSessions      = "agent_sessions"
	tablePlugins       = "agent_plugins"
	tableEvents        = "agent_events"
	tableConversations = "conversations"
)

// SQLiteStore implements domain.RecordStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.RecordStore = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func storeErr(op, table string, err error) error {
	return &domain.StoreError{Op: op, Table: table, Err: err}
}

// --- sessions ---

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var (
		sess      domain.Session
		state     string
		lastEvent sql.NullTime
		createdAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, team_id, conversation_id, agent_id, state, last_event, created_at
		 FROM agent_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.TeamID, &sess.ConversationID, &sess.AgentID, &state, &lastEvent, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("select", tableSessions, err)
	}
	if state != "" {
		if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
			return nil, storeErr("select", tableSessions, fmt.Errorf("decode state: %w", err))
		}
	}
	sess.LastEvent = lastEvent.Time
	sess.CreatedAt = createdAt.Time
	return &sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess domain.Session) (*domain.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastEvent.IsZero() {
		sess.LastEvent = now
	}
	state, err := json.Marshal(sess.State)
	if err != nil {
		return nil, storeErr("insert", tableSessions, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, team_id, conversation_id, agent_id, state, last_event, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TeamID, sess.ConversationID, sess.AgentID, string(state),
		sess.LastEvent.UTC(), sess.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, storeErr("insert", tableSessions, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, state domain.SessionState, agentID string, lastEvent time.Time) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return storeErr("update", tableSessions, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET state = ?, agent_id = ?, last_event = ? WHERE id = ?`,
		string(raw), agentID, lastEvent.UTC(), id,
	)
	if err != nil {
		return storeErr("update", tableSessions, err)
	}
	return nil
}

// --- plugins ---

func (s *SQLiteStore) ListActivePlugins(ctx context.Context, teamID string) ([]domain.Plugin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, team_id, name, niche, tools, prompt_template, active, created_at
		 FROM agent_plugins WHERE team_id = ? AND active = 1
		 ORDER BY created_at, rowid`, teamID,
	)
	if err != nil {
		return nil, storeErr("select", tablePlugins, err)
	}
	defer rows.Close()

	var plugins []domain.Plugin
	for rows.Next() {
		var (
			p         domain.Plugin
			tools     string
			createdAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.TeamID, &p.Name, &p.Niche, &tools, &p.PromptTemplate, &p.Active, &createdAt); err != nil {
			return nil, storeErr("select", tablePlugins, err)
		}
		if tools != "" {
			if err := json.Unmarshal([]byte(tools), &p.Tools); err != nil {
				s.logger.Warn("plugin has malformed tools column", "plugin", p.ID, "err", err)
			}
		}
		p.CreatedAt = createdAt.Time
		plugins = append(plugins, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("select", tablePlugins, err)
	}
	return plugins, nil
}

func (s *SQLiteStore) CreatePlugin(ctx context.Context, p domain.Plugin) (*domain.Plugin, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Tools == nil {
		p.Tools = []domain.ToolKind{}
	}
	tools, err := json.Marshal(p.Tools)
	if err != nil {
		return nil, storeErr("insert", tablePlugins, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_plugins (id, team_id, name, niche, tools, prompt_template, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TeamID, p.Name, p.Niche, string(tools), p.PromptTemplate, p.Active, p.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, storeErr("insert", tablePlugins, err)
	}
	return &p, nil
}

// --- traces ---

func (s *SQLiteStore) InsertTrace(ctx context.Context, rec domain.TraceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_events (id, session_id, tool_called, input, output, success, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, string(rec.ToolCalled), nullableJSON(rec.Input), nullableJSON(rec.Output),
		rec.Success, rec.Timestamp.UTC(),
	)
	if err != nil {
		return storeErr("insert", tableEvents, err)
	}
	return nil
}

func (s *SQLiteStore) ListTraces(ctx context.Context, sessionID string, limit int) ([]domain.TraceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, tool_called, input, output, success, timestamp
		 FROM agent_events WHERE session_id = ?
		 ORDER BY timestamp, rowid LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, storeErr("select", tableEvents, err)
	}
	defer rows.Close()

	var out []domain.TraceRecord
	for rows.Next() {
		var (
			rec           domain.TraceRecord
			tool          string
			input, output sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &tool, &input, &output, &rec.Success, &rec.Timestamp); err != nil {
			return nil, storeErr("select", tableEvents, err)
		}
		rec.ToolCalled = domain.ToolKind(tool)
		if input.Valid {
			rec.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			rec.Output = json.RawMessage(output.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("select", tableEvents, err)
	}
	return out, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// --- conversations ---

func (s *SQLiteStore) ListColdLeads(ctx context.Context, teamID string, createdBefore time.Time) ([]domain.ConversationRef, error) {
	return s.queryConversations(ctx,
		`SELECT id, team_id, lead_id, status, score, created_at FROM conversations
		 WHERE team_id = ? AND status = 'lead' AND created_at < ?
		 ORDER BY created_at`, teamID, createdBefore.UTC(),
	)
}

func (s *SQLiteStore) ListNegativeSentiment(ctx context.Context, teamID string, scoreBelow int) ([]domain.ConversationRef, error) {
	return s.queryConversations(ctx,
		`SELECT id, team_id, lead_id, status, score, created_at FROM conversations
		 WHERE team_id = ? AND score < ?
		 ORDER BY created_at`, teamID, scoreBelow,
	)
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]domain.ConversationRef, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("select", tableConversations, err)
	}
	defer rows.Close()

	var out []domain.ConversationRef
	for rows.Next() {
		var (
			c         domain.ConversationRef
			createdAt sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.TeamID, &c.LeadID, &c.Status, &c.Score, &createdAt); err != nil {
			return nil, storeErr("select", tableConversations, err)
		}
		c.CreatedAt = createdAt.Time
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("select", tableConversations, err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, c domain.ConversationRef) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = "open"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, team_id, lead_id, status, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   team_id = excluded.team_id,
		   lead_id = excluded.lead_id,
		   status = excluded.status,
		   score = excluded.score`,
		c.ID, c.TeamID, c.LeadID, c.Status, c.Score, c.CreatedAt.UTC(),
	)
	if err != nil {
		return storeErr("insert", tableConversations, err)
	}
	return nil
}
