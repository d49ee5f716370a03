package domain

import (
	"encoding/json"
	"time"
)

// SessionState is the scratchpad carried between tool steps and between runs.
type SessionState struct {
	LastSuggestedReply string `json:"lastSuggestedReply,omitempty"`
}

// Session is one conversation's agent state.
type Session struct {
	ID             string       `json:"id"`
	TeamID         string       `json:"team_id,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	AgentID        string       `json:"agent_id,omitempty"`
	State          SessionState `json:"state"`
	LastEvent      time.Time    `json:"last_event"`
	CreatedAt      time.Time    `json:"created_at"`
}

// TraceRecord is the append-only audit row written once per executed step.
type TraceRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	ToolCalled ToolKind        `json:"tool_called"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output"`
	Success    bool            `json:"success"`
	Timestamp  time.Time       `json:"timestamp"`
}
