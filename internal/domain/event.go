package domain

import "time"

// RawPayload is an inbound payload as received from a channel, webhook or trigger.
type RawPayload map[string]any

// Event is the canonical shape every inbound payload is normalized into.
type Event struct {
	Channel        string     `json:"channel"`
	SessionID      string     `json:"sessionId,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	LeadID         string     `json:"leadId,omitempty"`
	Trigger        string     `json:"trigger,omitempty"`
	From           string     `json:"from,omitempty"`
	Content        string     `json:"content"`
	Attachments    []any      `json:"attachments"`
	Timestamp      time.Time  `json:"timestamp"`
	Raw            RawPayload `json:"raw"`
}

// InboundEvent is a unit of work published on the inbound bus.
type InboundEvent struct {
	Payload   RawPayload
	SessionID string
	TeamID    string
	AuthToken string
	Source    string // telegram | nats | http | cron
}

// ConversationRef is the CRM read model the cron triggers fan out over.
type ConversationRef struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	LeadID    string    `json:"lead_id,omitempty"`
	Status    string    `json:"status"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}
