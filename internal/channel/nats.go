package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"alfred/internal/bus"
	"alfred/internal/domain"
)

const sourceNATS = "nats"

// Message headers the NATS adapter reads.
const (
	HeaderTeamID    = "Team-Id"
	HeaderSessionID = "Session-Id"
	HeaderAuth      = "Authorization"
)

// natsEnvelope is the optional wrapped message form. A body without an
// "event" object is treated as the payload itself.
type natsEnvelope struct {
	Event     domain.RawPayload `json:"event"`
	SessionID string            `json:"sessionId"`
	TeamID    string            `json:"teamId"`
	AuthToken string            `json:"authToken"`
}

// NATS consumes inbound payloads from a queue group so several engine
// replicas share one subject.
type NATS struct {
	url     string
	subject string
	queue   string
	teamID  string

	conn   *nats.Conn
	sub    *nats.Subscription
	pub    Publisher
	events *bus.EventBus
	logger *slog.Logger
}

type NATSConfig struct {
	URL       string
	Subject   string
	Queue     string
	TeamID    string // used when a message names no team
	Publisher Publisher
	Events    *bus.EventBus
	Logger    *slog.Logger
}

func NewNATS(cfg NATSConfig) *NATS {
	return &NATS{
		url:     cfg.URL,
		subject: cfg.Subject,
		queue:   cfg.Queue,
		teamID:  cfg.TeamID,
		pub:     cfg.Publisher,
		events:  cfg.Events,
		logger:  cfg.Logger,
	}
}

func (n *NATS) Name() string { return sourceNATS }

// Start connects, subscribes and blocks until ctx is cancelled, then drains
// the subscription so in-flight messages are delivered.
func (n *NATS) Start(ctx context.Context) error {
	conn, err := nats.Connect(n.url,
		nats.Name("alfred"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	n.conn = conn

	sub, err := conn.QueueSubscribe(n.subject, n.queue, n.handleMsg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("nats subscribe %s: %w", n.subject, err)
	}
	n.sub = sub
	n.logger.Info("nats subscription started", "subject", n.subject, "queue", n.queue)

	<-ctx.Done()
	n.logger.Info("nats channel stopping")
	if err := conn.Drain(); err != nil {
		n.logger.Warn("nats drain failed", "err", err)
		conn.Close()
	}
	return nil
}

func (n *NATS) handleMsg(msg *nats.Msg) {
	ev, err := n.decode(msg)
	if err != nil {
		n.logger.Warn("invalid nats message", "subject", msg.Subject, "err", err)
		return
	}
	if err := publish(n.pub, n.events, n.logger, ev); err != nil {
		return
	}
	if msg.Reply != "" {
		if err := msg.Respond([]byte(`{"accepted":true}`)); err != nil {
			n.logger.Warn("nats ack failed", "err", err)
		}
	}
}

func (n *NATS) decode(msg *nats.Msg) (domain.InboundEvent, error) {
	ev := domain.InboundEvent{Payload: domain.RawPayload{}, Source: sourceNATS}

	if data := bytes.TrimSpace(msg.Data); len(data) > 0 {
		var body domain.RawPayload
		if err := json.Unmarshal(data, &body); err != nil {
			return ev, fmt.Errorf("decode payload: %w", err)
		}
		ev.Payload = body
		if _, wrapped := body["event"].(map[string]any); wrapped {
			var env natsEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				return ev, fmt.Errorf("decode envelope: %w", err)
			}
			ev.Payload = env.Event
			ev.SessionID = env.SessionID
			ev.TeamID = env.TeamID
			ev.AuthToken = env.AuthToken
		}
	}

	if msg.Header != nil {
		if v := msg.Header.Get(HeaderTeamID); v != "" {
			ev.TeamID = v
		}
		if v := msg.Header.Get(HeaderSessionID); v != "" {
			ev.SessionID = v
		}
		if v := msg.Header.Get(HeaderAuth); v != "" {
			ev.AuthToken = v
		}
	}
	if ev.TeamID == "" {
		ev.TeamID = n.teamID
	}
	return ev, nil
}
