package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"alfred/internal/bus"
	"alfred/internal/domain"
)

// Cron trigger names.
const (
	CronLeadsCold         = "leads-cold"
	CronSentimentNegative = "sentiment-negative"
)

const (
	coldLeadAge            = 48 * time.Hour
	negativeScoreThreshold = 40
	coldLeadContent        = "Lead sem resposta há 48h."
	negativeContent        = "Sinal de sentimento negativo detectado."
)

// CronTriggers lists the trigger names HandleCron understands.
var CronTriggers = []string{CronLeadsCold, CronSentimentNegative}

// CronResult reports one trigger fan-out.
type CronResult struct {
	Trigger string       `json:"trigger"`
	Handled int          `json:"handled"`
	Results []*RunResult `json:"results"`
}

// TriggerRunner turns a named cron trigger into one run per matching
// conversation.
type TriggerRunner struct {
	loop          *Loop
	conversations domain.ConversationStore
	events        *bus.EventBus
	logger        *slog.Logger
	now           func() time.Time
}

func NewTriggerRunner(loop *Loop, conversations domain.ConversationStore, events *bus.EventBus, logger *slog.Logger) *TriggerRunner {
	return &TriggerRunner{
		loop:          loop,
		conversations: conversations,
		events:        events,
		logger:        logger,
		now:           time.Now,
	}
}

// HandleCron fans trigger out over the team's matching conversations and
// runs them one after another. Unknown triggers match nothing.
func (tr *TriggerRunner) HandleCron(ctx context.Context, trigger, teamID, authToken string) (*CronResult, error) {
	payloads, err := tr.eventsFor(ctx, trigger, teamID)
	if err != nil {
		return nil, err
	}

	out := &CronResult{Trigger: trigger, Results: []*RunResult{}}
	for _, p := range payloads {
		res, err := tr.loop.RunLoop(ctx, RunRequest{Payload: p, TeamID: teamID, AuthToken: authToken})
		if err != nil {
			return nil, fmt.Errorf("cron %s: conversation %v: %w", trigger, p["conversationId"], err)
		}
		out.Results = append(out.Results, res)
	}
	out.Handled = len(out.Results)

	tr.events.Emit(bus.Event{
		Type:    bus.EventCronFired,
		Source:  "cron",
		Payload: map[string]any{"trigger": trigger, "team": teamID, "handled": out.Handled},
	})
	tr.logger.Info("cron trigger handled", "trigger", trigger, "team", teamID, "handled", out.Handled)
	return out, nil
}

// eventsFor builds one raw payload per conversation the trigger applies to.
func (tr *TriggerRunner) eventsFor(ctx context.Context, trigger, teamID string) ([]domain.RawPayload, error) {
	var (
		convs    []domain.ConversationRef
		err      error
		evTrig   string
		contents string
	)
	switch trigger {
	case CronLeadsCold:
		convs, err = tr.conversations.ListColdLeads(ctx, teamID, tr.now().Add(-coldLeadAge))
		evTrig, contents = TriggerColdLead, coldLeadContent
	case CronSentimentNegative:
		convs, err = tr.conversations.ListNegativeSentiment(ctx, teamID, negativeScoreThreshold)
		evTrig, contents = TriggerSentimentNegative, negativeContent
	default:
		tr.logger.Warn("unknown cron trigger", "trigger", trigger)
		return nil, nil
	}
	if err != nil {
		return nil, asStoreError("select", "conversations", err)
	}

	payloads := make([]domain.RawPayload, 0, len(convs))
	for _, c := range convs {
		p := domain.RawPayload{
			"trigger":        evTrig,
			"conversationId": c.ID,
			"content":        contents,
		}
		if c.LeadID != "" {
			p["leadId"] = c.LeadID
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}
