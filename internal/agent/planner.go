package agent

import "alfred/internal/domain"

// Well-known triggers.
const (
	TriggerColdLead          = "cold-lead"
	TriggerSentimentNegative = "sentiment-negative"
)

const (
	coldLeadFallback     = "Lead sem resposta há 48h."
	negativeFallback     = "Cliente insatisfeito."
	followUpTaskTitle    = "Follow up lead frio"
	followUpTaskDesc     = "Lead sem resposta há mais de 48h."
	followUpTaskPriority = "medium"
)

// BuildPlan derives the ordered tool steps for an event. Only tools the agent
// carries are ever planned. An empty plan is valid.
func BuildPlan(ev domain.Event, a *domain.Agent) []domain.Step {
	if a == nil {
		return nil
	}
	plan := []domain.Step{}
	add := func(input domain.ToolInput) {
		if a.Can(input.Kind()) {
			plan = append(plan, domain.NewStep(input))
		}
	}

	if ev.LeadID != "" {
		add(domain.GetLeadInput{LeadID: ev.LeadID})
	}

	switch {
	case ev.Trigger == TriggerColdLead:
		add(domain.SuggestReplyInput{Message: orDefault(ev.Content, coldLeadFallback)})
		add(domain.SendMessageInput{})
		add(domain.CreateTaskInput{
			Title:          followUpTaskTitle,
			Description:    followUpTaskDesc,
			Priority:       followUpTaskPriority,
			ConversationID: ev.ConversationID,
		})
	case ev.Trigger == TriggerSentimentNegative:
		add(domain.SuggestReplyInput{Message: orDefault(ev.Content, negativeFallback)})
		add(domain.SendMessageInput{})
	case ev.Content != "" && a.Can(domain.ToolSuggestReply):
		add(domain.SuggestReplyInput{Message: ev.Content, ConversationID: ev.ConversationID})
		add(domain.SendMessageInput{})
	}

	if ev.LeadID != "" {
		add(domain.PredictConversionInput{LeadID: ev.LeadID})
	}
	return plan
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
