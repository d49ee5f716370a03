package domain

import "context"

// ToolKind names a remote capability. The set of kinds the engine can plan and
// dispatch is closed; plugins may still advertise other names, which are
// carried on the effective agent but never planned.
type ToolKind string

const (
	ToolSendMessage       ToolKind = "sendMessage"
	ToolCreateTask        ToolKind = "createTask"
	ToolGetLead           ToolKind = "getLead"
	ToolSuggestReply      ToolKind = "suggestReply"
	ToolCreateFlow        ToolKind = "createFlow"
	ToolPredictConversion ToolKind = "predictConversion"
)

// KnownTools lists every dispatchable tool kind.
var KnownTools = []ToolKind{
	ToolSendMessage,
	ToolCreateTask,
	ToolGetLead,
	ToolSuggestReply,
	ToolCreateFlow,
	ToolPredictConversion,
}

// Known reports whether k is one of the dispatchable kinds.
func (k ToolKind) Known() bool {
	for _, t := range KnownTools {
		if t == k {
			return true
		}
	}
	return false
}

// ToolInput is the typed input of one tool variant.
type ToolInput interface {
	Kind() ToolKind
}

type SendMessageInput struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type CreateTaskInput struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Priority       string `json:"priority"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type GetLeadInput struct {
	LeadID string `json:"leadId"`
}

type SuggestReplyInput struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

type CreateFlowInput struct {
	Prompt string `json:"prompt"`
}

type PredictConversionInput struct {
	LeadID string `json:"leadId"`
}

func (SendMessageInput) Kind() ToolKind       { return ToolSendMessage }
func (CreateTaskInput) Kind() ToolKind        { return ToolCreateTask }
func (GetLeadInput) Kind() ToolKind           { return ToolGetLead }
func (SuggestReplyInput) Kind() ToolKind      { return ToolSuggestReply }
func (CreateFlowInput) Kind() ToolKind        { return ToolCreateFlow }
func (PredictConversionInput) Kind() ToolKind { return ToolPredictConversion }

// Step is one planned tool invocation.
type Step struct {
	Tool  ToolKind  `json:"tool"`
	Input ToolInput `json:"input"`
}

// NewStep builds a step whose tool is derived from the input variant.
func NewStep(input ToolInput) Step {
	return Step{Tool: input.Kind(), Input: input}
}

// StepResult is the outcome of one executed step, in plan order.
type StepResult struct {
	Tool    ToolKind  `json:"tool"`
	Input   ToolInput `json:"input"`
	Output  any       `json:"output"`
	Success bool      `json:"success"`
}

// Tool is a remote capability the engine invokes but does not implement.
type Tool interface {
	Kind() ToolKind
	Execute(ctx context.Context, input ToolInput) (any, error)
}

// Dispatcher invokes tools by kind. A run gets its own dispatcher with the
// caller's auth token bound in.
type Dispatcher interface {
	Dispatch(ctx context.Context, input ToolInput) (any, error)
}
