package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"alfred/internal/bus"
	"alfred/internal/domain"
)

const sendMessageFallback = "Posso ajudar com algo?"

// Output fields a suggestReply response may carry the draft under, by priority.
var replyFields = []string{"reply", "suggestion", "message"}

// StepFailure is the output recorded for a failed step.
type StepFailure struct {
	Error   string `json:"error"`
	Payload any    `json:"payload,omitempty"`
}

// StepState is the lifecycle of one step within a run.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
)

// ExecutorConfig holds the executor's dependencies.
type ExecutorConfig struct {
	Traces domain.TraceStore
	Events *bus.EventBus // optional
	Logger *slog.Logger
}

// Executor runs a plan's steps strictly in order, isolating step failures.
type Executor struct {
	traces domain.TraceStore
	events *bus.EventBus
	logger *slog.Logger
	now    func() time.Time
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		traces: cfg.Traces,
		events: cfg.Events,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Execution is one run's plan with everything the steps need.
type Execution struct {
	SessionID string
	AgentID   string
	Event     domain.Event
	Plan      []domain.Step
	State     *domain.SessionState // updated in place as steps complete
	Tools     domain.Dispatcher
}

// Execute runs every step and returns one result per step in plan order.
// A failing step is recorded and the next step still runs. Each step's
// trace record is written before the next step starts.
func (e *Executor) Execute(ctx context.Context, ex Execution) []domain.StepResult {
	if ex.State == nil {
		ex.State = &domain.SessionState{}
	}
	results := make([]domain.StepResult, 0, len(ex.Plan))
	for i, step := range ex.Plan {
		results = append(results, e.runStep(ctx, ex, i, step))
	}
	return results
}

func (e *Executor) runStep(ctx context.Context, ex Execution, index int, step domain.Step) domain.StepResult {
	input := step.Input
	if step.Tool == domain.ToolSendMessage {
		input = patchSendMessage(input, ex.Event, *ex.State)
	}

	e.logger.Debug("step transition", "session", ex.SessionID, "tool", step.Tool, "index", index, "state", StepRunning)
	stepCtx, span := startStepSpan(ctx, step.Tool, index)
	start := e.now()

	var (
		output any
		err    error
	)
	if ex.Tools == nil {
		err = domain.ErrToolNotRegistered
	} else if input == nil || input.Kind() != step.Tool {
		err = errors.Join(domain.ErrToolNotRegistered, errors.New("step input does not match its tool"))
	} else {
		output, err = ex.Tools.Dispatch(stepCtx, input)
	}
	endStepSpan(span, err)

	success := err == nil
	state := StepSucceeded
	if success {
		if step.Tool == domain.ToolSuggestReply {
			ex.State.LastSuggestedReply = extractReply(output)
		}
	} else {
		state = StepFailed
		output = failureOutput(err)
		e.logger.Warn("tool step failed",
			"session", ex.SessionID,
			"tool", step.Tool,
			"index", index,
			"err", err,
		)
	}
	elapsed := e.now().Sub(start)
	e.logger.Debug("step transition", "session", ex.SessionID, "tool", step.Tool, "index", index, "state", state, "duration", elapsed)

	e.writeTrace(ctx, ex.SessionID, step.Tool, input, output, success)

	e.events.Emit(bus.Event{
		Type:   bus.EventToolExecuted,
		Source: "executor",
		Payload: map[string]any{
			"session":  ex.SessionID,
			"agent":    ex.AgentID,
			"tool":     string(step.Tool),
			"success":  success,
			"state":    string(state),
			"duration": elapsed,
		},
	})

	return domain.StepResult{Tool: step.Tool, Input: input, Output: output, Success: success}
}

// writeTrace persists the audit record. It survives caller cancellation so a
// started step is always traced; a failed write is logged and not retried.
func (e *Executor) writeTrace(ctx context.Context, sessionID string, kind domain.ToolKind, input domain.ToolInput, output any, success bool) {
	if e.traces == nil {
		return
	}
	rec := domain.TraceRecord{
		SessionID:  sessionID,
		ToolCalled: kind,
		Input:      marshalOrNull(input),
		Output:     marshalOrNull(output),
		Success:    success,
		Timestamp:  e.now(),
	}
	if err := e.traces.InsertTrace(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("trace write failed", "session", sessionID, "tool", kind, "err", err)
		e.events.Emit(bus.Event{
			Type:    bus.EventTraceFailed,
			Source:  "executor",
			Payload: map[string]any{"session": sessionID, "tool": string(kind)},
		})
	}
}

// patchSendMessage targets the event's conversation and picks the message:
// the last suggested reply, else the step's own message, else a fallback.
func patchSendMessage(input domain.ToolInput, ev domain.Event, state domain.SessionState) domain.ToolInput {
	in, _ := input.(domain.SendMessageInput)
	in.ConversationID = ev.ConversationID
	switch {
	case state.LastSuggestedReply != "":
		in.Message = state.LastSuggestedReply
	case in.Message != "":
	default:
		in.Message = sendMessageFallback
	}
	return in
}

// extractReply reads the draft from a suggestReply output. Outputs without
// a usable field yield "".
func extractReply(output any) string {
	m, ok := output.(map[string]any)
	if !ok {
		return ""
	}
	for _, field := range replyFields {
		if s := scalarString(m[field]); s != "" {
			return s
		}
	}
	return ""
}

func failureOutput(err error) StepFailure {
	var te *domain.ToolError
	if errors.As(err, &te) {
		return StepFailure{Error: te.Message, Payload: te.Payload}
	}
	return StepFailure{Error: err.Error()}
}

func marshalOrNull(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
