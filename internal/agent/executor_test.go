package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"alfred/internal/bus"
	"alfred/internal/domain"
)

func newTestExecutor(st domain.TraceStore, events *bus.EventBus) *Executor {
	return NewExecutor(ExecutorConfig{Traces: st, Events: events, Logger: testLogger()})
}

func TestExecute_FailureIsIsolated(t *testing.T) {
	st := newFaultyStore()
	tools := newRecordingDispatcher()
	tools.outputs[domain.ToolGetLead] = map[string]any{"id": "L1"}
	tools.errs[domain.ToolSuggestReply] = &domain.ToolError{Tool: domain.ToolSuggestReply, Status: 500, Message: "upstream down"}
	tools.outputs[domain.ToolSendMessage] = map[string]any{"ok": true}

	plan := []domain.Step{
		domain.NewStep(domain.GetLeadInput{LeadID: "L1"}),
		domain.NewStep(domain.SuggestReplyInput{Message: "oi"}),
		domain.NewStep(domain.SendMessageInput{}),
	}
	results := newTestExecutor(st, nil).Execute(context.Background(), Execution{
		SessionID: "S1",
		Event:     domain.Event{ConversationID: "C1"},
		Plan:      plan,
		Tools:     tools,
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Equal(t, StepFailure{Error: "upstream down"}, results[1].Output)
	assert.Equal(t, domain.SendMessageInput{ConversationID: "C1", Message: "Posso ajudar com algo?"}, results[2].Input)

	traces, err := st.ListTraces(context.Background(), "S1", 0)
	require.NoError(t, err)
	require.Len(t, traces, 3)
	for i, rec := range traces {
		assert.Equal(t, plan[i].Tool, rec.ToolCalled)
		assert.Equal(t, results[i].Success, rec.Success)
	}
	assert.JSONEq(t, `{"error":"upstream down"}`, string(traces[1].Output))
	assert.JSONEq(t, `{"conversationId":"C1","message":"Posso ajudar com algo?"}`, string(traces[2].Input))
}

func TestExecute_SuggestedReplyFeedsSendMessage(t *testing.T) {
	tools := newRecordingDispatcher()
	tools.outputs[domain.ToolSuggestReply] = map[string]any{"suggestion": "Podemos agendar uma visita?"}

	state := domain.SessionState{}
	results := newTestExecutor(newFaultyStore(), nil).Execute(context.Background(), Execution{
		SessionID: "S1",
		Event:     domain.Event{ConversationID: "C1"},
		Plan: []domain.Step{
			domain.NewStep(domain.SuggestReplyInput{Message: "oi"}),
			domain.NewStep(domain.SendMessageInput{Message: "ignored"}),
		},
		State: &state,
		Tools: tools,
	})

	require.Len(t, results, 2)
	assert.Equal(t, "Podemos agendar uma visita?", state.LastSuggestedReply)
	calls := tools.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, domain.SendMessageInput{ConversationID: "C1", Message: "Podemos agendar uma visita?"}, calls[1])
}

func TestPatchSendMessage(t *testing.T) {
	ev := domain.Event{ConversationID: "C2"}

	got := patchSendMessage(domain.SendMessageInput{ConversationID: "other", Message: "own"}, ev, domain.SessionState{})
	assert.Equal(t, domain.SendMessageInput{ConversationID: "C2", Message: "own"}, got)

	got = patchSendMessage(domain.SendMessageInput{}, ev, domain.SessionState{LastSuggestedReply: "draft"})
	assert.Equal(t, domain.SendMessageInput{ConversationID: "C2", Message: "draft"}, got)

	got = patchSendMessage(domain.SendMessageInput{}, domain.Event{}, domain.SessionState{})
	assert.Equal(t, domain.SendMessageInput{Message: "Posso ajudar com algo?"}, got)
}

func TestExtractReply(t *testing.T) {
	cases := []struct {
		name   string
		output any
		want   string
	}{
		{"reply first", map[string]any{"reply": "a", "suggestion": "b", "message": "c"}, "a"},
		{"suggestion next", map[string]any{"suggestion": "b", "message": "c"}, "b"},
		{"message last", map[string]any{"message": "c"}, "c"},
		{"empty reply skipped", map[string]any{"reply": "", "message": "c"}, "c"},
		{"nothing usable", map[string]any{"other": "x"}, ""},
		{"not an object", "plain", ""},
		{"nil", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractReply(tc.output))
		})
	}
}

func TestExecute_EmptySuggestionClearsDraft(t *testing.T) {
	tools := newRecordingDispatcher()
	tools.outputs[domain.ToolSuggestReply] = map[string]any{"unrelated": true}

	state := domain.SessionState{LastSuggestedReply: "stale"}
	newTestExecutor(newFaultyStore(), nil).Execute(context.Background(), Execution{
		Plan:  []domain.Step{domain.NewStep(domain.SuggestReplyInput{Message: "oi"})},
		State: &state,
		Tools: tools,
	})
	assert.Empty(t, state.LastSuggestedReply)
}

func TestExecute_FailedSuggestionKeepsDraft(t *testing.T) {
	tools := newRecordingDispatcher()
	tools.errs[domain.ToolSuggestReply] = errors.New("boom")

	state := domain.SessionState{LastSuggestedReply: "previous"}
	results := newTestExecutor(newFaultyStore(), nil).Execute(context.Background(), Execution{
		Plan:  []domain.Step{domain.NewStep(domain.SuggestReplyInput{Message: "oi"})},
		State: &state,
		Tools: tools,
	})
	assert.Equal(t, "previous", state.LastSuggestedReply)
	assert.Equal(t, StepFailure{Error: "boom"}, results[0].Output)
}

func TestExecute_ToolErrorPayloadRecorded(t *testing.T) {
	st := newFaultyStore()
	d := new(mockDispatcher)
	d.On("Dispatch", mock.Anything, domain.CreateFlowInput{Prompt: "p"}).
		Return(nil, &domain.ToolError{Tool: domain.ToolCreateFlow, Status: 422, Message: "invalid prompt", Payload: map[string]any{"field": "prompt"}}).
		Once()

	results := newTestExecutor(st, nil).Execute(context.Background(), Execution{
		SessionID: "S1",
		Plan:      []domain.Step{domain.NewStep(domain.CreateFlowInput{Prompt: "p"})},
		Tools:     d,
	})

	d.AssertExpectations(t)
	require.Len(t, results, 1)
	assert.Equal(t, StepFailure{Error: "invalid prompt", Payload: map[string]any{"field": "prompt"}}, results[0].Output)

	traces, _ := st.ListTraces(context.Background(), "S1", 0)
	require.Len(t, traces, 1)
	assert.JSONEq(t, `{"error":"invalid prompt","payload":{"field":"prompt"}}`, string(traces[0].Output))
	assert.False(t, traces[0].Success)
}

func TestExecute_UnregisteredTool(t *testing.T) {
	results := newTestExecutor(newFaultyStore(), nil).Execute(context.Background(), Execution{
		Plan: []domain.Step{domain.NewStep(domain.GetLeadInput{LeadID: "L1"})},
	})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, StepFailure{Error: domain.ErrToolNotRegistered.Error()}, results[0].Output)

	// A step whose input belongs to another tool is never dispatched.
	d := new(mockDispatcher)
	results = newTestExecutor(newFaultyStore(), nil).Execute(context.Background(), Execution{
		Plan:  []domain.Step{{Tool: domain.ToolGetLead, Input: domain.CreateFlowInput{Prompt: "x"}}},
		Tools: d,
	})
	assert.False(t, results[0].Success)
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestExecute_TraceFailureDoesNotStopRun(t *testing.T) {
	st := newFaultyStore()
	st.failTrace = true
	events := bus.NewEventBus(testLogger())
	var traceFailures int
	events.On(bus.EventTraceFailed, func(bus.Event) { traceFailures++ })

	tools := newRecordingDispatcher()
	results := newTestExecutor(st, events).Execute(context.Background(), Execution{
		SessionID: "S1",
		Plan: []domain.Step{
			domain.NewStep(domain.GetLeadInput{LeadID: "L1"}),
			domain.NewStep(domain.PredictConversionInput{LeadID: "L1"}),
		},
		Tools: tools,
	})

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Len(t, tools.Calls(), 2)
	assert.Equal(t, 2, traceFailures)
}

func TestExecute_EmitsToolExecuted(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	var seen []map[string]any
	events.On(bus.EventToolExecuted, func(e bus.Event) {
		seen = append(seen, e.Payload)
	})

	tools := newRecordingDispatcher()
	tools.errs[domain.ToolCreateTask] = errors.New("nope")
	newTestExecutor(newFaultyStore(), events).Execute(context.Background(), Execution{
		SessionID: "S1",
		AgentID:   "alfred-sales",
		Plan: []domain.Step{
			domain.NewStep(domain.GetLeadInput{LeadID: "L1"}),
			domain.NewStep(domain.CreateTaskInput{Title: "t"}),
		},
		Tools: tools,
	})

	require.Len(t, seen, 2)
	assert.Equal(t, "getLead", seen[0]["tool"])
	assert.Equal(t, true, seen[0]["success"])
	assert.Equal(t, "failed", seen[1]["state"])
}

func TestExecute_TracesSurviveCancellation(t *testing.T) {
	st := newFaultyStore()
	ctx, cancel := context.WithCancel(context.Background())
	d := new(mockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(map[string]any{"ok": true}, nil)

	newTestExecutor(st, nil).Execute(ctx, Execution{
		SessionID: "S1",
		Plan:      []domain.Step{domain.NewStep(domain.GetLeadInput{LeadID: "L1"})},
		Tools:     d,
	})

	traces, _ := st.ListTraces(context.Background(), "S1", 0)
	require.Len(t, traces, 1)
	var out map[string]any
	require.NoError(t, json.Unmarshal(traces[0].Output, &out))
	assert.Equal(t, true, out["ok"])
}
