package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfred/internal/bus"
	"alfred/internal/domain"
)

func TestRunLoop_CompletedRun(t *testing.T) {
	env := newTestEnv(BuiltinAgents())
	env.tools.outputs[domain.ToolSuggestReply] = map[string]any{"reply": "Olá! Posso ajudar?"}

	res, err := env.loop.RunLoop(context.Background(), RunRequest{
		Payload: domain.RawPayload{
			"channel":        "whatsapp",
			"conversationId": "C1",
			"content":        "Oi, tudo bem?",
		},
		TeamID:    "t1",
		AuthToken: "Bearer user-token",
	})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, SalesAgentID, res.AgentID)
	assert.Equal(t, "C1", res.SessionID)
	require.Len(t, res.Results, 2)
	assert.Equal(t, domain.SendMessageInput{ConversationID: "C1", Message: "Olá! Posso ajudar?"}, res.Results[1].Input)
	assert.Equal(t, []string{"Bearer user-token"}, env.toolset.auths)

	sess, err := env.store.GetSession(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, "Olá! Posso ajudar?", sess.State.LastSuggestedReply)
	assert.Equal(t, "t1", sess.TeamID)
}

func TestRunLoop_EmptyPlanStillCompletes(t *testing.T) {
	env := newTestEnv(BuiltinAgents())

	res, err := env.loop.RunLoop(context.Background(), RunRequest{Payload: domain.RawPayload{}})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Empty(t, res.Results)
	assert.NotEmpty(t, res.SessionID)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "completed", wire["status"])
	assert.Equal(t, []any{}, wire["results"])
}

func TestRunLoop_NoAgent(t *testing.T) {
	env := newTestEnv(nil)

	res, err := env.loop.RunLoop(context.Background(), RunRequest{
		Payload: domain.RawPayload{"trigger": "cold-lead", "conversationId": "C1"},
	})
	require.NoError(t, err)
	assert.Equal(t, RunNoAgent, res.Status)
	assert.Equal(t, "cold-lead", res.Event.Trigger)
	assert.Zero(t, env.store.creates)
	assert.Empty(t, env.tools.Calls())

	data, err := json.Marshal(res)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "no-agent", wire["status"])
	assert.NotContains(t, wire, "results")
	assert.Contains(t, wire, "event")
}

func TestRunLoop_StoreErrorsAbort(t *testing.T) {
	t.Run("plugins", func(t *testing.T) {
		env := newTestEnv(BuiltinAgents())
		env.store.failPlugins = true
		res, err := env.loop.RunLoop(context.Background(), RunRequest{Payload: domain.RawPayload{"content": "x"}, TeamID: "t1"})
		assert.Nil(t, res)
		var se *domain.StoreError
		require.True(t, errors.As(err, &se))
		assert.Empty(t, env.tools.Calls())
	})

	t.Run("session", func(t *testing.T) {
		env := newTestEnv(BuiltinAgents())
		env.store.failGet = true
		res, err := env.loop.RunLoop(context.Background(), RunRequest{Payload: domain.RawPayload{"content": "x", "sessionId": "S1"}})
		assert.Nil(t, res)
		var se *domain.StoreError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "agent_sessions", se.Table)
		assert.Empty(t, env.tools.Calls())
	})
}

func TestRunLoop_StateSaveFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(BuiltinAgents())
	env.store.failUpdate = true

	res, err := env.loop.RunLoop(context.Background(), RunRequest{Payload: domain.RawPayload{"content": "x"}})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Len(t, res.Results, 2)
}

func TestRunLoop_PluginsExtendAgentPerTeam(t *testing.T) {
	base := domain.Agent{ID: "lean", Tools: []domain.ToolKind{"sendMessage"}, Triggers: []string{"manual"}}
	env := newTestEnv([]domain.Agent{base})
	env.tools.outputs[domain.ToolSuggestReply] = map[string]any{"reply": "r"}

	_, err := NewPluginComposer(env.store, testLogger()).CreatePlugin(context.Background(), "t1", PluginInput{
		Name:  "ai-replies",
		Tools: []domain.ToolKind{"suggestReply"},
	})
	require.NoError(t, err)

	payload := domain.RawPayload{"content": "preciso de ajuda", "conversationId": "C1"}

	res, err := env.loop.RunLoop(context.Background(), RunRequest{Payload: payload, TeamID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []domain.ToolKind{"suggestReply", "sendMessage"}, resultKinds(res))

	res, err = env.loop.RunLoop(context.Background(), RunRequest{Payload: payload, TeamID: "t2", SessionID: "other"})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestRunLoop_SessionStateCarriesAcrossRuns(t *testing.T) {
	agentNoSuggest := domain.Agent{ID: "a", Tools: []domain.ToolKind{"suggestReply", "sendMessage"}, Triggers: []string{"manual"}}
	env := newTestEnv([]domain.Agent{agentNoSuggest})
	env.tools.outputs[domain.ToolSuggestReply] = map[string]any{"reply": "primeira"}

	_, err := env.loop.RunLoop(context.Background(), RunRequest{Payload: domain.RawPayload{"content": "a", "sessionId": "S1"}})
	require.NoError(t, err)

	// Second run: suggestReply fails so sendMessage falls back to the saved draft.
	env.tools.errs[domain.ToolSuggestReply] = errors.New("rate limited")
	res, err := env.loop.RunLoop(context.Background(), RunRequest{Payload: domain.RawPayload{"content": "b", "sessionId": "S1", "conversationId": "C1"}})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Success)
	assert.Equal(t, domain.SendMessageInput{ConversationID: "C1", Message: "primeira"}, res.Results[1].Input)
	assert.Equal(t, 1, env.store.creates)
}

func TestRunLoop_RequestSessionOverridesEvent(t *testing.T) {
	env := newTestEnv(BuiltinAgents())
	res, err := env.loop.RunLoop(context.Background(), RunRequest{
		Payload:   domain.RawPayload{"sessionId": "from-event"},
		SessionID: "from-request",
	})
	require.NoError(t, err)
	assert.Equal(t, "from-request", res.SessionID)
}

func TestHandleGateway_DefaultsChannel(t *testing.T) {
	env := newTestEnv(BuiltinAgents())
	res, err := env.loop.HandleGateway(context.Background(), domain.RawPayload{"content": "oi"}, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", res.Event.Channel)
}

func TestRunLoop_EmitsLifecycleEvents(t *testing.T) {
	env := newTestEnv(BuiltinAgents())
	var mu sync.Mutex
	var types []string
	env.events.On("*", func(e bus.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	_, err := env.loop.RunLoop(context.Background(), RunRequest{Payload: domain.RawPayload{"leadId": "L1"}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		bus.EventRunStarted,
		bus.EventToolExecuted,
		bus.EventToolExecuted,
		bus.EventRunCompleted,
	}, types)
}

func TestRunResult_Failed(t *testing.T) {
	res := &RunResult{Results: []domain.StepResult{{Success: true}, {Success: false}, {Success: false}}}
	assert.Equal(t, 2, res.Failed())
}

func TestLoop_RunConsumesInbound(t *testing.T) {
	env := newTestEnv(BuiltinAgents())
	done := make(chan struct{})
	env.events.On(bus.EventRunCompleted, func(bus.Event) { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.loop.Run(ctx)

	require.NoError(t, env.inbound.Publish(domain.InboundEvent{
		Payload:   domain.RawPayload{"content": "oi", "conversationId": "C1"},
		TeamID:    "t1",
		AuthToken: "Bearer x",
		Source:    "telegram",
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound event was not processed")
	}

	sess, err := env.store.GetSession(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.TeamID)
}

func TestLoop_RunStopsWhenBusCloses(t *testing.T) {
	env := newTestEnv(BuiltinAgents())
	stopped := make(chan struct{})
	go func() {
		env.loop.Run(context.Background())
		close(stopped)
	}()
	env.inbound.Close()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

// gatedDispatcher holds the first tool call until released.
type gatedDispatcher struct {
	*recordingDispatcher
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, input domain.ToolInput) (any, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
	return g.recordingDispatcher.Dispatch(ctx, input)
}

func TestLoop_RunWaitsForInFlightRuns(t *testing.T) {
	env := newTestEnv(BuiltinAgents())
	gate := &gatedDispatcher{
		recordingDispatcher: env.tools,
		started:             make(chan struct{}),
		release:             make(chan struct{}),
	}
	env.toolset.d = gate

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		env.loop.Run(ctx)
		close(stopped)
	}()

	require.NoError(t, env.inbound.Publish(domain.InboundEvent{
		Payload:   domain.RawPayload{"trigger": "cold-lead", "leadId": "L1", "conversationId": "C1"},
		TeamID:    "t1",
		AuthToken: "Bearer x",
		Source:    "nats",
	}))

	select {
	case <-gate.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
	}
	cancel()

	select {
	case <-stopped:
		t.Fatal("Run returned while a run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	calls := env.tools.Calls()
	require.NotEmpty(t, calls)
	traces, err := env.store.ListTraces(context.Background(), "C1", 100)
	require.NoError(t, err)
	assert.Len(t, traces, len(calls))
}

func resultKinds(res *RunResult) []domain.ToolKind {
	out := make([]domain.ToolKind, len(res.Results))
	for i, r := range res.Results {
		out[i] = r.Tool
	}
	return out
}
