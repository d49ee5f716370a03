package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"alfred/internal/bus"
	"alfred/internal/domain"
)

const defaultConcurrency = 4

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunNoAgent   RunStatus = "no-agent"
)

// RunRequest is one invocation of the loop.
type RunRequest struct {
	Payload   domain.RawPayload
	SessionID string // overrides the event's own session id when set
	TeamID    string
	AuthToken string // Authorization header forwarded to tools
	Gateway   bool   // payload came from a channel webhook
}

// RunResult summarizes a run. Completed runs always carry Results, possibly
// empty; no-agent runs carry only the status and event.
type RunResult struct {
	Status    RunStatus
	SessionID string
	AgentID   string
	Event     domain.Event
	Results   []domain.StepResult
}

func (r RunResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		Status    RunStatus            `json:"status"`
		SessionID string               `json:"session_id,omitempty"`
		AgentID   string               `json:"agent_id,omitempty"`
		Event     domain.Event         `json:"event"`
		Results   *[]domain.StepResult `json:"results,omitempty"`
	}
	w := wire{Status: r.Status, SessionID: r.SessionID, AgentID: r.AgentID, Event: r.Event}
	if r.Status == RunCompleted {
		results := r.Results
		if results == nil {
			results = []domain.StepResult{}
		}
		w.Results = &results
	}
	return json.Marshal(w)
}

// Failed counts the failed steps of a run.
func (r *RunResult) Failed() int {
	n := 0
	for _, s := range r.Results {
		if !s.Success {
			n++
		}
	}
	return n
}

// ToolsetFactory builds the per-run tool dispatcher with the caller's auth
// bound in.
type ToolsetFactory interface {
	Dispatcher(authHeader string) domain.Dispatcher
}

// Loop is the orchestration engine: normalize → select agent → ensure
// session → plan → execute → save state.
type Loop struct {
	registry    *Registry
	plugins     *PluginComposer
	sessions    *SessionManager
	executor    *Executor
	tools       ToolsetFactory
	inbound     *bus.InMemoryBus
	events      *bus.EventBus
	logger      *slog.Logger
	concurrency int
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Registry    *Registry
	Plugins     *PluginComposer
	Sessions    *SessionManager
	Executor    *Executor
	Tools       ToolsetFactory
	Inbound     *bus.InMemoryBus // optional, consumed by Run
	Events      *bus.EventBus    // optional
	Logger      *slog.Logger
	Concurrency int // max parallel runs from the inbound bus
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Loop{
		registry:    cfg.Registry,
		plugins:     cfg.Plugins,
		sessions:    cfg.Sessions,
		executor:    cfg.Executor,
		tools:       cfg.Tools,
		inbound:     cfg.Inbound,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// RunLoop handles one inbound payload end to end. It returns an error only
// when the record store fails while loading plugins or the session; tool
// failures are reported inside the result.
func (l *Loop) RunLoop(ctx context.Context, req RunRequest) (res *RunResult, err error) {
	ev := NormalizeEvent(req.Payload)
	if req.Gateway {
		ev = NormalizeGatewayEvent(req.Payload)
	}

	ctx, span := startRunSpan(ctx, ev, req.TeamID)
	start := time.Now()
	defer func() {
		endRunSpan(span, res, err)
		l.emitRunEnd(res, err, time.Since(start))
	}()

	l.events.Emit(bus.Event{
		Type:   bus.EventRunStarted,
		Source: "loop",
		Payload: map[string]any{
			"channel": ev.Channel,
			"trigger": ev.Trigger,
			"team":    req.TeamID,
		},
	})

	plugins, err := l.plugins.ListPlugins(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}
	agent := ApplyPlugins(l.registry.Select(ev.Trigger, ev.Channel), plugins)
	if agent == nil {
		l.logger.Info("no agent for event", "channel", ev.Channel, "trigger", ev.Trigger)
		return &RunResult{Status: RunNoAgent, Event: ev}, nil
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = ev.SessionID
	}
	sess, err := l.sessions.EnsureSession(ctx, SessionRequest{
		SessionID:      sessionID,
		TeamID:         req.TeamID,
		ConversationID: ev.ConversationID,
		AgentID:        agent.ID,
	})
	if err != nil {
		return nil, err
	}

	state := sess.State
	plan := BuildPlan(ev, agent)
	l.logger.Info("running agent",
		"session", sess.ID,
		"agent", agent.ID,
		"plugins", len(agent.Plugins),
		"channel", ev.Channel,
		"trigger", ev.Trigger,
		"steps", len(plan),
	)

	results := l.executor.Execute(ctx, Execution{
		SessionID: sess.ID,
		AgentID:   agent.ID,
		Event:     ev,
		Plan:      plan,
		State:     &state,
		Tools:     l.tools.Dispatcher(req.AuthToken),
	})

	// Tool outputs are already produced; a failed save is logged, not returned.
	if err := l.sessions.UpdateSessionState(context.WithoutCancel(ctx), sess.ID, state, agent.ID); err != nil {
		l.logger.Error("session state save failed", "session", sess.ID, "err", err)
	}

	return &RunResult{
		Status:    RunCompleted,
		SessionID: sess.ID,
		AgentID:   agent.ID,
		Event:     ev,
		Results:   results,
	}, nil
}

// HandleGateway runs a channel webhook payload under the event's own session.
func (l *Loop) HandleGateway(ctx context.Context, payload domain.RawPayload, teamID, authToken string) (*RunResult, error) {
	return l.RunLoop(ctx, RunRequest{
		Payload:   payload,
		TeamID:    teamID,
		AuthToken: authToken,
		Gateway:   true,
	})
}

// Agents returns the base catalogue.
func (l *Loop) Agents() []domain.Agent {
	return l.registry.Agents()
}

// Run consumes the inbound bus and runs each event with bounded concurrency
// until ctx is done or the bus is closed. It returns only after every run it
// started has finished.
func (l *Loop) Run(ctx context.Context) {
	if l.inbound == nil {
		l.logger.Warn("agent loop has no inbound bus")
		return
	}
	l.logger.Info("agent loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.inbound.Subscribe()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping")
			return
		case ev, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound bus closed, agent loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(in domain.InboundEvent) {
				defer wg.Done()
				defer func() { <-sem }()
				l.processInbound(ctx, in)
			}(ev)
		}
	}
}

func (l *Loop) processInbound(ctx context.Context, in domain.InboundEvent) {
	res, err := l.RunLoop(ctx, RunRequest{
		Payload:   in.Payload,
		SessionID: in.SessionID,
		TeamID:    in.TeamID,
		AuthToken: in.AuthToken,
		Gateway:   in.Source != "cron",
	})
	if err != nil {
		var se *domain.StoreError
		if errors.As(err, &se) {
			l.logger.Error("inbound run aborted by store failure", "source", in.Source, "op", se.Op, "table", se.Table, "err", se.Err)
			return
		}
		l.logger.Error("inbound run failed", "source", in.Source, "err", err)
		return
	}
	l.logger.Info("inbound run finished",
		"source", in.Source,
		"status", res.Status,
		"session", res.SessionID,
		"steps", len(res.Results),
		"failed", res.Failed(),
	)
}

func (l *Loop) emitRunEnd(res *RunResult, err error, elapsed time.Duration) {
	if err != nil {
		l.events.Emit(bus.Event{
			Type:    bus.EventRunFailed,
			Source:  "loop",
			Payload: map[string]any{"error": err.Error(), "duration": elapsed},
		})
		return
	}
	l.events.Emit(bus.Event{
		Type:   bus.EventRunCompleted,
		Source: "loop",
		Payload: map[string]any{
			"status":   string(res.Status),
			"session":  res.SessionID,
			"agent":    res.AgentID,
			"steps":    len(res.Results),
			"failed":   res.Failed(),
			"duration": elapsed,
		},
	})
}
