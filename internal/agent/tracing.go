// Package agent selects, plans and executes CRM agent runs.
package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"alfred/internal/domain"
)

const tracerName = "alfred/internal/agent"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startRunSpan starts a span for one loop run.
func startRunSpan(ctx context.Context, ev domain.Event, teamID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "agent.run")
	span.SetAttributes(
		attribute.String("event.channel", ev.Channel),
		attribute.String("event.trigger", ev.Trigger),
		attribute.String("event.conversation_id", ev.ConversationID),
		attribute.String("team.id", teamID),
	)
	return ctx, span
}

// endRunSpan ends the run span with its outcome.
func endRunSpan(span trace.Span, res *RunResult, err error) {
	if res != nil {
		span.SetAttributes(
			attribute.String("run.status", string(res.Status)),
			attribute.String("run.agent_id", res.AgentID),
			attribute.String("run.session_id", res.SessionID),
			attribute.Int("run.steps", len(res.Results)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startStepSpan starts a span for one tool step.
func startStepSpan(ctx context.Context, kind domain.ToolKind, index int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "tool."+string(kind))
	span.SetAttributes(
		attribute.String("tool.name", string(kind)),
		attribute.Int("step.index", index),
	)
	return ctx, span
}

// endStepSpan ends the step span. Failed steps are recorded, not propagated.
func endStepSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.Bool("step.success", err == nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
