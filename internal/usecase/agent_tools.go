package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"squadron/internal/domain"
	"squadron/internal/infra/tracer"
)

// toolRound executes the tool calls of one turn. A call id is executed at
// most once; repeats reuse the recorded result.
type toolRound struct {
	a         *Agent
	sessionID string
	done      map[string]domain.ToolResult
}

func newToolRound(a *Agent, sessionID string) *toolRound {
	return &toolRound{a: a, sessionID: sessionID, done: make(map[string]domain.ToolResult)}
}

func (rt *toolRound) run(ctx context.Context, calls []domain.ToolCall) ([]domain.ToolResult, error) {
	results := make([]domain.ToolResult, 0, len(calls))
	for _, call := range calls {
		if r, ok := rt.done[call.ID]; ok && call.ID != "" {
			results = append(results, r)
			continue
		}
		r, err := rt.execute(ctx, call)
		if err != nil {
			return nil, err
		}
		if call.ID != "" {
			rt.done[call.ID] = r
		}
		results = append(results, r)
	}
	return results, nil
}

// execute runs one call under the tool timeout. Tool failures become error
// results the model can react to; a timeout, or a tool that still has no
// result after the continuation attempts, fails the turn.
func (rt *toolRound) execute(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	a := rt.a
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()
	start := time.Now()

	result, err := rt.invoke(ctx, call)
	if err != nil {
		tracer.RecordError(span, err)
		a.logger.Warn("tool invocation failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return domain.ToolResult{}, err
	}
	if result.IsError {
		a.logger.Debug("tool returned error result", "tool", call.Name, "content", result.Content)
	} else {
		tracer.SetOK(span)
	}
	publishEvent(a.cfg.Bus, ctx, domain.EventToolCalled, rt.sessionID, domain.ToolEventPayload{
		AgentID:   a.cfg.Descriptor.ID,
		Tool:      call.Name,
		CallID:    call.ID,
		IsError:   result.IsError,
		LatencyMs: time.Since(start).Milliseconds(),
	})
	return result, nil
}

func (rt *toolRound) invoke(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	a := rt.a
	errorResult := func(msg string) domain.ToolResult {
		return domain.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
	}
	if a.cfg.Tools == nil {
		return errorResult("no tools are available"), nil
	}
	tool, err := a.cfg.Tools.Get(call.Name)
	if err != nil {
		return errorResult(fmt.Sprintf("unknown tool %q", call.Name)), nil
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	for attempt := 0; attempt <= a.cfg.ToolContinuationAttempts; attempt++ {
		tctx, cancel := context.WithTimeout(ctx, a.cfg.ToolTimeout)
		res, err := tool.Execute(tctx, args)
		timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded)
		cancel()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.ToolResult{}, ctxErr
		}
		switch {
		case timedOut, errors.Is(err, context.DeadlineExceeded):
			return domain.ToolResult{}, domain.NewDomainError("Agent.tool", domain.ErrToolInvocationTimeout,
				fmt.Sprintf("tool %q exceeded %s", call.Name, a.cfg.ToolTimeout))
		case errors.Is(err, domain.ErrToolInvocationTimeout):
			return domain.ToolResult{}, err
		case err != nil:
			return errorResult(err.Error()), nil
		case res != nil:
			out := *res
			out.ToolCallID = call.ID
			return out, nil
		}
		a.logger.Debug("tool has no result yet", "tool", call.Name, "attempt", attempt+1)
	}
	return domain.ToolResult{}, domain.NewDomainError("Agent.tool", domain.ErrToolInvocationTimeout,
		fmt.Sprintf("tool %q produced no result after %d attempts", call.Name, a.cfg.ToolContinuationAttempts+1))
}
