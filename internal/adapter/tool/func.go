package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
	"squadron/internal/infra/tracer"
)

// Handler runs a tool on decoded params. It may return a string, a
// *domain.ToolResult, or any value that is JSON-encoded into the result.
type Handler[P any] func(ctx context.Context, span trace.Span, params P) (any, error)

// FuncTool adapts a typed handler to domain.Tool.
type FuncTool[P any] struct {
	name, description string
	parameters        json.RawMessage
	handler           Handler[P]
	logger            *slog.Logger
}

// NewFuncTool creates a tool whose arguments decode into P.
func NewFuncTool[P any](name, description string, parameters json.RawMessage, h Handler[P], l *slog.Logger) *FuncTool[P] {
	return &FuncTool[P]{
		name:        name,
		description: description,
		parameters:  parameters,
		handler:     h,
		logger:      logger.OrDiscard(l),
	}
}

func (f *FuncTool[P]) Name() string        { return f.name }
func (f *FuncTool[P]) Description() string { return f.description }

func (f *FuncTool[P]) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: f.name, Description: f.description, Parameters: f.parameters}
}

func (f *FuncTool[P]) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool."+f.name, f.logger, params, f.handler)
}

// Execute is the tool pipeline: decode params, start a span, run the
// handler and format its value. Handler failures become error results so the
// model sees them; they are never returned as Go errors.
func Execute[P any](ctx context.Context, spanName string, l *slog.Logger, rawParams json.RawMessage, handler Handler[P]) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	var p P
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			tracer.RecordError(span, err)
			return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid params: %v", err)}, nil
		}
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		l.Warn(spanName+" failed", "error", err)
		return &domain.ToolResult{IsError: true, Content: err.Error()}, nil
	}
	return formatResult(span, result)
}

func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v != nil && v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return &domain.ToolResult{Content: v}, nil
	default:
		data, err := json.Marshal(result)
		if err != nil {
			tracer.RecordError(span, err)
			return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("failed to format response: %v", err)}, nil
		}
		tracer.SetOK(span)
		return &domain.ToolResult{Content: string(data)}, nil
	}
}
