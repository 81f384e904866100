package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"squadron/internal/domain"
	"squadron/internal/infra/tracer"
)

type clockParams struct {
	Timezone string `json:"timezone"`
}

// NewClockTool returns the "current_time" tool.
func NewClockTool(now func() time.Time, l *slog.Logger) domain.Tool {
	if now == nil {
		now = time.Now
	}
	return NewFuncTool("current_time",
		"Returns the current date and time, optionally in an IANA timezone such as Europe/Paris.",
		json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string"}},"additionalProperties":false}`),
		func(_ context.Context, span trace.Span, p clockParams) (any, error) {
			t := now()
			if p.Timezone != "" {
				loc, err := time.LoadLocation(p.Timezone)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", p.Timezone)
				}
				t = t.In(loc)
				span.SetAttributes(tracer.StringAttr("tool.timezone", p.Timezone))
			}
			return t.Format(time.RFC3339), nil
		}, l)
}

type knowledgeParams struct {
	Query string `json:"query"`
}

// NewKnowledgeSearchTool exposes a retriever as the "search_knowledge" tool
// so a model can look things up mid-turn.
func NewKnowledgeSearchTool(r domain.Retriever, l *slog.Logger) domain.Tool {
	return NewFuncTool("search_knowledge",
		"Searches the shared knowledge base and returns matching passages.",
		json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","minLength":1}},"required":["query"]}`),
		func(ctx context.Context, _ trace.Span, p knowledgeParams) (any, error) {
			passages, err := r.FetchContext(ctx, p.Query)
			if err != nil {
				return nil, err
			}
			if len(passages) == 0 {
				return "no matching passages", nil
			}
			return passages, nil
		}, l)
}
