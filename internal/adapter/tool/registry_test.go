package tool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"squadron/internal/domain"
)

type echoParams struct {
	City string `json:"city"`
	Days int    `json:"days"`
}

func forecastTool(calls *int) domain.Tool {
	return NewFuncTool("get_forecast", "Weather forecast",
		json.RawMessage(`{"type":"object","properties":{"city":{"type":"string","minLength":1},"days":{"type":"integer","minimum":1}},"required":["city"]}`),
		func(_ context.Context, _ trace.Span, p echoParams) (any, error) {
			*calls++
			return map[string]any{"city": p.City, "days": p.Days, "summary": "sunny"}, nil
		}, nil)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	var calls int
	r := NewRegistry(nil)
	require.NoError(t, r.Register(forecastTool(&calls)))
	require.NoError(t, r.Register(NewClockTool(nil, nil)))
	assert.Error(t, r.Register(forecastTool(&calls)), "duplicate name")

	assert.Equal(t, []string{"current_time", "get_forecast"}, r.Names())
	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "current_time", schemas[0].Name)

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)

	tl, err := r.Get("get_forecast")
	require.NoError(t, err)
	res, err := tl.Execute(context.Background(), json.RawMessage(`{"city":"Paris","days":2}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"city":"Paris","days":2,"summary":"sunny"}`, res.Content)
	assert.Equal(t, 1, calls)
}

func TestRegistryValidatesArguments(t *testing.T) {
	var calls int
	r := NewRegistry(nil)
	require.NoError(t, r.Register(forecastTool(&calls)))
	tl, _ := r.Get("get_forecast")

	for name, args := range map[string]string{
		"missing required": `{"days":2}`,
		"wrong type":       `{"city":"Paris","days":"two"}`,
		"below minimum":    `{"city":"Paris","days":0}`,
		"not json":         `{city:`,
	} {
		t.Run(name, func(t *testing.T) {
			res, err := tl.Execute(context.Background(), json.RawMessage(args))
			require.NoError(t, err)
			assert.True(t, res.IsError, res.Content)
		})
	}
	assert.Zero(t, calls, "invalid arguments must not reach the tool")
}

func TestRegistryScope(t *testing.T) {
	var calls int
	r := NewRegistry(nil)
	require.NoError(t, r.Register(forecastTool(&calls)))
	require.NoError(t, r.Register(NewClockTool(nil, nil)))

	s, err := r.Scope([]string{"get_forecast"})
	require.NoError(t, err)
	require.Len(t, s.Schemas(), 1)
	_, err = s.Get("current_time")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)

	_, err = r.Scope([]string{"nope"})
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestClockTool(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl := NewClockTool(func() time.Time { return fixed }, nil)

	res, err := tl.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00Z", res.Content)

	res, err = tl.Execute(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

type stubRetriever struct {
	passages []domain.Passage
	err      error
}

func (s stubRetriever) FetchContext(context.Context, string) ([]domain.Passage, error) {
	return s.passages, s.err
}

func TestKnowledgeSearchTool(t *testing.T) {
	tl := NewKnowledgeSearchTool(stubRetriever{passages: []domain.Passage{{Content: "Refunds take 5 days.", Source: "faq"}}}, nil)
	res, err := tl.Execute(context.Background(), json.RawMessage(`{"query":"refund"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Content, "Refunds take 5 days.")

	empty := NewKnowledgeSearchTool(stubRetriever{}, nil)
	res, _ = empty.Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	assert.Equal(t, "no matching passages", res.Content)

	failing := NewKnowledgeSearchTool(stubRetriever{err: domain.ErrRetrievalFailure}, nil)
	res, _ = failing.Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	assert.True(t, res.IsError)
}
