package domain

import "context"

// Guardrail applies a content-safety policy. It returns the possibly
// rewritten content, or an error wrapping ErrGuardrailViolation when the
// policy blocks it.
type Guardrail interface {
	Apply(ctx context.Context, content, guardrailID, guardrailVersion string) (string, error)
}

// Passage is a unit of retrieved context.
type Passage struct {
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Retriever fetches context for a query, best match first.
type Retriever interface {
	FetchContext(ctx context.Context, query string) ([]Passage, error)
}

// RankScore is a ranker's confidence that an agent fits a query.
type RankScore struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Ranker scores candidate agents for a query. Order of the result is not
// significant; ties are resolved by the caller.
type Ranker interface {
	Rank(ctx context.Context, query string, candidates []AgentDescriptor) ([]RankScore, error)
}
